package events

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// EventType identifies what kind of activity an event describes
type EventType string

const (
	TypeMotion          EventType = "motion"
	TypePerson          EventType = "person"
	TypeVehicle         EventType = "vehicle"
	TypePackageDelivery EventType = "package_delivery"
	TypeUnusualActivity EventType = "unusual_activity"
)

// AllTypes lists every known event type
var AllTypes = []EventType{
	TypeMotion,
	TypePerson,
	TypeVehicle,
	TypePackageDelivery,
	TypeUnusualActivity,
}

// Valid reports whether t is one of the known event types
func (t EventType) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseEventType converts a string into a known EventType
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

// Severity grades how urgent an event is
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from 0 (low) to 3 (critical); unknown values rank -1
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// IsPriority reports whether the severity escalates to every observer
func (s Severity) IsPriority() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// ParseSeverity converts a string into a known Severity
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if !sev.Valid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Event is a detected security event. Events are created once and never
// modified afterwards; every consumer shares the same pointer.
type Event struct {
	ID          string         `json:"id"`
	SourceID    string         `json:"source_id"`
	Type        EventType      `json:"event_type"`
	Timestamp   time.Time      `json:"timestamp"`
	Confidence  float64        `json:"confidence"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	Frame       []byte         `json:"frame_data,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Option customises an event at construction time
type Option func(*Event)

// WithFrame attaches the JPEG frame that produced the event
func WithFrame(frame []byte) Option {
	return func(e *Event) { e.Frame = frame }
}

// WithMetadata attaches free-form details
func WithMetadata(md map[string]any) Option {
	return func(e *Event) { e.Metadata = md }
}

// WithTimestamp overrides the creation time
func WithTimestamp(ts time.Time) Option {
	return func(e *Event) { e.Timestamp = ts }
}

// New builds an event with a fresh ID. Confidence is clamped to [0,1].
func New(sourceID string, typ EventType, sev Severity, confidence float64, description string, opts ...Option) *Event {
	e := &Event{
		ID:          uuid.NewString(),
		SourceID:    sourceID,
		Type:        typ,
		Timestamp:   time.Now(),
		Confidence:  ClampConfidence(confidence),
		Severity:    sev,
		Description: description,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ClampConfidence forces c into [0,1]; NaN becomes 0
func ClampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
