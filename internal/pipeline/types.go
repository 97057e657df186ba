package pipeline

import (
	"time"

	"visionguard/internal/camera"
	"visionguard/internal/events"
)

// FrameJob is one frame handed from a source loop to the analysis stage
type FrameJob struct {
	SourceID   string
	Frame      *camera.Frame
	Source     camera.Source // source state at submission time
	CapturedAt time.Time
	EnqueuedAt time.Time
}

// DetectedObject is one object reported by an analyzer
type DetectedObject struct {
	Type        string  `json:"type"`
	Description string  `json:"description,omitempty"`
	Confidence  float64 `json:"confidence"`
	Location    string  `json:"location,omitempty"`
}

// Analysis is the opaque result of one analyzer call. Only the fields below
// are interpreted; everything else an analyzer returns is carried in Raw.
type Analysis struct {
	Objects            []DetectedObject `json:"detected_objects"`
	Activities         []string         `json:"activities,omitempty"`
	SecurityConcerns   []string         `json:"security_concerns,omitempty"`
	Assessment         string           `json:"overall_assessment,omitempty"`
	RecommendedActions []string         `json:"recommended_actions,omitempty"`
	AlertLevel         events.Severity  `json:"alert_level"`
	Analyzer           string           `json:"analyzer,omitempty"`
	Raw                map[string]any   `json:"-"`
}

// QueueStats describes the dispatch queue
type QueueStats struct {
	Capacity int    `json:"capacity"`
	Depth    int    `json:"depth"`
	Enqueued uint64 `json:"enqueued"`
	Dropped  uint64 `json:"dropped"`
}

// WorkerStats describes the analysis worker pool
type WorkerStats struct {
	Workers   int        `json:"workers"`
	Processed uint64     `json:"processed"`
	Failed    uint64     `json:"failed"`
	Events    uint64     `json:"events"`
	LastJobAt *time.Time `json:"last_job_at,omitempty"`
	AvgMillis float64    `json:"avg_analysis_ms"`
}
