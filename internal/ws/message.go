package ws

import (
	"encoding/json"
	"time"

	"visionguard/internal/camera"
	"visionguard/internal/events"
	"visionguard/internal/monitoring"
	"visionguard/internal/pipeline"
)

// MessageType names an outbound message
type MessageType string

const (
	TypeConnectionEstablished MessageType = "connection_established"
	TypeSubscriptionConfirmed MessageType = "subscription_confirmed"
	TypeSubscriptionRemoved   MessageType = "subscription_removed"
	TypeSourceUpdate          MessageType = "source_update"
	TypeEventNotification     MessageType = "event_notification"
	TypePriorityEvent         MessageType = "priority_event"
	TypeMonitoringAlert       MessageType = "monitoring_alert"
	TypeSystemStatus          MessageType = "system_status"
	TypeHeartbeat             MessageType = "heartbeat"
)

// Payload is implemented only by the message bodies declared in this file
type Payload interface {
	messageType() MessageType
	sourceID() string
}

// Message is the outbound envelope
type Message struct {
	Type      MessageType `json:"type"`
	Data      Payload     `json:"data,omitempty"`
	SourceID  string      `json:"sourceId,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage wraps p in an envelope stamped with ts
func NewMessage(p Payload, ts time.Time) Message {
	return Message{
		Type:      p.messageType(),
		Data:      p,
		SourceID:  p.sourceID(),
		Timestamp: ts,
	}
}

// Encode renders the envelope as JSON
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

type noSource struct{}

func (noSource) sourceID() string { return "" }

// ConnectionEstablished confirms a new connection to its client
type ConnectionEstablished struct {
	noSource
	ClientID string `json:"client_id"`
}

func (ConnectionEstablished) messageType() MessageType { return TypeConnectionEstablished }

// SubscriptionConfirmed acknowledges a subscribe request
type SubscriptionConfirmed struct {
	SourceID string `json:"source_id"`
}

func (SubscriptionConfirmed) messageType() MessageType { return TypeSubscriptionConfirmed }
func (p SubscriptionConfirmed) sourceID() string       { return p.SourceID }

// SubscriptionRemoved acknowledges an unsubscribe request
type SubscriptionRemoved struct {
	SourceID string `json:"source_id"`
}

func (SubscriptionRemoved) messageType() MessageType { return TypeSubscriptionRemoved }
func (p SubscriptionRemoved) sourceID() string       { return p.SourceID }

// SourceUpdate carries a source status change
type SourceUpdate struct {
	camera.Source
}

func (SourceUpdate) messageType() MessageType { return TypeSourceUpdate }
func (p SourceUpdate) sourceID() string       { return p.ID }

// EventNotification delivers an event to the subscribers of its source
type EventNotification struct {
	*events.Event
}

func (EventNotification) messageType() MessageType { return TypeEventNotification }
func (p EventNotification) sourceID() string       { return p.SourceID }

// PriorityEvent delivers a high or critical event to every client
type PriorityEvent struct {
	*events.Event
}

func (PriorityEvent) messageType() MessageType { return TypePriorityEvent }
func (p PriorityEvent) sourceID() string       { return p.SourceID }

// MonitoringAlert reports a triggered monitoring task
type MonitoringAlert struct {
	monitoring.Alert
}

func (MonitoringAlert) messageType() MessageType { return TypeMonitoringAlert }
func (p MonitoringAlert) sourceID() string {
	if p.Event == nil {
		return ""
	}
	return p.Event.SourceID
}

// HostStats describes the machine running the pipeline
type HostStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
}

// SystemStatus is the periodic pipeline report
type SystemStatus struct {
	noSource
	UptimeSeconds   float64               `json:"uptime_seconds"`
	SourcesByStatus map[camera.Status]int `json:"sources_by_status"`
	SourceErrors    map[string]int        `json:"source_errors"`
	Queue           pipeline.QueueStats   `json:"queue"`
	Workers         pipeline.WorkerStats  `json:"workers"`
	StoredEvents    int                   `json:"stored_events"`
	ActiveTasks     int                   `json:"active_tasks"`
	Connections     int                   `json:"connections"`
	Host            *HostStats            `json:"host,omitempty"`
}

func (SystemStatus) messageType() MessageType { return TypeSystemStatus }

// Heartbeat is broadcast on a fixed interval
type Heartbeat struct {
	noSource
	Connections int `json:"connections"`
}

func (Heartbeat) messageType() MessageType { return TypeHeartbeat }

// Inbound message types
const (
	InboundSubscribe   = "subscribe_source"
	InboundUnsubscribe = "unsubscribe_source"
)

// Inbound is a client request
type Inbound struct {
	Type     string `json:"type"`
	SourceID string `json:"sourceId,omitempty"`
}
