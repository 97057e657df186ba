package pipeline

import (
	"fmt"
	"strings"

	"visionguard/internal/events"
)

var objectTypes = map[string]events.EventType{
	"person":     events.TypePerson,
	"people":     events.TypePerson,
	"human":      events.TypePerson,
	"vehicle":    events.TypeVehicle,
	"car":        events.TypeVehicle,
	"truck":      events.TypeVehicle,
	"bus":        events.TypeVehicle,
	"van":        events.TypeVehicle,
	"motorcycle": events.TypeVehicle,
	"bicycle":    events.TypeVehicle,
	"package":    events.TypePackageDelivery,
	"parcel":     events.TypePackageDelivery,
	"box":        events.TypePackageDelivery,
	"delivery":   events.TypePackageDelivery,
}

// EventTypeForObject maps an analyzer object label onto an event type
func EventTypeForObject(label string) events.EventType {
	if t, ok := objectTypes[strings.ToLower(strings.TrimSpace(label))]; ok {
		return t
	}
	return events.TypeUnusualActivity
}

// NormalizeConfidence accepts either a [0,1] probability or a 1-10 score
func NormalizeConfidence(c float64) float64 {
	if c > 1 {
		c /= 10
	}
	return events.ClampConfidence(c)
}

// ToEvents converts an analysis of job into zero or more events. Every
// detected object yields one event; security concerns with no objects yield a
// single unusual_activity event.
func ToEvents(job *FrameJob, a *Analysis) []*events.Event {
	if a == nil || (len(a.Objects) == 0 && len(a.SecurityConcerns) == 0) {
		return nil
	}

	sev := a.AlertLevel
	if !sev.Valid() {
		sev = events.SeverityLow
	}
	name := job.Source.Name
	if name == "" {
		name = job.SourceID
	}

	base := map[string]any{
		"analyzer":  a.Analyzer,
		"frame_seq": job.Frame.Seq,
	}
	if a.Assessment != "" {
		base["assessment"] = a.Assessment
	}
	if len(a.Activities) > 0 {
		base["activities"] = a.Activities
	}
	if len(a.SecurityConcerns) > 0 {
		base["security_concerns"] = a.SecurityConcerns
	}
	if len(a.RecommendedActions) > 0 {
		base["recommended_actions"] = a.RecommendedActions
	}

	var frame []byte
	if data, err := job.Frame.JPEG(); err == nil {
		frame = data
	}

	opts := func(extra map[string]any) []events.Option {
		md := make(map[string]any, len(base)+len(extra))
		for k, v := range base {
			md[k] = v
		}
		for k, v := range extra {
			md[k] = v
		}
		o := []events.Option{events.WithMetadata(md)}
		if !job.CapturedAt.IsZero() {
			o = append(o, events.WithTimestamp(job.CapturedAt))
		}
		if frame != nil {
			o = append(o, events.WithFrame(frame))
		}
		return o
	}

	if len(a.Objects) == 0 {
		desc := fmt.Sprintf("Security concern in %s: %s", name, a.SecurityConcerns[0])
		return []*events.Event{
			events.New(job.SourceID, events.TypeUnusualActivity, sev, 0.5, desc, opts(nil)...),
		}
	}

	out := make([]*events.Event, 0, len(a.Objects))
	for _, obj := range a.Objects {
		typ := EventTypeForObject(obj.Type)
		desc := obj.Description
		if desc == "" {
			desc = fmt.Sprintf("%s detected in %s", strings.ReplaceAll(string(typ), "_", " "), name)
		}
		extra := map[string]any{"object_type": obj.Type}
		if obj.Location != "" {
			extra["location"] = obj.Location
		}
		out = append(out, events.New(job.SourceID, typ, sev, NormalizeConfidence(obj.Confidence), desc, opts(extra)...))
	}
	return out
}
