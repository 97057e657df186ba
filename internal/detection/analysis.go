package detection

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"visionguard/internal/camera"
	"visionguard/internal/events"
	"visionguard/internal/pipeline"
)

// Analyzer names accepted in configuration
const (
	KindGRPC = "grpc"
	KindHTTP = "http"
	KindNone = "none"
)

// buildRequest is the payload every remote analyzer receives. Frames travel
// as base64 JPEG so the same document works over JSON and structpb.
func buildRequest(frame *camera.Frame, src camera.Source) (map[string]any, error) {
	data, err := frame.JPEG()
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return map[string]any{
		"source_id":   src.ID,
		"source_name": src.Name,
		"location":    src.Location,
		"frame_seq":   float64(frame.Seq),
		"captured_at": frame.CapturedAt.UTC().Format(time.RFC3339Nano),
		"width":       float64(frame.Width()),
		"height":      float64(frame.Height()),
		"media_type":  "image/jpeg",
		"frame":       base64.StdEncoding.EncodeToString(data),
	}, nil
}

// parseAnalysis reads the loosely typed analyzer response. Unknown fields are
// kept in Raw; an "error" field is reported as a failure.
func parseAnalysis(m map[string]any) (*pipeline.Analysis, error) {
	if msg, ok := m["error"].(string); ok && msg != "" {
		return nil, fmt.Errorf("analyzer reported: %s", msg)
	}

	a := &pipeline.Analysis{
		Activities:         stringList(m["activities"]),
		SecurityConcerns:   stringList(m["security_concerns"]),
		Assessment:         stringValue(m["overall_assessment"]),
		RecommendedActions: stringList(m["recommended_actions"]),
		AlertLevel:         events.SeverityLow,
		Raw:                m,
	}
	if lvl, err := events.ParseSeverity(strings.ToLower(stringValue(m["alert_level"]))); err == nil {
		a.AlertLevel = lvl
	}

	if objs, ok := m["detected_objects"].([]any); ok {
		for _, o := range objs {
			om, ok := o.(map[string]any)
			if !ok {
				continue
			}
			a.Objects = append(a.Objects, pipeline.DetectedObject{
				Type:        stringValue(om["type"]),
				Description: stringValue(om["description"]),
				Confidence:  numberValue(om["confidence"]),
				Location:    stringValue(om["location"]),
			})
		}
	}
	return a, nil
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func numberValue(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
