package pipeline

import (
	"context"
	"errors"

	"visionguard/internal/camera"
	"visionguard/internal/events"
)

// ErrAnalysis wraps every failed analyzer call
var ErrAnalysis = errors.New("analysis failed")

// Analyzer is the external analysis collaborator. Implementations may be
// slow or unavailable; callers bound every call with ctx.
type Analyzer interface {
	// Name returns the analyzer identifier (e.g., "grpc", "http", "none")
	Name() string

	// Analyze inspects one frame of src
	Analyze(ctx context.Context, frame *camera.Frame, src camera.Source) (*Analysis, error)
}

// HealthChecker is implemented by analyzers that can report availability
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}

// Closer is implemented by analyzers holding connections
type Closer interface {
	Close() error
}

// EventHandler receives events produced by the pipeline
type EventHandler interface {
	HandleEvent(ctx context.Context, ev *events.Event)
}

// EventHandlerFunc adapts a function to EventHandler
type EventHandlerFunc func(ctx context.Context, ev *events.Event)

func (f EventHandlerFunc) HandleEvent(ctx context.Context, ev *events.Event) { f(ctx, ev) }
