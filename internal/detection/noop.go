package detection

import (
	"context"

	"visionguard/internal/camera"
	"visionguard/internal/pipeline"
)

// NoopAnalyzer never finds anything; motion events still flow
type NoopAnalyzer struct{}

var _ pipeline.Analyzer = NoopAnalyzer{}

func (NoopAnalyzer) Name() string { return KindNone }

func (NoopAnalyzer) Analyze(ctx context.Context, _ *camera.Frame, _ camera.Source) (*pipeline.Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &pipeline.Analysis{Assessment: "analysis disabled"}, nil
}
