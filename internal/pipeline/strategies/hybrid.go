package strategies

import (
	"time"
)

// HybridStrategy submits on motion like MotionTriggeredStrategy and also
// guarantees one submission per coverage period without motion
type HybridStrategy struct {
	*MotionTriggeredStrategy
	coverage time.Duration
}

// NewHybridStrategy creates a hybrid strategy
func NewHybridStrategy(interval, coverage, cooldown time.Duration) *HybridStrategy {
	m := NewMotionTriggeredStrategy(interval, cooldown)
	if coverage < m.interval {
		coverage = 6 * m.interval
	}
	return &HybridStrategy{MotionTriggeredStrategy: m, coverage: coverage}
}

func (s *HybridStrategy) Name() string {
	return string(ModeHybrid)
}

func (s *HybridStrategy) ShouldSubmit(sig Signal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastSubmitted.IsZero() {
		s.observeMotion(sig)
		return true
	}
	since := sig.Now.Sub(s.lastSubmitted)
	if s.observeMotion(sig) {
		return since >= s.interval
	}
	return since >= s.coverage
}
