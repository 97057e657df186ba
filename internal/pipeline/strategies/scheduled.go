package strategies

import (
	"sync"
	"time"
)

// ScheduledStrategy submits one frame per interval regardless of motion
type ScheduledStrategy struct {
	interval      time.Duration
	lastSubmitted time.Time
	mu            sync.Mutex
}

// NewScheduledStrategy creates a scheduled strategy
func NewScheduledStrategy(interval time.Duration) *ScheduledStrategy {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ScheduledStrategy{interval: interval}
}

func (s *ScheduledStrategy) Name() string {
	return string(ModeScheduled)
}

func (s *ScheduledStrategy) ShouldSubmit(sig Signal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSubmitted.IsZero() || sig.Now.Sub(s.lastSubmitted) >= s.interval
}

func (s *ScheduledStrategy) OnSubmitted(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSubmitted = now
}

func (s *ScheduledStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSubmitted = time.Time{}
}
