package strategies

import (
	"sync"
	"time"
)

// MotionTriggeredStrategy submits only while motion is active, i.e. on a
// frame with motion or within the cooldown after one
type MotionTriggeredStrategy struct {
	interval        time.Duration
	cooldownPeriod  time.Duration
	lastMotionTime  time.Time
	lastSubmitted   time.Time
	hasActiveMotion bool
	mu              sync.Mutex
}

// NewMotionTriggeredStrategy creates a motion-triggered strategy
func NewMotionTriggeredStrategy(interval, cooldown time.Duration) *MotionTriggeredStrategy {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if cooldown <= 0 {
		cooldown = 2 * time.Second
	}
	return &MotionTriggeredStrategy{interval: interval, cooldownPeriod: cooldown}
}

func (s *MotionTriggeredStrategy) Name() string {
	return string(ModeMotionTriggered)
}

func (s *MotionTriggeredStrategy) ShouldSubmit(sig Signal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.observeMotion(sig)
	if !active {
		return false
	}
	return s.lastSubmitted.IsZero() || sig.Now.Sub(s.lastSubmitted) >= s.interval
}

// observeMotion updates motion tracking; callers hold s.mu
func (s *MotionTriggeredStrategy) observeMotion(sig Signal) bool {
	if sig.Motion {
		s.lastMotionTime = sig.Now
		s.hasActiveMotion = true
		return true
	}
	if s.hasActiveMotion && sig.Now.Sub(s.lastMotionTime) < s.cooldownPeriod {
		return true
	}
	s.hasActiveMotion = false
	return false
}

func (s *MotionTriggeredStrategy) OnSubmitted(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSubmitted = now
}

func (s *MotionTriggeredStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMotionTime = time.Time{}
	s.lastSubmitted = time.Time{}
	s.hasActiveMotion = false
}
