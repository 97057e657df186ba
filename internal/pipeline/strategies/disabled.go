package strategies

import "time"

// DisabledStrategy never submits frames; sources still run change detection
type DisabledStrategy struct{}

// NewDisabledStrategy creates a disabled strategy
func NewDisabledStrategy() *DisabledStrategy {
	return &DisabledStrategy{}
}

func (s *DisabledStrategy) Name() string {
	return string(ModeDisabled)
}

func (s *DisabledStrategy) ShouldSubmit(Signal) bool {
	return false
}

func (s *DisabledStrategy) OnSubmitted(time.Time) {}

func (s *DisabledStrategy) Reset() {}
