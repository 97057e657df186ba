package strategies

import (
	"fmt"
	"time"
)

// Mode selects when a source hands frames to analysis
type Mode string

const (
	ModeDisabled        Mode = "disabled"
	ModeScheduled       Mode = "scheduled"
	ModeMotionTriggered Mode = "motion_triggered"
	ModeHybrid          Mode = "hybrid"
)

// Signal is what the source loop knows about the frame it just read
type Signal struct {
	Now    time.Time
	Motion bool
}

// Strategy decides whether a frame should be submitted for analysis. Every
// strategy submits at most once per interval.
type Strategy interface {
	Name() string
	ShouldSubmit(sig Signal) bool
	OnSubmitted(now time.Time)
	Reset()
}

// Config holds strategy parameters
type Config struct {
	Mode Mode
	// Interval is the minimum gap between two submissions
	Interval time.Duration
	// Cooldown keeps motion-triggered submission going after motion stops
	Cooldown time.Duration
	// Coverage is the longest a hybrid strategy waits without motion
	Coverage time.Duration
}

// ParseMode validates a mode name; empty means scheduled
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return ModeScheduled, nil
	case ModeDisabled, ModeScheduled, ModeMotionTriggered, ModeHybrid:
		return m, nil
	}
	return "", fmt.Errorf("unknown analysis mode: %s", s)
}

// New creates the strategy described by cfg
func New(cfg Config) (Strategy, error) {
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 2 * time.Second
	}
	if cfg.Coverage < cfg.Interval {
		cfg.Coverage = 6 * cfg.Interval
	}

	switch mode {
	case ModeDisabled:
		return NewDisabledStrategy(), nil
	case ModeMotionTriggered:
		return NewMotionTriggeredStrategy(cfg.Interval, cfg.Cooldown), nil
	case ModeHybrid:
		return NewHybridStrategy(cfg.Interval, cfg.Coverage, cfg.Cooldown), nil
	default:
		return NewScheduledStrategy(cfg.Interval), nil
	}
}
