package camera

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"visionguard/internal/pipeline/strategies"
)

const (
	KindSynthetic = "synthetic"
	KindHTTP      = "http"
)

// MotionConfig tunes inline change detection for a source
type MotionConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	PixelThreshold uint8         `yaml:"pixel_threshold" json:"pixel_threshold"`
	MinArea        int           `yaml:"min_area" json:"min_area"`
	Sensitivity    float64       `yaml:"sensitivity" json:"sensitivity"`
	Cooldown       time.Duration `yaml:"cooldown" json:"cooldown"`
}

// Config describes one video source
type Config struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Kind     string `yaml:"kind" json:"kind"`
	URL      string `yaml:"url,omitempty" json:"url,omitempty"`
	Location string `yaml:"location,omitempty" json:"location,omitempty"`
	Enabled  *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	FPS    int `yaml:"fps" json:"fps"`
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`

	ErrorThreshold   int           `yaml:"error_threshold" json:"error_threshold"`
	ReadTimeout      time.Duration `yaml:"read_timeout" json:"read_timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
	AnalysisInterval time.Duration `yaml:"analysis_interval" json:"analysis_interval"`
	AnalysisMode     string        `yaml:"analysis_mode" json:"analysis_mode"`

	Motion MotionConfig `yaml:"motion" json:"motion"`
}

// WithDefaults returns a copy of c with unset fields filled in
func (c Config) WithDefaults() Config {
	if c.Name == "" {
		c.Name = c.ID
	}
	if c.Kind == "" {
		c.Kind = KindSynthetic
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.Width <= 0 {
		c.Width = 640
	}
	if c.Height <= 0 {
		c.Height = 480
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 10
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.AnalysisInterval <= 0 {
		c.AnalysisInterval = 5 * time.Second
	}
	if c.AnalysisMode == "" {
		c.AnalysisMode = string(strategies.ModeScheduled)
	}
	if c.Motion.Cooldown <= 0 {
		c.Motion.Cooldown = 5 * time.Second
	}
	if c.Enabled == nil {
		enabled := true
		c.Enabled = &enabled
	}
	return c
}

// IsEnabled reports whether the source should be started
func (c Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Validate checks that the source can be started
func (c Config) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("source id is required")
	}
	switch c.Kind {
	case KindSynthetic, "":
	case KindHTTP:
		if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
			return fmt.Errorf("source %s: http source needs an http(s) url", c.ID)
		}
	default:
		return fmt.Errorf("source %s: unknown kind %q", c.ID, c.Kind)
	}
	if _, err := strategies.ParseMode(c.AnalysisMode); err != nil {
		return fmt.Errorf("source %s: %w", c.ID, err)
	}
	return nil
}

// FrameInterval is the pause between reads
func (c Config) FrameInterval() time.Duration {
	fps := c.FPS
	if fps <= 0 {
		fps = 30
	}
	return time.Second / time.Duration(fps)
}

// NewFrameSource builds the frame source described by c
func NewFrameSource(c Config, client *http.Client) (FrameSource, error) {
	c = c.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Kind {
	case KindHTTP:
		return NewHTTPSource(c.ID, c.URL, client), nil
	default:
		return NewSyntheticSource(SyntheticConfig{
			SourceID: c.ID,
			Width:    c.Width,
			Height:   c.Height,
			Noise:    20,
		}), nil
	}
}

// Source is a point-in-time view of a video source
type Source struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Kind              string     `json:"kind"`
	Location          string     `json:"location,omitempty"`
	Status            Status     `json:"status"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	FramesRead        uint64     `json:"frames_read"`
	FramesSubmitted   uint64     `json:"frames_submitted"`
	MotionEvents      uint64     `json:"motion_events"`
	LastFrameAt       *time.Time `json:"last_frame_at,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	Restarts          int        `json:"restarts"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
