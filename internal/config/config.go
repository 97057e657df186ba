package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"visionguard/internal/auth"
	"visionguard/internal/camera"
	"visionguard/internal/detection"
	"visionguard/internal/events"
	"visionguard/internal/notify"
	"visionguard/internal/pipeline"
)

type Config struct {
	Server    ServerConfig       `yaml:"server"`
	Pipeline  PipelineConfig     `yaml:"pipeline"`
	Store     StoreConfig        `yaml:"store"`
	WebSocket WebSocketConfig    `yaml:"websocket"`
	Stream    StreamConfig       `yaml:"stream"`
	Sources   []camera.Config    `yaml:"sources"`
	Analyzers []detection.Config `yaml:"analyzers"`
	Database  DatabaseConfig     `yaml:"database"`
	Auth      auth.Config        `yaml:"auth"`
	Telegram  notify.Config      `yaml:"telegram"`
	Log       LogConfig          `yaml:"log"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr is the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type PipelineConfig struct {
	QueueCapacity int           `yaml:"queue_capacity"`
	Workers       int           `yaml:"workers"`
	JobTimeout    time.Duration `yaml:"job_timeout"`
}

type StoreConfig struct {
	Capacity int `yaml:"capacity"`
	// Retention bounds how long recorded events are kept on disk
	Retention time.Duration `yaml:"retention"`
}

type WebSocketConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	StatusInterval    time.Duration `yaml:"status_interval"`
}

type StreamConfig struct {
	MaxFPS int `yaml:"max_fps"`
}

// DatabaseConfig locates the SQLite recorder. An empty path disables it.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration: two synthetic sources and no
// analyzer
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
		},
		Pipeline: PipelineConfig{
			QueueCapacity: pipeline.DefaultQueueCapacity,
			Workers:       pipeline.DefaultWorkers,
			JobTimeout:    pipeline.DefaultJobTimeout,
		},
		Store: StoreConfig{
			Capacity:  events.DefaultCapacity,
			Retention: 7 * 24 * time.Hour,
		},
		WebSocket: WebSocketConfig{
			HeartbeatInterval: 30 * time.Second,
			WriteTimeout:      10 * time.Second,
			StatusInterval:    60 * time.Second,
		},
		Stream: StreamConfig{MaxFPS: 10},
		Sources: []camera.Config{
			{ID: "cam1", Name: "Front Entrance", Kind: camera.KindSynthetic, Location: "front door"},
			{ID: "cam2", Name: "Parking Lot", Kind: camera.KindSynthetic, Location: "parking"},
		},
		Database: DatabaseConfig{Path: "visionguard.db"},
		Auth:     auth.Config{Username: "admin", TokenExpiry: auth.DefaultExpiry},
		Telegram: notify.Config{Cooldown: notify.DefaultCooldown},
		Log:      LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the whole configuration and fills per-source defaults
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Pipeline.QueueCapacity <= 0 {
		errs = append(errs, errors.New("pipeline.queue_capacity must be positive"))
	}
	if c.Pipeline.Workers <= 0 {
		errs = append(errs, errors.New("pipeline.workers must be positive"))
	}
	if c.Store.Capacity <= 0 {
		errs = append(errs, errors.New("store.capacity must be positive"))
	}

	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		src := c.Sources[i].WithDefaults()
		if err := src.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("sources[%d]: %w", i, err))
			continue
		}
		if seen[src.ID] {
			errs = append(errs, fmt.Errorf("sources[%d]: duplicate id %q", i, src.ID))
		}
		seen[src.ID] = true
		c.Sources[i] = src
	}

	for i, a := range c.Analyzers {
		if err := a.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("analyzers[%d]: %w", i, err))
		}
	}
	if c.Auth.Enabled && c.Auth.Password == "" {
		errs = append(errs, errors.New("auth.password is required when auth is enabled"))
	}
	if err := c.Telegram.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
