package detection

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"visionguard/internal/pipeline"
	"visionguard/internal/pipeline/detectors"
)

// Config describes one analysis backend
type Config struct {
	Kind     string        `yaml:"kind" json:"kind"`
	Endpoint string        `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Validate checks that the backend can be constructed
func (c Config) Validate() error {
	switch c.Kind {
	case KindNone:
		return nil
	case KindGRPC, KindHTTP:
		if c.Endpoint == "" {
			return fmt.Errorf("%s analyzer needs an endpoint", c.Kind)
		}
		return nil
	}
	return fmt.Errorf("unknown analyzer kind %q", c.Kind)
}

// New builds the analyzer described by cfg
func New(cfg Config, logger *zap.Logger) (pipeline.Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindGRPC:
		return NewGRPCAnalyzer(cfg.Endpoint, logger)
	case KindHTTP:
		return NewHTTPAnalyzer(cfg.Endpoint, cfg.Timeout, logger), nil
	default:
		return NoopAnalyzer{}, nil
	}
}

// Build registers every configured backend and chains them in order. An
// empty list yields the no-op analyzer.
func Build(cfgs []Config, logger *zap.Logger) (*detectors.Chain, *detectors.Registry, error) {
	if len(cfgs) == 0 {
		cfgs = []Config{{Kind: KindNone}}
	}

	reg := detectors.NewRegistry()
	names := make([]string, 0, len(cfgs))
	for _, cfg := range cfgs {
		a, err := New(cfg, logger)
		if err != nil {
			_ = reg.Close()
			return nil, nil, err
		}
		if err := reg.Register(a); err != nil {
			_ = reg.Close()
			return nil, nil, err
		}
		names = append(names, a.Name())
	}

	chain, err := detectors.NewChain(reg.GetByNames(names)...)
	if err != nil {
		_ = reg.Close()
		return nil, nil, err
	}
	logger.Info("Analysis backends ready", zap.Strings("chain", names))
	return chain, reg, nil
}
