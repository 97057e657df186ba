package detectors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"visionguard/internal/camera"
	"visionguard/internal/pipeline"
)

// Registry manages available analyzers by name
type Registry struct {
	analyzers map[string]pipeline.Analyzer
	mu        sync.RWMutex
}

// NewRegistry creates a new analyzer registry
func NewRegistry() *Registry {
	return &Registry{
		analyzers: make(map[string]pipeline.Analyzer),
	}
}

// Register adds an analyzer to the registry
func (r *Registry) Register(a pipeline.Analyzer) error {
	if a == nil {
		return fmt.Errorf("analyzer cannot be nil")
	}

	name := a.Name()
	if name == "" {
		return fmt.Errorf("analyzer name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.analyzers[name]; exists {
		return fmt.Errorf("analyzer %q already registered", name)
	}

	r.analyzers[name] = a
	return nil
}

// Get returns an analyzer by name
func (r *Registry) Get(name string) (pipeline.Analyzer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.analyzers[name]
	return a, ok
}

// GetByNames returns analyzers matching the given names, in order
func (r *Registry) GetByNames(names []string) []pipeline.Analyzer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]pipeline.Analyzer, 0, len(names))
	for _, name := range names {
		if a, ok := r.analyzers[name]; ok {
			result = append(result, a)
		}
	}
	return result
}

// Names returns the sorted names of all registered analyzers
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.analyzers))
	for name := range r.analyzers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all analyzer resources
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, a := range r.analyzers {
		if c, ok := a.(pipeline.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("error closing analyzer %q: %w", name, err)
			}
		}
		delete(r.analyzers, name)
	}
	return firstErr
}

// Chain tries analyzers in order and returns the first successful result.
// Analyzers that report themselves unhealthy are skipped.
type Chain struct {
	analyzers []pipeline.Analyzer
}

var _ pipeline.Analyzer = (*Chain)(nil)

// NewChain builds a fallback chain; it needs at least one analyzer
func NewChain(analyzers ...pipeline.Analyzer) (*Chain, error) {
	if len(analyzers) == 0 {
		return nil, fmt.Errorf("analyzer chain is empty")
	}
	return &Chain{analyzers: analyzers}, nil
}

func (c *Chain) Name() string {
	if len(c.analyzers) == 1 {
		return c.analyzers[0].Name()
	}
	name := "chain("
	for i, a := range c.analyzers {
		if i > 0 {
			name += ","
		}
		name += a.Name()
	}
	return name + ")"
}

func (c *Chain) Analyze(ctx context.Context, frame *camera.Frame, src camera.Source) (*pipeline.Analysis, error) {
	var errs []error
	for _, a := range c.analyzers {
		if hc, ok := a.(pipeline.HealthChecker); ok && !hc.IsHealthy(ctx) {
			errs = append(errs, fmt.Errorf("%s: unhealthy", a.Name()))
			continue
		}
		res, err := a.Analyze(ctx, frame, src)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if res != nil && res.Analyzer == "" {
			res.Analyzer = a.Name()
		}
		return res, nil
	}
	return nil, fmt.Errorf("%w: %w", pipeline.ErrAnalysis, errors.Join(errs...))
}

// Close closes every analyzer in the chain
func (c *Chain) Close() error {
	var errs []error
	for _, a := range c.analyzers {
		if cl, ok := a.(pipeline.Closer); ok {
			errs = append(errs, cl.Close())
		}
	}
	return errors.Join(errs...)
}
