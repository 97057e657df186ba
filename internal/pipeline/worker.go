package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"visionguard/internal/events"
)

const (
	DefaultWorkers    = 2
	DefaultJobTimeout = 30 * time.Second
)

// WorkerPool drains the queue with a fixed number of analysis workers
type WorkerPool struct {
	queue    *Queue
	analyzer Analyzer
	handler  EventHandler
	workers  int
	timeout  time.Duration
	logger   *zap.Logger

	processed atomic.Uint64
	failed    atomic.Uint64
	emitted   atomic.Uint64

	statsMu   sync.Mutex
	lastJobAt time.Time
	avgMs     float64
}

// NewWorkerPool creates a pool; workers <= 0 and timeout <= 0 use defaults
func NewWorkerPool(queue *Queue, analyzer Analyzer, handler EventHandler, workers int, timeout time.Duration, logger *zap.Logger) *WorkerPool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	if handler == nil {
		handler = EventHandlerFunc(func(context.Context, *events.Event) {})
	}
	return &WorkerPool{
		queue:    queue,
		analyzer: analyzer,
		handler:  handler,
		workers:  workers,
		timeout:  timeout,
		logger:   logger.Named("analysis"),
	}
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight job has finished
func (p *WorkerPool) Run(ctx context.Context) {
	p.logger.Info("Analysis workers started",
		zap.Int("workers", p.workers), zap.String("analyzer", p.analyzer.Name()))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}
	wg.Wait()
	p.logger.Info("Analysis workers stopped")
}

func (p *WorkerPool) work(ctx context.Context, id int) {
	for {
		job, err := p.queue.Next(ctx)
		if err != nil {
			return
		}
		p.process(ctx, id, job)
	}
}

// process handles one job; failures never escape it
func (p *WorkerPool) process(ctx context.Context, id int, job *FrameJob) {
	logger := p.logger.With(zap.Int("worker", id), zap.String("source_id", job.SourceID))

	start := time.Now()
	analysis, err := p.analyze(ctx, job)
	elapsed := time.Since(start)
	p.observe(start, elapsed)

	if err != nil {
		p.failed.Add(1)
		if ctx.Err() != nil {
			logger.Debug("Analysis cancelled", zap.Error(err))
			return
		}
		logger.Warn("Analysis failed, skipping frame", zap.Error(err), zap.Duration("elapsed", elapsed))
		return
	}
	p.processed.Add(1)

	evs := ToEvents(job, analysis)
	logger.Debug("Analysis complete",
		zap.Int("objects", len(analysis.Objects)),
		zap.Int("events", len(evs)),
		zap.Duration("elapsed", elapsed))

	for _, ev := range evs {
		p.emitted.Add(1)
		p.dispatch(ctx, logger, ev.ID, func() { p.handler.HandleEvent(ctx, ev) })
	}
}

func (p *WorkerPool) analyze(ctx context.Context, job *FrameJob) (a *Analysis, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Analyzer panicked",
				zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("%w: panic: %v", ErrAnalysis, r)
		}
	}()

	jctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	a, err = p.analyzer.Analyze(jctx, job.Frame, job.Source)
	if err != nil {
		if errors.Is(err, ErrAnalysis) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrAnalysis, p.analyzer.Name(), err)
	}
	if a == nil {
		a = &Analysis{}
	}
	if a.Analyzer == "" {
		a.Analyzer = p.analyzer.Name()
	}
	return a, nil
}

// dispatch runs a handler call, isolating panics to the event
func (p *WorkerPool) dispatch(ctx context.Context, logger *zap.Logger, eventID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Event handler panicked",
				zap.String("event_id", eventID), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
}

func (p *WorkerPool) observe(start time.Time, elapsed time.Duration) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.lastJobAt = start
	ms := float64(elapsed) / float64(time.Millisecond)
	if p.avgMs == 0 {
		p.avgMs = ms
	} else {
		p.avgMs = (p.avgMs + ms) / 2
	}
}

// Stats returns a snapshot of worker counters
func (p *WorkerPool) Stats() WorkerStats {
	s := WorkerStats{
		Workers:   p.workers,
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Events:    p.emitted.Load(),
	}
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	if !p.lastJobAt.IsZero() {
		ts := p.lastJobAt
		s.LastJobAt = &ts
	}
	s.AvgMillis = p.avgMs
	return s
}
