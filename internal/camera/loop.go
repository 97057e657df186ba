package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"

	"visionguard/internal/events"
	"visionguard/internal/motion"
	"visionguard/internal/pipeline/strategies"
)

// Listener receives status changes and candidate events from a source loop.
// Calls are made from the loop goroutine, in order.
type Listener interface {
	SourceChanged(src Source)
	EventDetected(ev *events.Event)
}

// Submitter accepts frames for deeper analysis. Returning false means the
// frame was dropped.
type Submitter interface {
	Submit(frame *Frame, src Source) bool
}

// FrameObserver sees every frame that was read successfully
type FrameObserver interface {
	FrameCaptured(frame *Frame)
}

// LoopOption customises a Loop
type LoopOption func(*Loop)

// WithFrameObserver attaches a per-frame observer, e.g. a live view
func WithFrameObserver(o FrameObserver) LoopOption {
	return func(l *Loop) { l.observer = o }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) LoopOption {
	return func(l *Loop) { l.now = now }
}

// Loop drives one video source: it connects, reads frames at a fixed
// cadence, runs change detection and hands frames to analysis.
type Loop struct {
	cfg       Config
	src       FrameSource
	detector  *motion.Detector
	strategy  strategies.Strategy
	listener  Listener
	submitter Submitter
	observer  FrameObserver
	logger    *zap.Logger
	now       func() time.Time

	mu    sync.RWMutex
	state Source
	prev  image.Image

	// owned by the loop goroutine
	lastMotion time.Time
}

// NewLoop creates a loop for src. listener and submitter may be nil.
func NewLoop(cfg Config, src FrameSource, listener Listener, submitter Submitter, logger *zap.Logger, opts ...LoopOption) *Loop {
	cfg = cfg.WithDefaults()
	l := &Loop{
		cfg:       cfg,
		src:       src,
		listener:  listener,
		submitter: submitter,
		logger:    logger.Named("camera").With(zap.String("source_id", cfg.ID)),
		now:       time.Now,
		state: Source{
			ID:       cfg.ID,
			Name:     cfg.Name,
			Kind:     cfg.Kind,
			Location: cfg.Location,
			Status:   StatusDisconnected,
		},
	}
	if cfg.Motion.Enabled {
		l.detector = motion.NewDetector(motion.Config{
			PixelThreshold: cfg.Motion.PixelThreshold,
			MinArea:        cfg.Motion.MinArea,
			Sensitivity:    cfg.Motion.Sensitivity,
		})
	}
	strategy, err := strategies.New(strategies.Config{
		Mode:     strategies.Mode(cfg.AnalysisMode),
		Interval: cfg.AnalysisInterval,
		Cooldown: cfg.Motion.Cooldown,
	})
	if err != nil {
		l.logger.Warn("Invalid analysis mode, using scheduled", zap.Error(err))
		strategy = strategies.NewScheduledStrategy(cfg.AnalysisInterval)
	}
	l.strategy = strategy
	for _, opt := range opts {
		opt(l)
	}
	if l.listener == nil {
		l.listener = nopListener{}
	}
	l.state.UpdatedAt = l.now()
	return l
}

// ID returns the source ID
func (l *Loop) ID() string {
	return l.cfg.ID
}

// Config returns the effective source configuration
func (l *Loop) Config() Config {
	return l.cfg
}

// Snapshot returns the current source state
func (l *Loop) Snapshot() Source {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

// Status returns the current connection status
func (l *Loop) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.Status
}

func (l *Loop) snapshotLocked() Source {
	s := l.state
	if l.state.LastFrameAt != nil {
		ts := *l.state.LastFrameAt
		s.LastFrameAt = &ts
	}
	return s
}

// Run blocks until ctx is cancelled, then releases the source and reports
// it as disconnected
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("Source loop started", zap.String("kind", l.cfg.Kind), zap.Int("fps", l.cfg.FPS))
	for ctx.Err() == nil {
		if !l.connect(ctx) {
			if !l.wait(ctx, l.cfg.ReconnectDelay) {
				break
			}
			continue
		}

		l.readLoop(ctx)
		if ctx.Err() != nil {
			break
		}

		// the source is in error: drop the handle and retry later
		l.release()
		if !l.wait(ctx, l.cfg.ReconnectDelay) {
			break
		}
	}
	l.Close()
	l.logger.Info("Source loop stopped")
}

// Close releases the source handle and moves the source to disconnected
func (l *Loop) Close() {
	l.release()
	switch l.Status() {
	case StatusConnected, StatusError:
		l.setStatus(StatusDisconnected, "")
	case StatusConnecting:
		l.setStatus(StatusError, "stopped while connecting")
		l.setStatus(StatusDisconnected, "")
	}
}

// Fail marks the source as failed after its loop crashed. The next Run
// reconnects from the error state.
func (l *Loop) Fail(cause error) {
	l.release()
	l.mu.Lock()
	l.state.Restarts++
	l.prev = nil
	l.mu.Unlock()
	if !l.setStatus(StatusError, cause.Error()) {
		l.mu.Lock()
		l.state.LastError = cause.Error()
		l.mu.Unlock()
	}
}

func (l *Loop) connect(ctx context.Context) bool {
	if !l.setStatus(StatusConnecting, "") {
		return false
	}

	cctx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()
	if err := l.src.Connect(cctx); err != nil {
		l.logger.Warn("Source connect failed", zap.Error(err))
		l.release()
		l.setStatus(StatusError, err.Error())
		return false
	}

	l.mu.Lock()
	l.state.ConsecutiveErrors = 0
	l.prev = nil
	l.mu.Unlock()
	l.strategy.Reset()
	return l.setStatus(StatusConnected, "")
}

func (l *Loop) readLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.FrameInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, err := l.readFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures := l.recordFailure(err)
			if errors.Is(err, ErrReadTimeout) {
				l.logger.Warn("Frame read stalled", zap.Duration("timeout", l.cfg.ReadTimeout))
				l.setStatus(StatusError, err.Error())
				return
			}
			if failures > l.cfg.ErrorThreshold {
				l.logger.Error("Too many consecutive read failures",
					zap.Int("failures", failures), zap.Error(err))
				l.setStatus(StatusError, err.Error())
				return
			}
			l.logger.Debug("Frame read failed", zap.Int("failures", failures), zap.Error(err))
			continue
		}
		l.handleFrame(frame)
	}
}

// readFrame bounds a read by the read timeout even when the source ignores
// its context
func (l *Loop) readFrame(ctx context.Context) (*Frame, error) {
	rctx, cancel := context.WithTimeout(ctx, l.cfg.ReadTimeout)
	defer cancel()

	type result struct {
		frame *Frame
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := l.src.ReadFrame(rctx)
		ch <- result{f, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if ctx.Err() == nil && errors.Is(r.err, context.DeadlineExceeded) {
				return nil, ErrReadTimeout
			}
			return nil, r.err
		}
		if r.frame == nil || r.frame.Image == nil {
			return nil, fmt.Errorf("%w: empty frame", ErrRead)
		}
		return r.frame, nil
	case <-rctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrReadTimeout
	}
}

func (l *Loop) recordFailure(err error) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.ConsecutiveErrors++
	l.state.LastError = err.Error()
	return l.state.ConsecutiveErrors
}

func (l *Loop) handleFrame(f *Frame) {
	now := l.now()

	l.mu.Lock()
	l.state.ConsecutiveErrors = 0
	l.state.FramesRead++
	ts := f.CapturedAt
	l.state.LastFrameAt = &ts
	prev := l.prev
	l.prev = f.Image
	l.mu.Unlock()

	if l.observer != nil {
		l.observer.FrameCaptured(f)
	}

	var res motion.Result
	if l.detector != nil && prev != nil {
		res = l.detector.Compare(prev, f.Image)
		if res.Motion && now.Sub(l.lastMotion) >= l.cfg.Motion.Cooldown {
			l.lastMotion = now
			l.emitMotion(f, res)
		}
	}

	if l.submitter != nil && l.strategy.ShouldSubmit(strategies.Signal{Now: now, Motion: res.Motion}) {
		l.strategy.OnSubmitted(now)
		if l.submitter.Submit(f, l.Snapshot()) {
			l.mu.Lock()
			l.state.FramesSubmitted++
			l.mu.Unlock()
		}
	}
}

func (l *Loop) emitMotion(f *Frame, res motion.Result) {
	opts := []events.Option{
		events.WithTimestamp(f.CapturedAt),
		events.WithMetadata(map[string]any{
			"bbox":         res.Box,
			"change_ratio": res.ChangeRatio,
			"changed_area": res.ChangedArea,
			"frame_seq":    f.Seq,
		}),
	}
	if data, err := f.JPEG(); err == nil {
		opts = append(opts, events.WithFrame(data))
	} else {
		l.logger.Debug("Failed to encode motion frame", zap.Error(err))
	}

	ev := events.New(l.cfg.ID, events.TypeMotion, events.SeverityLow, res.Confidence,
		fmt.Sprintf("Motion detected in %s", l.cfg.Name), opts...)

	l.mu.Lock()
	l.state.MotionEvents++
	l.mu.Unlock()

	l.logger.Debug("Motion detected", zap.Float64("confidence", ev.Confidence), zap.String("event_id", ev.ID))
	l.listener.EventDetected(ev)
}

// setStatus applies an allowed transition and notifies the listener
func (l *Loop) setStatus(next Status, reason string) bool {
	l.mu.Lock()
	cur := l.state.Status
	if cur == next {
		l.mu.Unlock()
		return true
	}
	if !cur.CanTransition(next) {
		l.mu.Unlock()
		l.logger.Error("Rejected status transition", zap.Error(&TransitionError{From: cur, To: next}))
		return false
	}
	l.state.Status = next
	if reason != "" {
		l.state.LastError = reason
	}
	l.state.UpdatedAt = l.now()
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.logger.Info("Source status changed", zap.String("from", string(cur)), zap.String("to", string(next)))
	l.listener.SourceChanged(snap)
	return true
}

func (l *Loop) release() {
	if err := l.src.Disconnect(); err != nil {
		l.logger.Warn("Source disconnect failed", zap.Error(err))
	}
}

func (l *Loop) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type nopListener struct{}

func (nopListener) SourceChanged(Source)         {}
func (nopListener) EventDetected(*events.Event) {}
