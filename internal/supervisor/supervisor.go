package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"visionguard/internal/camera"
	"visionguard/internal/detection"
	"visionguard/internal/events"
	"visionguard/internal/monitoring"
	"visionguard/internal/pipeline"
	"visionguard/internal/stream"
	"visionguard/internal/ws"
)

var (
	ErrNoSources       = errors.New("no sources configured")
	ErrShutdownTimeout = errors.New("shutdown deadline exceeded")
	ErrSourceExists    = errors.New("source already exists")
	ErrSourceNotFound  = errors.New("source not found")
	ErrNotRunning      = errors.New("supervisor is not running")
)

const (
	DefaultShutdownTimeout = 10 * time.Second
	DefaultStatusInterval  = 60 * time.Second
	DefaultRestartBackoff  = time.Second
	maxRestartBackoff      = 30 * time.Second
	warmStartWindow        = 24 * time.Hour
	pruneInterval          = time.Hour
)

// Recorder persists pipeline state. *database.Database satisfies it.
type Recorder interface {
	monitoring.TaskRecorder
	SaveSource(cfg camera.Config, dynamic bool) error
	UpdateSourceStatus(src camera.Source) error
	DeleteSource(id string) error
	ListDynamicSources() ([]camera.Config, error)
	SaveEvent(ev *events.Event) error
	ListEvents(since time.Time, limit int) ([]*events.Event, error)
	DeleteOldEvents(before time.Time) (int64, error)
	ListTasks() ([]*monitoring.Task, error)
	Close() error
}

// Options configures a Supervisor. Zero values use package defaults.
type Options struct {
	Sources  []camera.Config
	Analyzer pipeline.Analyzer

	QueueCapacity int
	Workers       int
	JobTimeout    time.Duration

	StoreCapacity int
	// Retention bounds how long the recorder keeps events
	Retention time.Duration

	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	StatusInterval    time.Duration
	ShutdownTimeout   time.Duration
	RestartBackoff    time.Duration
	StreamMaxFPS      int

	Recorder   Recorder
	AlertSinks []monitoring.AlertSink
	HTTPClient *http.Client
	// SourceFactory builds frame sources; camera.NewFrameSource by default
	SourceFactory func(cfg camera.Config, client *http.Client) (camera.FrameSource, error)
}

type sourceUnit struct {
	loop *camera.Loop
	// dynamic sources were added at runtime rather than configured
	dynamic bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Supervisor constructs and owns every pipeline component and drives their
// lifecycle
type Supervisor struct {
	opts   Options
	logger *zap.Logger

	manager  *ws.Manager
	store    *events.Store
	registry *monitoring.Registry
	queue    *pipeline.Queue
	workers  *pipeline.WorkerPool
	bus      *pipeline.EventBus
	live     *stream.Hub
	host     *hostSampler
	recorder Recorder

	mu      sync.Mutex
	sources map[string]*sourceUnit
	order   []string
	state   lifecycle
	started time.Time

	// ctx outlives the units so their final status changes are delivered
	ctx          context.Context
	cancel       context.CancelFunc
	workerCancel context.CancelFunc
	workersDone  chan struct{}
	bgCancel     context.CancelFunc
	bgWG         sync.WaitGroup
}

type lifecycle int

const (
	stateNew lifecycle = iota
	stateRunning
	stateStopped
)

var _ camera.Listener = (*Supervisor)(nil)

// New wires the pipeline. Runtime-added sources kept by the recorder are
// included; configured sources win on id clashes.
func New(opts Options, logger *zap.Logger) (*Supervisor, error) {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = DefaultStatusInterval
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = DefaultRestartBackoff
	}
	if opts.Analyzer == nil {
		opts.Analyzer = detection.NoopAnalyzer{}
	}
	if opts.SourceFactory == nil {
		opts.SourceFactory = camera.NewFrameSource
	}

	s := &Supervisor{
		opts:     opts,
		logger:   logger.Named("supervisor"),
		recorder: opts.Recorder,
		sources:  make(map[string]*sourceUnit),
		host:     newHostSampler(),
	}

	s.manager = ws.NewManager(logger,
		ws.WithHeartbeatInterval(opts.HeartbeatInterval),
		ws.WithWriteTimeout(opts.WriteTimeout),
		ws.WithSourceValidator(s.HasSource),
	)
	s.store = events.NewStore(opts.StoreCapacity)
	s.registry = monitoring.NewRegistry(logger, append([]monitoring.AlertSink{s.manager}, opts.AlertSinks...)...)
	if s.recorder != nil {
		s.registry.SetRecorder(s.recorder)
	}
	s.queue = pipeline.NewQueue(opts.QueueCapacity, logger)
	s.live = stream.NewHub(opts.StreamMaxFPS, logger)
	s.bus = pipeline.NewEventBus()
	s.workers = pipeline.NewWorkerPool(s.queue, opts.Analyzer, s.bus, opts.Workers, opts.JobTimeout, logger)

	s.bus.Subscribe(pipeline.EventHandlerFunc(s.routeEvent))
	s.bus.Subscribe(s.live)

	configs := append([]camera.Config(nil), opts.Sources...)
	configured := len(configs)
	if s.recorder != nil {
		stored, err := s.recorder.ListDynamicSources()
		if err != nil {
			s.logger.Warn("Failed to load stored sources", zap.Error(err))
		}
		configs = append(configs, stored...)
	}

	for i, cfg := range configs {
		cfg = cfg.WithDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid source: %w", err)
		}
		if _, dup := s.sources[cfg.ID]; dup {
			if i >= configured {
				continue
			}
			return nil, fmt.Errorf("%w: %s", ErrSourceExists, cfg.ID)
		}
		if !cfg.IsEnabled() {
			s.logger.Info("Source disabled, skipping", zap.String("source_id", cfg.ID))
			continue
		}
		loop, err := s.newLoop(cfg)
		if err != nil {
			return nil, err
		}
		s.sources[cfg.ID] = &sourceUnit{loop: loop, dynamic: i >= configured}
		s.order = append(s.order, cfg.ID)
	}
	if len(s.sources) == 0 {
		return nil, ErrNoSources
	}
	return s, nil
}

func (s *Supervisor) newLoop(cfg camera.Config) (*camera.Loop, error) {
	src, err := s.opts.SourceFactory(cfg, s.opts.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("invalid source: %w", err)
	}
	return camera.NewLoop(cfg, src, s, s.queue, s.logger, camera.WithFrameObserver(s.live)), nil
}

// routeEvent stores an event, fans it out to clients, matches monitoring
// tasks and records it
func (s *Supervisor) routeEvent(ctx context.Context, ev *events.Event) {
	s.store.Append(ev)
	s.manager.PublishEvent(ctx, ev)
	if n := s.registry.MatchAndNotify(ctx, ev); n > 0 {
		s.logger.Info("Monitoring tasks triggered", zap.String("event_id", ev.ID), zap.Int("alerts", n))
	}
	if s.recorder != nil {
		if err := s.recorder.SaveEvent(ev); err != nil {
			s.logger.Warn("Failed to record event", zap.String("event_id", ev.ID), zap.Error(err))
		}
	}
}

// SourceChanged implements camera.Listener
func (s *Supervisor) SourceChanged(src camera.Source) {
	s.manager.PublishSourceUpdate(s.publishCtx(), src)
	if s.recorder != nil {
		if err := s.recorder.UpdateSourceStatus(src); err != nil {
			s.logger.Warn("Failed to record source status", zap.String("source_id", src.ID), zap.Error(err))
		}
	}
}

// EventDetected implements camera.Listener
func (s *Supervisor) EventDetected(ev *events.Event) {
	s.bus.Publish(s.publishCtx(), ev)
}

func (s *Supervisor) publishCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// Start launches every component: heartbeat, warm start of the store and
// registry, analysis workers, source loops and the status reporter
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateNew {
		s.mu.Unlock()
		return fmt.Errorf("supervisor cannot be started twice")
	}
	s.state = stateRunning
	s.started = time.Now()
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	root := s.ctx
	s.mu.Unlock()

	var bgCtx context.Context
	bgCtx, s.bgCancel = context.WithCancel(root)
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.manager.Run(bgCtx)
	}()

	s.warmStart()

	var workerCtx context.Context
	workerCtx, s.workerCancel = context.WithCancel(root)
	s.workersDone = make(chan struct{})
	go func() {
		defer close(s.workersDone)
		s.workers.Run(workerCtx)
	}()

	s.mu.Lock()
	for _, id := range s.order {
		// units updated during warm start may already run, or be disabled
		if u := s.sources[id]; u.cancel == nil && u.loop.Config().IsEnabled() {
			s.startUnitLocked(root, u)
		}
	}
	s.mu.Unlock()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.reportStatus(bgCtx)
	}()

	s.logger.Info("Supervisor started", zap.Int("sources", len(s.order)))
	return nil
}

// Run starts the supervisor, blocks until ctx is cancelled and stops it
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop(context.Background())
}

func (s *Supervisor) warmStart() {
	if s.recorder == nil {
		return
	}

	s.mu.Lock()
	for _, id := range s.order {
		if u := s.sources[id]; !u.dynamic {
			if err := s.recorder.SaveSource(u.loop.Config(), false); err != nil {
				s.logger.Warn("Failed to record source", zap.String("source_id", id), zap.Error(err))
			}
		}
	}
	s.mu.Unlock()

	if s.opts.Retention > 0 {
		s.pruneEvents()
	}
	evs, err := s.recorder.ListEvents(time.Now().Add(-warmStartWindow), s.store.Capacity())
	if err != nil {
		s.logger.Warn("Failed to restore events", zap.Error(err))
	} else {
		s.store.Restore(evs)
	}

	tasks, err := s.recorder.ListTasks()
	if err != nil {
		s.logger.Warn("Failed to restore monitoring tasks", zap.Error(err))
	} else {
		s.registry.Restore(tasks)
	}
	s.logger.Info("State restored", zap.Int("events", s.store.Len()), zap.Int("tasks", len(tasks)))
}

func (s *Supervisor) pruneEvents() {
	n, err := s.recorder.DeleteOldEvents(time.Now().Add(-s.opts.Retention))
	if err != nil {
		s.logger.Warn("Failed to prune recorded events", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("Pruned recorded events", zap.Int64("deleted", n))
	}
}

func (s *Supervisor) startUnitLocked(parent context.Context, u *sourceUnit) {
	ctx, cancel := context.WithCancel(parent)
	u.cancel = cancel
	u.done = make(chan struct{})
	go s.superviseSource(ctx, u)
}

// superviseSource runs the loop, restarting it with backoff when it panics
func (s *Supervisor) superviseSource(ctx context.Context, u *sourceUnit) {
	defer close(u.done)
	logger := s.logger.With(zap.String("source_id", u.loop.ID()))
	backoff := s.opts.RestartBackoff

	for {
		startedAt := time.Now()
		err := s.runGuarded(ctx, u.loop)
		if err == nil || ctx.Err() != nil {
			if err != nil {
				u.loop.Close()
			}
			return
		}

		logger.Error("Source loop crashed, restarting", zap.Error(err), zap.Duration("backoff", backoff))
		u.loop.Fail(err)

		if time.Since(startedAt) > maxRestartBackoff {
			backoff = s.opts.RestartBackoff
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			u.loop.Close()
			return
		case <-t.C:
		}
		backoff *= 2
		if backoff > maxRestartBackoff {
			backoff = maxRestartBackoff
		}
	}
}

func (s *Supervisor) runGuarded(ctx context.Context, loop *camera.Loop) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source loop panicked: %v", r)
			s.logger.Error("Recovered source loop panic", zap.String("source_id", loop.ID()),
				zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	loop.Run(ctx)
	return nil
}

// Stop shuts the pipeline down: source loops, then workers, then the
// heartbeat and reporter, then client connections and the recorder. Waits
// are bounded by the shutdown timeout; ErrShutdownTimeout is returned when
// something had to be abandoned. Stopping twice is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateRunning {
		wasNew := s.state == stateNew
		s.state = stateStopped
		s.mu.Unlock()
		if wasNew && s.recorder != nil {
			_ = s.recorder.Close()
		}
		return nil
	}
	s.state = stateStopped
	units := make([]*sourceUnit, 0, len(s.sources))
	for _, id := range s.order {
		units = append(units, s.sources[id])
	}
	s.mu.Unlock()

	s.logger.Info("Supervisor stopping")
	ctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()
	var timedOut bool

	for _, u := range units {
		if u.cancel != nil {
			u.cancel()
		}
	}
	for _, u := range units {
		if u.done == nil {
			continue
		}
		if !waitDone(ctx, u.done) {
			s.logger.Warn("Source loop did not stop in time", zap.String("source_id", u.loop.ID()))
			timedOut = true
		}
	}

	s.workerCancel()
	if !waitDone(ctx, s.workersDone) {
		s.logger.Warn("Analysis workers did not stop in time")
		timedOut = true
	}

	s.bgCancel()
	bgDone := make(chan struct{})
	go func() {
		s.bgWG.Wait()
		close(bgDone)
	}()
	if !waitDone(ctx, bgDone) {
		timedOut = true
	}

	s.manager.CloseAll()
	s.cancel()
	s.bus.Close()
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			s.logger.Warn("Failed to close recorder", zap.Error(err))
		}
	}

	if timedOut {
		s.logger.Warn("Supervisor stopped with abandoned units")
		return ErrShutdownTimeout
	}
	s.logger.Info("Supervisor stopped")
	return nil
}

func waitDone(ctx context.Context, done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// AddSource validates and starts a new source, recording it so it is
// started again on the next boot
func (s *Supervisor) AddSource(cfg camera.Config) (camera.Source, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return camera.Source{}, err
	}

	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return camera.Source{}, ErrNotRunning
	}
	if _, ok := s.sources[cfg.ID]; ok {
		s.mu.Unlock()
		return camera.Source{}, fmt.Errorf("%w: %s", ErrSourceExists, cfg.ID)
	}
	loop, err := s.newLoop(cfg)
	if err != nil {
		s.mu.Unlock()
		return camera.Source{}, err
	}
	u := &sourceUnit{loop: loop, dynamic: true}
	s.sources[cfg.ID] = u
	s.order = append(s.order, cfg.ID)
	s.startUnitLocked(s.ctx, u)
	s.mu.Unlock()

	if s.recorder != nil {
		if err := s.recorder.SaveSource(cfg, true); err != nil {
			s.logger.Warn("Failed to record source", zap.String("source_id", cfg.ID), zap.Error(err))
		}
	}
	s.logger.Info("Source added", zap.String("source_id", cfg.ID), zap.String("kind", cfg.Kind))
	return u.loop.Snapshot(), nil
}

// UpdateSource replaces the config of a running source. The source's loop is
// stopped and rebuilt with cfg, so a changed URL or kind reconnects. A
// disabled config leaves the source listed but stopped. Only sources added
// at runtime are recorded; configured ones revert on the next boot.
func (s *Supervisor) UpdateSource(ctx context.Context, id string, cfg camera.Config) (camera.Source, error) {
	if cfg.ID == "" {
		cfg.ID = id
	}
	if cfg.ID != id {
		return camera.Source{}, fmt.Errorf("source id cannot change from %s to %s", id, cfg.ID)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return camera.Source{}, err
	}

	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return camera.Source{}, ErrNotRunning
	}
	old, ok := s.sources[id]
	if !ok {
		s.mu.Unlock()
		return camera.Source{}, fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	loop, err := s.newLoop(cfg)
	if err != nil {
		s.mu.Unlock()
		return camera.Source{}, err
	}
	u := &sourceUnit{loop: loop, dynamic: old.dynamic}
	s.sources[id] = u
	s.mu.Unlock()

	if old.cancel != nil {
		old.cancel()
		wctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
		defer cancel()
		if !waitDone(wctx, old.done) {
			s.logger.Warn("Updated source did not stop in time", zap.String("source_id", id))
		}
	}

	s.mu.Lock()
	// a concurrent remove, update or stop wins over this update
	if s.state == stateRunning && s.sources[id] == u && cfg.IsEnabled() {
		s.startUnitLocked(s.ctx, u)
	}
	s.mu.Unlock()

	if u.dynamic && s.recorder != nil {
		if err := s.recorder.SaveSource(cfg, true); err != nil {
			s.logger.Warn("Failed to record source", zap.String("source_id", id), zap.Error(err))
		}
	}
	s.logger.Info("Source updated", zap.String("source_id", id), zap.String("kind", cfg.Kind),
		zap.Bool("enabled", cfg.IsEnabled()))
	return u.loop.Snapshot(), nil
}

// RemoveSource stops a source and forgets it
func (s *Supervisor) RemoveSource(ctx context.Context, id string) error {
	s.mu.Lock()
	u, ok := s.sources[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	delete(s.sources, id)
	for i, sid := range s.order {
		if sid == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if u.cancel != nil {
		u.cancel()
		ctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
		defer cancel()
		if !waitDone(ctx, u.done) {
			s.logger.Warn("Removed source did not stop in time", zap.String("source_id", id))
		}
	}
	s.live.Remove(id)

	if s.recorder != nil {
		if err := s.recorder.DeleteSource(id); err != nil {
			s.logger.Warn("Failed to delete recorded source", zap.String("source_id", id), zap.Error(err))
		}
	}
	s.logger.Info("Source removed", zap.String("source_id", id))
	return nil
}

// HasSource reports whether id is a managed source
func (s *Supervisor) HasSource(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sources[id]
	return ok
}

// Sources returns every source in start order
func (s *Supervisor) Sources() []camera.Source {
	s.mu.Lock()
	loops := make([]*camera.Loop, 0, len(s.order))
	for _, id := range s.order {
		loops = append(loops, s.sources[id].loop)
	}
	s.mu.Unlock()

	out := make([]camera.Source, len(loops))
	for i, l := range loops {
		out[i] = l.Snapshot()
	}
	return out
}

// Source returns the state of one source
func (s *Supervisor) Source(id string) (camera.Source, bool) {
	s.mu.Lock()
	u, ok := s.sources[id]
	s.mu.Unlock()
	if !ok {
		return camera.Source{}, false
	}
	return u.loop.Snapshot(), true
}

// SourceConfig returns a copy of the effective config of a source
func (s *Supervisor) SourceConfig(id string) (camera.Config, bool) {
	s.mu.Lock()
	u, ok := s.sources[id]
	s.mu.Unlock()
	if !ok {
		return camera.Config{}, false
	}
	cfg := u.loop.Config()
	if cfg.Enabled != nil {
		enabled := *cfg.Enabled
		cfg.Enabled = &enabled
	}
	return cfg, true
}

func (s *Supervisor) Manager() *ws.Manager            { return s.manager }
func (s *Supervisor) Store() *events.Store            { return s.store }
func (s *Supervisor) Registry() *monitoring.Registry  { return s.registry }
func (s *Supervisor) Live() *stream.Hub               { return s.live }
func (s *Supervisor) Bus() *pipeline.EventBus         { return s.bus }
func (s *Supervisor) QueueStats() pipeline.QueueStats { return s.queue.Stats() }
