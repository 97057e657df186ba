package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"visionguard/internal/camera"
	"visionguard/internal/events"
	"visionguard/internal/monitoring"
	"visionguard/internal/pipeline"
	"visionguard/internal/ws"
)

// fakeSource serves small gray frames. It can panic on its first connect and
// hang on disconnect.
type fakeSource struct {
	id        string
	panicOnce atomic.Bool
	hang      atomic.Bool
	release   chan struct{}
	seq       atomic.Uint64
	connects  atomic.Int32
}

func newFakeSource(id string) *fakeSource {
	return &fakeSource{id: id, release: make(chan struct{})}
}

func (f *fakeSource) Connect(ctx context.Context) error {
	f.connects.Add(1)
	if f.panicOnce.CompareAndSwap(true, false) {
		panic("decoder exploded")
	}
	return nil
}

func (f *fakeSource) ReadFrame(ctx context.Context) (*camera.Frame, error) {
	img := image.NewGray(image.Rect(0, 0, 32, 24))
	return camera.NewFrame(f.id, f.seq.Add(1), img, time.Now()), nil
}

func (f *fakeSource) Disconnect() error {
	if f.hang.Load() {
		<-f.release
	}
	return nil
}

type fakeSources struct {
	mu      sync.Mutex
	sources map[string]*fakeSource
}

func (fs *fakeSources) get(id string) *fakeSource {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.sources == nil {
		fs.sources = make(map[string]*fakeSource)
	}
	src, ok := fs.sources[id]
	if !ok {
		src = newFakeSource(id)
		fs.sources[id] = src
	}
	return src
}

func (fs *fakeSources) factory(cfg camera.Config, _ *http.Client) (camera.FrameSource, error) {
	return fs.get(cfg.ID), nil
}

// personAnalyzer reports one person in every frame
type personAnalyzer struct {
	calls atomic.Int32
}

func (a *personAnalyzer) Name() string { return "fake" }

func (a *personAnalyzer) Analyze(ctx context.Context, frame *camera.Frame, src camera.Source) (*pipeline.Analysis, error) {
	a.calls.Add(1)
	return &pipeline.Analysis{
		Objects:    []pipeline.DetectedObject{{Type: "person", Confidence: 0.9, Location: "porch"}},
		AlertLevel: events.SeverityHigh,
		Analyzer:   a.Name(),
	}, nil
}

type memRecorder struct {
	mu       sync.Mutex
	sources  map[string]camera.Config
	dynamic  map[string]bool
	statuses map[string]camera.Status
	events   []*events.Event
	tasks    map[string]*monitoring.Task
	closed   int
}

func newMemRecorder() *memRecorder {
	return &memRecorder{
		sources:  make(map[string]camera.Config),
		dynamic:  make(map[string]bool),
		statuses: make(map[string]camera.Status),
		tasks:    make(map[string]*monitoring.Task),
	}
}

func (r *memRecorder) SaveSource(cfg camera.Config, dynamic bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[cfg.ID] = cfg
	r.dynamic[cfg.ID] = dynamic
	return nil
}

func (r *memRecorder) UpdateSourceStatus(src camera.Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[src.ID] = src.Status
	return nil
}

func (r *memRecorder) DeleteSource(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, id)
	delete(r.dynamic, id)
	return nil
}

func (r *memRecorder) ListDynamicSources() ([]camera.Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []camera.Config
	for id, cfg := range r.sources {
		if r.dynamic[id] {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (r *memRecorder) SaveEvent(ev *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *memRecorder) ListEvents(since time.Time, limit int) ([]*events.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*events.Event
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Timestamp.Before(since) {
			continue
		}
		out = append(out, r.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memRecorder) DeleteOldEvents(before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.events[:0]
	var n int64
	for _, ev := range r.events {
		if ev.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, ev)
	}
	r.events = kept
	return n, nil
}

func (r *memRecorder) SaveTask(t *monitoring.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = t
	return nil
}

func (r *memRecorder) DeleteTask(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	return nil
}

func (r *memRecorder) ListTasks() ([]*monitoring.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*monitoring.Task
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (r *memRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *memRecorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// recordingTransport keeps the type of every message written to it
type recordingTransport struct {
	mu    sync.Mutex
	types []ws.MessageType
}

func (t *recordingTransport) WriteMessage(_ context.Context, data []byte) error {
	var env struct {
		Type ws.MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	t.mu.Lock()
	t.types = append(t.types, env.Type)
	t.mu.Unlock()
	return nil
}

func (t *recordingTransport) Close() error { return nil }

func (t *recordingTransport) has(typ ws.MessageType) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, got := range t.types {
		if got == typ {
			return true
		}
	}
	return false
}

func testSource(id string) camera.Config {
	return camera.Config{
		ID:               id,
		Name:             id,
		FPS:              50,
		AnalysisInterval: 20 * time.Millisecond,
		ReconnectDelay:   20 * time.Millisecond,
	}
}

func newTestSupervisor(t *testing.T, fs *fakeSources, opts Options) *Supervisor {
	t.Helper()
	opts.SourceFactory = fs.factory
	if opts.RestartBackoff == 0 {
		opts.RestartBackoff = 10 * time.Millisecond
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 2 * time.Second
	}
	s, err := New(opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func waitForStatus(t *testing.T, s *Supervisor, id string, want camera.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		src, ok := s.Source(id)
		return ok && src.Status == want
	}, 3*time.Second, 10*time.Millisecond, "source %s never reached %s", id, want)
}

func TestNewRequiresSources(t *testing.T) {
	_, err := New(Options{}, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrNoSources)

	disabled := false
	_, err = New(Options{Sources: []camera.Config{{ID: "cam1", Enabled: &disabled}}}, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrNoSources)
}

func TestNewRejectsDuplicateSources(t *testing.T) {
	_, err := New(Options{Sources: []camera.Config{testSource("cam1"), testSource("cam1")}}, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrSourceExists)
}

func TestStartAndStop(t *testing.T) {
	fs := &fakeSources{}
	rec := newMemRecorder()
	s := newTestSupervisor(t, fs, Options{
		Sources:  []camera.Config{testSource("cam1"), testSource("cam2")},
		Recorder: rec,
	})

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start")
	waitForStatus(t, s, "cam1", camera.StatusConnected)
	waitForStatus(t, s, "cam2", camera.StatusConnected)

	require.NoError(t, s.Stop(context.Background()))
	for _, src := range s.Sources() {
		assert.Equal(t, camera.StatusDisconnected, src.Status, src.ID)
	}
	assert.NoError(t, s.Stop(context.Background()), "second stop is a no-op")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.closed)
	assert.Equal(t, camera.StatusDisconnected, rec.statuses["cam1"])
	assert.False(t, rec.dynamic["cam1"], "configured sources are not dynamic")
}

func TestStopBeforeStartClosesRecorder(t *testing.T) {
	rec := newMemRecorder()
	s := newTestSupervisor(t, &fakeSources{}, Options{Sources: []camera.Config{testSource("cam1")}, Recorder: rec})
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, 1, rec.closed)
	assert.Error(t, s.Start(context.Background()), "stopped supervisor cannot restart")
}

func TestPanickingSourceIsRestarted(t *testing.T) {
	fs := &fakeSources{}
	fs.get("bad").panicOnce.Store(true)
	s := newTestSupervisor(t, fs, Options{Sources: []camera.Config{testSource("good"), testSource("bad")}})

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	require.Eventually(t, func() bool {
		src, _ := s.Source("bad")
		return src.Restarts == 1 && src.Status == camera.StatusConnected
	}, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, fs.get("bad").connects.Load(), int32(2))

	good, _ := s.Source("good")
	assert.Equal(t, camera.StatusConnected, good.Status)
	assert.Zero(t, good.Restarts)
}

func TestEventsAreRouted(t *testing.T) {
	fs := &fakeSources{}
	rec := newMemRecorder()
	analyzer := &personAnalyzer{}
	var alerts atomic.Int32
	sink := monitoring.AlertSinkFunc(func(ctx context.Context, a monitoring.Alert) { alerts.Add(1) })

	s := newTestSupervisor(t, fs, Options{
		Sources:    []camera.Config{testSource("cam1")},
		Analyzer:   analyzer,
		Recorder:   rec,
		AlertSinks: []monitoring.AlertSink{sink},
	})

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	ctx := context.Background()
	subscriber := &recordingTransport{}
	bystander := &recordingTransport{}
	require.NoError(t, s.Manager().Connect(ctx, "watcher", subscriber))
	require.NoError(t, s.Manager().Connect(ctx, "other", bystander))
	require.NoError(t, s.Manager().Subscribe(ctx, "watcher", "cam1"))

	task, err := s.Registry().Add([]string{"cam1"}, []events.EventType{events.TypePerson}, "anyone at the door")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return alerts.Load() > 0 && rec.eventCount() > 0
	}, 3*time.Second, 10*time.Millisecond)

	evs := s.Store().Query(events.QueryOptions{SourceIDs: []string{"cam1"}})
	require.NotEmpty(t, evs)
	assert.Equal(t, events.TypePerson, evs[0].Type)

	assert.Eventually(t, func() bool {
		return subscriber.has(ws.TypeEventNotification) &&
			subscriber.has(ws.TypePriorityEvent) &&
			subscriber.has(ws.TypeMonitoringAlert) &&
			bystander.has(ws.TypePriorityEvent)
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, bystander.has(ws.TypeEventNotification), "unsubscribed clients only see priority events")

	rec.mu.Lock()
	_, recorded := rec.tasks[task.ID]
	rec.mu.Unlock()
	assert.True(t, recorded)
	assert.Positive(t, analyzer.calls.Load())
}

func TestAddAndRemoveSource(t *testing.T) {
	fs := &fakeSources{}
	rec := newMemRecorder()
	s := newTestSupervisor(t, fs, Options{Sources: []camera.Config{testSource("cam1")}, Recorder: rec})

	_, err := s.AddSource(testSource("cam2"))
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	src, err := s.AddSource(testSource("cam2"))
	require.NoError(t, err)
	assert.Equal(t, "cam2", src.ID)
	assert.True(t, s.HasSource("cam2"))
	waitForStatus(t, s, "cam2", camera.StatusConnected)

	_, err = s.AddSource(testSource("cam2"))
	assert.ErrorIs(t, err, ErrSourceExists)
	_, err = s.AddSource(camera.Config{ID: "cam3", Kind: "carrier-pigeon"})
	assert.Error(t, err)

	rec.mu.Lock()
	assert.True(t, rec.dynamic["cam2"])
	rec.mu.Unlock()

	require.NoError(t, s.RemoveSource(context.Background(), "cam2"))
	assert.False(t, s.HasSource("cam2"))
	assert.Len(t, s.Sources(), 1)
	assert.ErrorIs(t, s.RemoveSource(context.Background(), "cam2"), ErrSourceNotFound)

	rec.mu.Lock()
	_, kept := rec.sources["cam2"]
	rec.mu.Unlock()
	assert.False(t, kept)
}

func TestUpdateSource(t *testing.T) {
	fs := &fakeSources{}
	rec := newMemRecorder()
	s := newTestSupervisor(t, fs, Options{Sources: []camera.Config{testSource("cam1")}, Recorder: rec})

	_, err := s.UpdateSource(context.Background(), "cam1", testSource("cam1"))
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	waitForStatus(t, s, "cam1", camera.StatusConnected)
	_, err = s.AddSource(testSource("cam2"))
	require.NoError(t, err)
	waitForStatus(t, s, "cam2", camera.StatusConnected)

	cfg, ok := s.SourceConfig("cam2")
	require.True(t, ok)
	cfg.Name = "Garage"
	src, err := s.UpdateSource(context.Background(), "cam2", cfg)
	require.NoError(t, err)
	assert.Equal(t, "Garage", src.Name)
	waitForStatus(t, s, "cam2", camera.StatusConnected)
	assert.GreaterOrEqual(t, fs.get("cam2").connects.Load(), int32(2), "the loop is rebuilt and reconnects")

	rec.mu.Lock()
	assert.Equal(t, "Garage", rec.sources["cam2"].Name)
	assert.True(t, rec.dynamic["cam2"])
	_, recorded := rec.sources["cam1"]
	rec.mu.Unlock()

	// configured sources are updated in place but not recorded
	cfg, _ = s.SourceConfig("cam1")
	cfg.Location = "hall"
	_, err = s.UpdateSource(context.Background(), "cam1", cfg)
	require.NoError(t, err)
	rec.mu.Lock()
	_, recordedAfter := rec.sources["cam1"]
	rec.mu.Unlock()
	assert.Equal(t, recorded, recordedAfter)

	disabled := false
	cfg, _ = s.SourceConfig("cam1")
	cfg.Enabled = &disabled
	_, err = s.UpdateSource(context.Background(), "cam1", cfg)
	require.NoError(t, err)
	src, ok = s.Source("cam1")
	require.True(t, ok, "disabled sources stay listed")
	assert.Equal(t, camera.StatusDisconnected, src.Status)

	_, err = s.UpdateSource(context.Background(), "ghost", testSource("ghost"))
	assert.ErrorIs(t, err, ErrSourceNotFound)
	_, err = s.UpdateSource(context.Background(), "cam2", testSource("cam9"))
	assert.Error(t, err)
	_, err = s.UpdateSource(context.Background(), "cam2", camera.Config{Kind: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestWarmStartRestoresState(t *testing.T) {
	rec := newMemRecorder()
	require.NoError(t, rec.SaveSource(testSource("porch"), true))
	require.NoError(t, rec.SaveSource(camera.Config{ID: "cam1", Name: "stale copy"}, true))
	require.NoError(t, rec.SaveEvent(events.New("cam1", events.TypeMotion, events.SeverityLow, 0.5, "recent",
		events.WithTimestamp(time.Now().Add(-time.Hour)))))
	require.NoError(t, rec.SaveEvent(events.New("cam1", events.TypeMotion, events.SeverityLow, 0.5, "ancient",
		events.WithTimestamp(time.Now().Add(-30*24*time.Hour)))))
	require.NoError(t, rec.SaveTask(&monitoring.Task{ID: "t1", Request: "people", SourceIDs: []string{"cam1"},
		EventTypes: []events.EventType{events.TypePerson}, CreatedAt: time.Now(), Active: true}))

	cfg := testSource("cam1")
	cfg.Name = "Front Door"
	s := newTestSupervisor(t, &fakeSources{}, Options{
		Sources:   []camera.Config{cfg},
		Recorder:  rec,
		Retention: 7 * 24 * time.Hour,
	})

	srcs := s.Sources()
	require.Len(t, srcs, 2)
	assert.Equal(t, "Front Door", srcs[0].Name, "configured source wins")
	assert.Equal(t, "porch", srcs[1].ID)

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	assert.Equal(t, 1, s.Store().Len())
	assert.Equal(t, 1, s.Registry().ActiveCount())
	rec.mu.Lock()
	assert.Len(t, rec.events, 1, "events past retention are pruned")
	assert.False(t, rec.dynamic["cam1"])
	rec.mu.Unlock()
}

func TestStopTimesOut(t *testing.T) {
	fs := &fakeSources{}
	s := newTestSupervisor(t, fs, Options{
		Sources:         []camera.Config{testSource("cam1")},
		ShutdownTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, s.Start(context.Background()))
	waitForStatus(t, s, "cam1", camera.StatusConnected)

	stuck := fs.get("cam1")
	stuck.hang.Store(true)
	t.Cleanup(func() { close(stuck.release) })

	err := s.Stop(context.Background())
	assert.True(t, errors.Is(err, ErrShutdownTimeout))
}

func TestSystemStatus(t *testing.T) {
	fs := &fakeSources{}
	s := newTestSupervisor(t, fs, Options{Sources: []camera.Config{testSource("cam1"), testSource("cam2")}})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	waitForStatus(t, s, "cam1", camera.StatusConnected)
	waitForStatus(t, s, "cam2", camera.StatusConnected)

	status := s.SystemStatus(context.Background())
	assert.Equal(t, 2, status.SourcesByStatus[camera.StatusConnected])
	assert.Equal(t, 0, status.SourcesByStatus[camera.StatusError])
	assert.Contains(t, status.SourceErrors, "cam1")
	assert.Equal(t, pipeline.DefaultWorkers, status.Workers.Workers)
	assert.Positive(t, status.UptimeSeconds)
	assert.Zero(t, status.Connections)
}
