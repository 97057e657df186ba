package camera

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"visionguard/internal/events"
)

type recorder struct {
	mu       sync.Mutex
	statuses []Status
	snaps    []Source
	events   []*events.Event
}

func (r *recorder) SourceChanged(src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, src.Status)
	r.snaps = append(r.snaps, src)
}

func (r *recorder) EventDetected(ev *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) history() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func (r *recorder) countOf(s Status) int {
	n := 0
	for _, st := range r.history() {
		if st == s {
			n++
		}
	}
	return n
}

func (r *recorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fakeSource struct {
	connectErrs  []error // consumed one per Connect call
	read         func(ctx context.Context, seq int) (*Frame, error)
	connects     atomic.Int32
	disconnects  atomic.Int32
	reads        atomic.Int32
	mu           sync.Mutex
	connectCalls int
}

func (f *fakeSource) Connect(ctx context.Context) error {
	f.connects.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectCalls < len(f.connectErrs) {
		err := f.connectErrs[f.connectCalls]
		f.connectCalls++
		return err
	}
	f.connectCalls++
	return nil
}

func (f *fakeSource) ReadFrame(ctx context.Context) (*Frame, error) {
	seq := int(f.reads.Add(1)) - 1
	return f.read(ctx, seq)
}

func (f *fakeSource) Disconnect() error {
	f.disconnects.Add(1)
	return nil
}

func blankFrame(seq int) *Frame {
	return NewFrame("cam1", uint64(seq), image.NewGray(image.Rect(0, 0, 32, 32)), time.Now())
}

func testConfig() Config {
	return Config{
		ID:               "cam1",
		Name:             "Front Entrance",
		FPS:              500,
		ReadTimeout:      50 * time.Millisecond,
		ConnectTimeout:   50 * time.Millisecond,
		ReconnectDelay:   time.Hour,
		AnalysisInterval: time.Hour,
	}
}

func runLoop(t *testing.T, l *Loop) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not stop")
		}
	}
}

func TestLoopLifecycle(t *testing.T) {
	rec := &recorder{}
	src := &fakeSource{read: func(_ context.Context, seq int) (*Frame, error) { return blankFrame(seq), nil }}
	l := NewLoop(testConfig(), src, rec, nil, zaptest.NewLogger(t))

	stop := runLoop(t, l)
	require.Eventually(t, func() bool { return l.Snapshot().FramesRead > 3 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []Status{StatusConnecting, StatusConnected, StatusDisconnected}, rec.history())
	assert.Equal(t, StatusDisconnected, l.Status())
	assert.GreaterOrEqual(t, src.disconnects.Load(), int32(1))
}

func TestLoopErrorThresholdEmitsSingleUpdate(t *testing.T) {
	rec := &recorder{}
	src := &fakeSource{read: func(context.Context, int) (*Frame, error) { return nil, ErrRead }}
	l := NewLoop(testConfig(), src, rec, nil, zaptest.NewLogger(t))

	stop := runLoop(t, l)
	require.Eventually(t, func() bool { return l.Status() == StatusError }, time.Second, 5*time.Millisecond)
	// give the loop time to misbehave if it were going to
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, rec.countOf(StatusError))
	// the threshold has to be exceeded, not just reached
	assert.Equal(t, int32(11), src.reads.Load())
	assert.Equal(t, 11, l.Snapshot().ConsecutiveErrors)
	stop()

	assert.Equal(t, []Status{StatusConnecting, StatusConnected, StatusError, StatusDisconnected}, rec.history())
}

func TestLoopRecoversAtThreshold(t *testing.T) {
	rec := &recorder{}
	src := &fakeSource{read: func(_ context.Context, seq int) (*Frame, error) {
		if seq < 10 {
			return nil, ErrRead
		}
		return blankFrame(seq), nil
	}}
	l := NewLoop(testConfig(), src, rec, nil, zaptest.NewLogger(t))

	stop := runLoop(t, l)
	require.Eventually(t, func() bool { return l.Snapshot().FramesRead > 0 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, 0, rec.countOf(StatusError))
	assert.Equal(t, 0, l.Snapshot().ConsecutiveErrors)
}

func TestLoopStalledReadGoesToError(t *testing.T) {
	rec := &recorder{}
	src := &fakeSource{read: func(ctx context.Context, _ int) (*Frame, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	l := NewLoop(testConfig(), src, rec, nil, zaptest.NewLogger(t))

	stop := runLoop(t, l)
	require.Eventually(t, func() bool { return l.Status() == StatusError }, time.Second, 5*time.Millisecond)
	assert.Contains(t, l.Snapshot().LastError, "timed out")
	stop()
}

func TestLoopReadIgnoringContextStillTimesOut(t *testing.T) {
	rec := &recorder{}
	block := make(chan struct{})
	defer close(block)
	src := &fakeSource{read: func(context.Context, int) (*Frame, error) {
		<-block
		return nil, ErrRead
	}}
	l := NewLoop(testConfig(), src, rec, nil, zaptest.NewLogger(t))

	stop := runLoop(t, l)
	require.Eventually(t, func() bool { return l.Status() == StatusError }, time.Second, 5*time.Millisecond)
	stop()
}

func TestLoopReconnectsAfterConnectFailure(t *testing.T) {
	rec := &recorder{}
	src := &fakeSource{
		connectErrs: []error{ErrConnect},
		read:        func(_ context.Context, seq int) (*Frame, error) { return blankFrame(seq), nil },
	}
	cfg := testConfig()
	cfg.ReconnectDelay = 10 * time.Millisecond
	l := NewLoop(cfg, src, rec, nil, zaptest.NewLogger(t))

	stop := runLoop(t, l)
	require.Eventually(t, func() bool { return l.Status() == StatusConnected }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []Status{
		StatusConnecting, StatusError,
		StatusConnecting, StatusConnected,
		StatusDisconnected,
	}, rec.history())
}

func TestLoopEveryTransitionIsAllowed(t *testing.T) {
	rec := &recorder{}
	var fail atomic.Bool
	fail.Store(true)
	src := &fakeSource{read: func(_ context.Context, seq int) (*Frame, error) {
		if fail.Load() {
			return nil, errors.New("boom")
		}
		return blankFrame(seq), nil
	}}
	cfg := testConfig()
	cfg.ReconnectDelay = 5 * time.Millisecond
	l := NewLoop(cfg, src, rec, nil, zaptest.NewLogger(t))

	stop := runLoop(t, l)
	require.Eventually(t, func() bool { return rec.countOf(StatusError) >= 2 }, time.Second, time.Millisecond)
	fail.Store(false)
	time.Sleep(30 * time.Millisecond)
	stop()

	prev := StatusDisconnected
	for _, s := range rec.history() {
		assert.True(t, prev.CanTransition(s), "%s -> %s", prev, s)
		prev = s
	}
}

type countingSubmitter struct{ n atomic.Int32 }

func (c *countingSubmitter) Submit(*Frame, Source) bool {
	c.n.Add(1)
	return true
}

func TestLoopSubmitsOncePerInterval(t *testing.T) {
	sub := &countingSubmitter{}
	src := &fakeSource{read: func(_ context.Context, seq int) (*Frame, error) { return blankFrame(seq), nil }}
	l := NewLoop(testConfig(), src, nil, sub, zaptest.NewLogger(t))

	stop := runLoop(t, l)
	require.Eventually(t, func() bool { return l.Snapshot().FramesRead > 20 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, int32(1), sub.n.Load())
	assert.Equal(t, uint64(1), l.Snapshot().FramesSubmitted)
}

func TestLoopMotionRespectsCooldown(t *testing.T) {
	rec := &recorder{}
	synth := NewSyntheticSource(SyntheticConfig{SourceID: "cam1", Width: 640, Height: 480})
	cfg := testConfig()
	cfg.Motion = MotionConfig{Enabled: true, Cooldown: time.Hour}
	l := NewLoop(cfg, synth, rec, nil, zaptest.NewLogger(t))

	stop := runLoop(t, l)
	require.Eventually(t, func() bool { return rec.eventCount() > 0 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	stop()

	require.Equal(t, 1, rec.eventCount())
	ev := rec.events[0]
	assert.Equal(t, events.TypeMotion, ev.Type)
	assert.Equal(t, events.SeverityLow, ev.Severity)
	assert.Equal(t, "cam1", ev.SourceID)
	assert.NotEmpty(t, ev.Frame)
	assert.Equal(t, uint64(1), l.Snapshot().MotionEvents)
}

func TestLoopFailMarksError(t *testing.T) {
	rec := &recorder{}
	src := &fakeSource{read: func(_ context.Context, seq int) (*Frame, error) { return blankFrame(seq), nil }}
	l := NewLoop(testConfig(), src, rec, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, l.connect(ctx))
	l.Fail(errors.New("panic: nil map"))
	cancel()

	assert.Equal(t, StatusError, l.Status())
	assert.Equal(t, 1, l.Snapshot().Restarts)
	l.Close()
	assert.Equal(t, StatusDisconnected, l.Status())
}
