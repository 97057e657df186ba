package monitoring

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"visionguard/internal/events"
)

type captureSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (c *captureSink) NotifyAlert(_ context.Context, a Alert) {
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	c.mu.Unlock()
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

type memRecorder struct {
	mu      sync.Mutex
	saved   map[string]*Task
	deleted []string
	fail    bool
}

func (m *memRecorder) SaveTask(t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	m.saved[t.ID] = t
	return nil
}

func (m *memRecorder) DeleteTask(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.saved, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *memRecorder) get(id string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.saved[id]
	return t, ok
}

func TestRegistryAddRejectsEmptySets(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	_, err := r.Add(nil, []events.EventType{events.TypeMotion}, "x")
	assert.ErrorIs(t, err, ErrEmptySources)

	_, err = r.Add([]string{""}, []events.EventType{events.TypeMotion}, "x")
	assert.ErrorIs(t, err, ErrEmptySources)

	_, err = r.Add([]string{"cam1"}, nil, "x")
	assert.ErrorIs(t, err, ErrEmptyEventTypes)

	_, err = r.Add([]string{"cam1"}, []events.EventType{"fire"}, "x")
	assert.ErrorIs(t, err, ErrUnknownEventType)

	assert.Empty(t, r.List())
}

func TestRegistryMatching(t *testing.T) {
	sink := &captureSink{}
	r := NewRegistry(zaptest.NewLogger(t), sink)

	task, err := r.Add([]string{"s1"}, []events.EventType{events.TypeMotion}, "watch the door")
	require.NoError(t, err)
	assert.True(t, task.Active)
	assert.Nil(t, task.LastTriggeredAt)

	ctx := context.Background()
	tests := []struct {
		name   string
		source string
		typ    events.EventType
		fired  int
	}{
		{"matching source and type", "s1", events.TypeMotion, 1},
		{"other source", "s2", events.TypeMotion, 0},
		{"other type", "s1", events.TypeVehicle, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := events.New(tt.source, tt.typ, events.SeverityLow, 0.9, "movement")
			assert.Equal(t, tt.fired, r.MatchAndNotify(ctx, ev))
		})
	}

	require.Equal(t, 1, sink.count())
	alert := sink.alerts[0]
	assert.Equal(t, task.ID, alert.TaskID)
	assert.Equal(t, "watch the door", alert.Request)
	assert.Equal(t, "Alert: movement detected in s1 as requested", alert.Message)

	got, ok := r.Get(task.ID)
	require.True(t, ok)
	require.NotNil(t, got.LastTriggeredAt)
}

func TestRegistryEachTaskFiresOnce(t *testing.T) {
	sink := &captureSink{}
	r := NewRegistry(zaptest.NewLogger(t), sink)

	_, err := r.Add([]string{"s1", "s1", "s2"}, []events.EventType{events.TypePerson, events.TypePerson}, "a")
	require.NoError(t, err)
	_, err = r.Add([]string{"s1"}, []events.EventType{events.TypePerson, events.TypeVehicle}, "b")
	require.NoError(t, err)

	n := r.MatchAndNotify(context.Background(), events.New("s1", events.TypePerson, events.SeverityMedium, 0.8, "person"))
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, sink.count())
}

func TestRegistryInactiveTaskDoesNotFire(t *testing.T) {
	sink := &captureSink{}
	r := NewRegistry(zaptest.NewLogger(t), sink)

	task, err := r.Add([]string{"s1"}, []events.EventType{events.TypeMotion}, "a")
	require.NoError(t, err)
	_, err = r.SetActive(task.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 0, r.ActiveCount())

	assert.Equal(t, 0, r.MatchAndNotify(context.Background(), events.New("s1", events.TypeMotion, events.SeverityLow, 1, "m")))

	_, err = r.SetActive("missing", true)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRegistryRemove(t *testing.T) {
	rec := &memRecorder{saved: map[string]*Task{}}
	r := NewRegistry(zaptest.NewLogger(t))
	r.SetRecorder(rec)

	task, err := r.Add([]string{"s1"}, []events.EventType{events.TypeMotion}, "a")
	require.NoError(t, err)
	assert.Contains(t, rec.saved, task.ID)

	assert.True(t, r.Remove(task.ID))
	assert.False(t, r.Remove(task.ID))
	assert.Equal(t, []string{task.ID}, rec.deleted)
	assert.Equal(t, 0, r.MatchAndNotify(context.Background(), events.New("s1", events.TypeMotion, events.SeverityLow, 1, "m")))
}

func TestRegistryTaskRemovedWhileAlertingStaysDeleted(t *testing.T) {
	rec := &memRecorder{saved: map[string]*Task{}}
	r := NewRegistry(zaptest.NewLogger(t))
	r.SetRecorder(rec)
	r.AddSink(AlertSinkFunc(func(_ context.Context, a Alert) {
		r.Remove(a.TaskID)
	}))

	task, err := r.Add([]string{"s1"}, []events.EventType{events.TypeMotion}, "a")
	require.NoError(t, err)

	assert.Equal(t, 1, r.MatchAndNotify(context.Background(), events.New("s1", events.TypeMotion, events.SeverityLow, 1, "m")))

	_, ok := r.Get(task.ID)
	assert.False(t, ok)
	_, persisted := rec.get(task.ID)
	assert.False(t, persisted, "a removed task must not come back on the next boot")
}

func TestRegistryPersistsLatestTaskState(t *testing.T) {
	rec := &memRecorder{saved: map[string]*Task{}}
	r := NewRegistry(zaptest.NewLogger(t))
	r.SetRecorder(rec)
	r.AddSink(AlertSinkFunc(func(_ context.Context, a Alert) {
		_, err := r.SetActive(a.TaskID, false)
		assert.NoError(t, err)
	}))

	task, err := r.Add([]string{"s1"}, []events.EventType{events.TypeMotion}, "a")
	require.NoError(t, err)
	r.MatchAndNotify(context.Background(), events.New("s1", events.TypeMotion, events.SeverityLow, 1, "m"))

	saved, ok := rec.get(task.ID)
	require.True(t, ok)
	assert.False(t, saved.Active)
	assert.NotNil(t, saved.LastTriggeredAt)
}

func TestRegistryConcurrentRemoveAndMatch(t *testing.T) {
	rec := &memRecorder{saved: map[string]*Task{}}
	r := NewRegistry(zaptest.NewLogger(t))
	r.SetRecorder(rec)

	var ids []string
	for i := 0; i < 20; i++ {
		task, err := r.Add([]string{"s1"}, []events.EventType{events.TypeMotion}, "a")
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			r.MatchAndNotify(context.Background(), events.New("s1", events.TypeMotion, events.SeverityLow, 1, "m"))
		}
	}()
	go func() {
		defer wg.Done()
		for _, id := range ids {
			r.Remove(id)
		}
	}()
	wg.Wait()

	for _, id := range ids {
		_, ok := rec.get(id)
		assert.False(t, ok, "task %s was persisted after removal", id)
	}
}

func TestRegistryRecorderFailureIsNotFatal(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	r.SetRecorder(&memRecorder{saved: map[string]*Task{}, fail: true})

	_, err := r.Add([]string{"s1"}, []events.EventType{events.TypeMotion}, "a")
	assert.NoError(t, err)
}

func TestRegistryRestore(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	r.Restore([]*Task{
		{ID: "t1", SourceIDs: []string{"s1"}, EventTypes: []events.EventType{events.TypeMotion}, Active: true},
		{ID: "bad"},
		nil,
	})

	tasks := r.List()
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)
	assert.Equal(t, 1, r.MatchAndNotify(context.Background(), events.New("s1", events.TypeMotion, events.SeverityLow, 1, "m")))
}

func TestRegistryReturnsCopies(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	task, err := r.Add([]string{"s1"}, []events.EventType{events.TypeMotion}, "a")
	require.NoError(t, err)

	task.SourceIDs[0] = "tampered"
	task.Active = false

	got, _ := r.Get(task.ID)
	assert.Equal(t, "s1", got.SourceIDs[0])
	assert.True(t, got.Active)
}
