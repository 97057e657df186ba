package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"visionguard/internal/events"
)

var (
	ErrEmptySources     = errors.New("monitoring task needs at least one source")
	ErrEmptyEventTypes  = errors.New("monitoring task needs at least one event type")
	ErrUnknownEventType = errors.New("unknown event type")
	ErrTaskNotFound     = errors.New("monitoring task not found")
)

// Task is a user-declared rule: notify when any of EventTypes happens on any
// of SourceIDs
type Task struct {
	ID              string             `json:"id"`
	Request         string             `json:"user_request"`
	SourceIDs       []string           `json:"source_ids"`
	EventTypes      []events.EventType `json:"event_types"`
	CreatedAt       time.Time          `json:"created_at"`
	Active          bool               `json:"active"`
	LastTriggeredAt *time.Time         `json:"last_triggered_at,omitempty"`
}

func (t *Task) clone() *Task {
	c := *t
	c.SourceIDs = append([]string(nil), t.SourceIDs...)
	c.EventTypes = append([]events.EventType(nil), t.EventTypes...)
	if t.LastTriggeredAt != nil {
		ts := *t.LastTriggeredAt
		c.LastTriggeredAt = &ts
	}
	return &c
}

// Alert is produced once per matching task per event
type Alert struct {
	TaskID      string        `json:"task_id"`
	Request     string        `json:"user_request"`
	Event       *events.Event `json:"event"`
	Message     string        `json:"message"`
	TriggeredAt time.Time     `json:"triggered_at"`
}

// AlertSink receives monitoring alerts. Implementations must not block for
// long; they are called from the event routing path.
type AlertSink interface {
	NotifyAlert(ctx context.Context, alert Alert)
}

// AlertSinkFunc adapts a function to AlertSink
type AlertSinkFunc func(ctx context.Context, alert Alert)

func (f AlertSinkFunc) NotifyAlert(ctx context.Context, alert Alert) { f(ctx, alert) }

// TaskRecorder persists task changes
type TaskRecorder interface {
	SaveTask(t *Task) error
	DeleteTask(id string) error
}

type entry struct {
	task    *Task
	sources map[string]bool
	types   map[events.EventType]bool
}

// Registry holds monitoring tasks and matches events against them
type Registry struct {
	mu       sync.RWMutex
	tasks    map[string]*entry
	sinks    []AlertSink
	recorder TaskRecorder
	logger   *zap.Logger
	now      func() time.Time

	// pmu orders recorder writes so a saved snapshot never outlives a
	// later delete or toggle
	pmu sync.Mutex
}

// NewRegistry creates an empty registry delivering alerts to sinks
func NewRegistry(logger *zap.Logger, sinks ...AlertSink) *Registry {
	return &Registry{
		tasks:  make(map[string]*entry),
		sinks:  sinks,
		logger: logger.Named("monitoring"),
		now:    time.Now,
	}
}

// AddSink registers another alert sink
func (r *Registry) AddSink(s AlertSink) {
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// SetRecorder enables persistence of task changes
func (r *Registry) SetRecorder(rec TaskRecorder) {
	r.mu.Lock()
	r.recorder = rec
	r.mu.Unlock()
}

// Add registers a new active task
func (r *Registry) Add(sourceIDs []string, eventTypes []events.EventType, request string) (*Task, error) {
	sources := dedupe(sourceIDs, func(s string) bool { return s != "" })
	if len(sources) == 0 {
		return nil, ErrEmptySources
	}
	types := dedupe(eventTypes, func(t events.EventType) bool { return t != "" })
	if len(types) == 0 {
		return nil, ErrEmptyEventTypes
	}
	for _, t := range types {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
		}
	}

	task := &Task{
		ID:         uuid.NewString(),
		Request:    request,
		SourceIDs:  sources,
		EventTypes: types,
		CreatedAt:  r.now(),
		Active:     true,
	}

	r.mu.Lock()
	r.tasks[task.ID] = newEntry(task)
	snapshot := task.clone()
	r.mu.Unlock()

	r.logger.Info("Monitoring task added",
		zap.String("task_id", task.ID),
		zap.Strings("sources", sources),
		zap.Int("event_types", len(types)))
	r.persist(task.ID)
	return snapshot, nil
}

// Remove deletes a task; it reports whether the task existed
func (r *Registry) Remove(id string) bool {
	r.pmu.Lock()
	defer r.pmu.Unlock()

	r.mu.Lock()
	_, ok := r.tasks[id]
	delete(r.tasks, id)
	rec := r.recorder
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.logger.Info("Monitoring task removed", zap.String("task_id", id))
	if rec != nil {
		if err := rec.DeleteTask(id); err != nil {
			r.logger.Warn("Failed to delete persisted task", zap.String("task_id", id), zap.Error(err))
		}
	}
	return true
}

// Get returns a copy of a task
func (r *Registry) Get(id string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return e.task.clone(), true
}

// List returns copies of every task, oldest first
func (r *Registry) List() []*Task {
	r.mu.RLock()
	out := make([]*Task, 0, len(r.tasks))
	for _, e := range r.tasks {
		out = append(out, e.task.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActiveCount returns the number of active tasks
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.tasks {
		if e.task.Active {
			n++
		}
	}
	return n
}

// SetActive toggles whether a task fires
func (r *Registry) SetActive(id string, active bool) (*Task, error) {
	r.mu.Lock()
	e, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrTaskNotFound
	}
	e.task.Active = active
	snapshot := e.task.clone()
	r.mu.Unlock()

	r.persist(id)
	return snapshot, nil
}

// Restore loads previously persisted tasks without re-persisting them
func (r *Registry) Restore(tasks []*Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tasks {
		if t == nil || t.ID == "" || len(t.SourceIDs) == 0 || len(t.EventTypes) == 0 {
			continue
		}
		r.tasks[t.ID] = newEntry(t.clone())
	}
}

// MatchAndNotify fires every active task matching the event and returns the
// number of alerts produced. Sinks are called without holding the lock.
func (r *Registry) MatchAndNotify(ctx context.Context, ev *events.Event) int {
	if ev == nil {
		return 0
	}
	now := r.now()

	r.mu.Lock()
	var alerts []Alert
	for _, e := range r.tasks {
		if !e.task.Active || !e.sources[ev.SourceID] || !e.types[ev.Type] {
			continue
		}
		ts := now
		e.task.LastTriggeredAt = &ts
		alerts = append(alerts, Alert{
			TaskID:      e.task.ID,
			Request:     e.task.Request,
			Event:       ev,
			Message:     fmt.Sprintf("Alert: %s detected in %s as requested", ev.Description, ev.SourceID),
			TriggeredAt: now,
		})
	}
	sinks := append([]AlertSink(nil), r.sinks...)
	r.mu.Unlock()

	for _, a := range alerts {
		r.logger.Info("Monitoring task triggered",
			zap.String("task_id", a.TaskID),
			zap.String("event_id", ev.ID),
			zap.String("source_id", ev.SourceID),
			zap.String("event_type", string(ev.Type)))
		for _, s := range sinks {
			s.NotifyAlert(ctx, a)
		}
	}
	for _, a := range alerts {
		r.persist(a.TaskID)
	}
	return len(alerts)
}

// persist saves the current state of a task. Tasks removed in the meantime
// are skipped.
func (r *Registry) persist(id string) {
	r.pmu.Lock()
	defer r.pmu.Unlock()

	r.mu.RLock()
	rec := r.recorder
	e, ok := r.tasks[id]
	var snapshot *Task
	if ok {
		snapshot = e.task.clone()
	}
	r.mu.RUnlock()

	if rec == nil || !ok {
		return
	}
	if err := rec.SaveTask(snapshot); err != nil {
		r.logger.Warn("Failed to persist task", zap.String("task_id", id), zap.Error(err))
	}
}

func newEntry(t *Task) *entry {
	e := &entry{
		task:    t,
		sources: make(map[string]bool, len(t.SourceIDs)),
		types:   make(map[events.EventType]bool, len(t.EventTypes)),
	}
	for _, s := range t.SourceIDs {
		e.sources[s] = true
	}
	for _, typ := range t.EventTypes {
		e.types[typ] = true
	}
	return e
}

func dedupe[T comparable](in []T, keep func(T) bool) []T {
	seen := make(map[T]bool, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if !keep(v) || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
