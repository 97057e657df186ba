package events

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultCapacity is the number of events kept in memory
	DefaultCapacity = 1000

	// DefaultWindow is the look-back used when a query has no start time
	DefaultWindow = 24 * time.Hour

	recentLimit = 10
)

// QueryOptions filters a store query. Zero values mean "no filter", except
// Start and End which default to the last DefaultWindow.
type QueryOptions struct {
	SourceIDs []string
	Types     []EventType
	Start     time.Time
	End       time.Time
	Limit     int
}

// TimeRange is the window a query or summary covered
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Summary aggregates the events of a window
type Summary struct {
	TotalCount    int               `json:"total_events"`
	CountByType   map[EventType]int `json:"events_by_type"`
	CountBySource map[string]int    `json:"events_by_source"`
	MostRecent    []*Event          `json:"recent_events"`
	TimeRange     TimeRange         `json:"time_range"`
}

// Store keeps the most recent events in arrival order. When full, appending
// evicts the oldest event.
type Store struct {
	mu       sync.RWMutex
	buf      []*Event
	head     int // index of the oldest event
	size     int
	byID     map[string]*Event
	capacity int
	now      func() time.Time
}

// NewStore creates a store holding at most capacity events
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		buf:      make([]*Event, capacity),
		byID:     make(map[string]*Event, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

// Append adds an event, evicting the oldest one if the store is full
func (s *Store) Append(e *Event) {
	if e == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(e)
}

func (s *Store) appendLocked(e *Event) {
	if s.size == s.capacity {
		oldest := s.buf[s.head]
		delete(s.byID, oldest.ID)
		s.buf[s.head] = e
		s.head = (s.head + 1) % s.capacity
	} else {
		s.buf[(s.head+s.size)%s.capacity] = e
		s.size++
	}
	s.byID[e.ID] = e
}

// Restore appends previously persisted events, oldest first
func (s *Store) Restore(evs []*Event) {
	sorted := make([]*Event, 0, len(evs))
	for _, e := range evs {
		if e != nil {
			sorted = append(sorted, e)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range sorted {
		if _, dup := s.byID[e.ID]; dup {
			continue
		}
		s.appendLocked(e)
	}
}

// Get returns the event with the given ID, if still retained
func (s *Store) Get(id string) (*Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	return e, ok
}

// Len returns the number of retained events
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Capacity returns the maximum number of retained events
func (s *Store) Capacity() int {
	return s.capacity
}

// Query returns the matching events, newest first
func (s *Store) Query(opts QueryOptions) []*Event {
	events, _ := s.query(opts)
	return events
}

func (s *Store) query(opts QueryOptions) ([]*Event, TimeRange) {
	end := opts.End
	if end.IsZero() {
		end = s.now()
	}
	start := opts.Start
	if start.IsZero() {
		start = end.Add(-DefaultWindow)
	}

	sources := toSet(opts.SourceIDs)
	types := toSet(opts.Types)

	s.mu.RLock()
	out := make([]*Event, 0, min(s.size, 64))
	// newest arrival first so that equal timestamps keep arrival order
	for i := s.size - 1; i >= 0; i-- {
		e := s.buf[(s.head+i)%s.capacity]
		if e.Timestamp.Before(start) || e.Timestamp.After(end) {
			continue
		}
		if sources != nil && !sources[e.SourceID] {
			continue
		}
		if types != nil && !types[e.Type] {
			continue
		}
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, TimeRange{Start: start, End: end}
}

// Summarize aggregates events from the given sources since start
func (s *Store) Summarize(sourceIDs []string, start time.Time) Summary {
	evs, window := s.query(QueryOptions{SourceIDs: sourceIDs, Start: start})

	sum := Summary{
		TotalCount:    len(evs),
		CountByType:   make(map[EventType]int),
		CountBySource: make(map[string]int),
		TimeRange:     window,
	}
	for _, e := range evs {
		sum.CountByType[e.Type]++
		sum.CountBySource[e.SourceID]++
	}
	n := min(len(evs), recentLimit)
	sum.MostRecent = append([]*Event(nil), evs[:n]...)
	return sum
}

func toSet[T comparable](items []T) map[T]bool {
	if len(items) == 0 {
		return nil
	}
	set := make(map[T]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}
