package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"visionguard/internal/events"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000

	// summaries look back at most a year
	maxSummaryHours = 24 * 365
)

var errEventNotFound = errors.New("event not found")

type eventList struct {
	Events []*events.Event `json:"events"`
	Count  int             `json:"count"`
}

// queryEvents serves GET /api/events?source_ids=a,b&event_types=person&start=&end=&limit=
func (s *Server) queryEvents(w http.ResponseWriter, r *http.Request) {
	opts, err := parseQuery(r.URL.Query())
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	evs := s.pipeline.Store().Query(opts)
	if !queryBool(r.URL.Query(), "include_frames") {
		evs = withoutFrames(evs)
	}
	s.encode(w, r, http.StatusOK, eventList{Events: evs, Count: len(evs)})
}

// summarizeEvents serves GET /api/events/summary?source_ids=a,b&hours=24
func (s *Server) summarizeEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hours := 24.0
	if v := q.Get("hours"); v != "" {
		h, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(h) || h <= 0 {
			s.fail(w, r, http.StatusBadRequest, fmt.Errorf("invalid hours %q", v))
			return
		}
		hours = min(h, maxSummaryHours)
	}
	start := time.Now().Add(-time.Duration(hours * float64(time.Hour)))
	sum := s.pipeline.Store().Summarize(splitList(q, "source_ids"), start)
	sum.MostRecent = withoutFrames(sum.MostRecent)
	s.encode(w, r, http.StatusOK, sum)
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	id := s.pathVar(r, "id")
	if ev, ok := s.pipeline.Store().Get(id); ok {
		s.encode(w, r, http.StatusOK, ev)
		return
	}
	if s.archive != nil {
		ev, err := s.archive.GetEvent(id)
		if err != nil {
			s.logger.Warn("Archive lookup failed", zap.String("event_id", id), zap.Error(err))
		}
		if ev != nil {
			s.encode(w, r, http.StatusOK, ev)
			return
		}
	}
	s.fail(w, r, http.StatusNotFound, fmt.Errorf("%w: %s", errEventNotFound, id))
}

func parseQuery(q url.Values) (events.QueryOptions, error) {
	opts := events.QueryOptions{
		SourceIDs: splitList(q, "source_ids"),
		Limit:     defaultEventLimit,
	}
	for _, t := range splitList(q, "event_types") {
		typ, err := events.ParseEventType(t)
		if err != nil {
			return opts, err
		}
		opts.Types = append(opts.Types, typ)
	}

	var err error
	if opts.Start, err = parseTime(q.Get("start")); err != nil {
		return opts, fmt.Errorf("invalid start: %w", err)
	}
	if opts.End, err = parseTime(q.Get("end")); err != nil {
		return opts, fmt.Errorf("invalid end: %w", err)
	}
	if !opts.Start.IsZero() && !opts.End.IsZero() && opts.End.Before(opts.Start) {
		return opts, errors.New("end is before start")
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return opts, fmt.Errorf("invalid limit %q", v)
		}
		opts.Limit = min(n, maxEventLimit)
	}
	return opts, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

// splitList accepts both repeated and comma separated values
func splitList(q url.Values, key string) []string {
	var out []string
	for _, v := range q[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func queryBool(q url.Values, key string) bool {
	b, _ := strconv.ParseBool(q.Get(key))
	return b
}

// withoutFrames returns shallow copies of evs with the frame dropped; events
// are shared and must not be modified
func withoutFrames(evs []*events.Event) []*events.Event {
	out := make([]*events.Event, len(evs))
	for i, ev := range evs {
		if ev.Frame == nil {
			out[i] = ev
			continue
		}
		c := *ev
		c.Frame = nil
		out[i] = &c
	}
	return out
}
