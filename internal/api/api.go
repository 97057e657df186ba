// Package api exposes the pipeline over HTTP. Handlers are thin: they decode
// the request, call into the supervisor's components and encode the result.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	goahttp "goa.design/goa/v3/http"
	goamiddleware "goa.design/goa/v3/middleware"
	"go.uber.org/zap"

	"visionguard/internal/auth"
	"visionguard/internal/camera"
	"visionguard/internal/events"
	"visionguard/internal/middleware"
	"visionguard/internal/monitoring"
	"visionguard/internal/stream"
	"visionguard/internal/ws"
)

// Pipeline is the part of the supervisor the API drives
type Pipeline interface {
	Sources() []camera.Source
	Source(id string) (camera.Source, bool)
	SourceConfig(id string) (camera.Config, bool)
	AddSource(cfg camera.Config) (camera.Source, error)
	UpdateSource(ctx context.Context, id string, cfg camera.Config) (camera.Source, error)
	RemoveSource(ctx context.Context, id string) error
	Store() *events.Store
	Registry() *monitoring.Registry
	Live() *stream.Hub
	Manager() *ws.Manager
	SystemStatus(ctx context.Context) ws.SystemStatus
}

// EventArchive looks up events that fell out of the in-memory store
type EventArchive interface {
	GetEvent(id string) (*events.Event, error)
}

// Server holds the HTTP handlers
type Server struct {
	pipeline Pipeline
	auth     *auth.Authenticator
	archive  EventArchive
	ws       http.Handler
	vars     func(*http.Request) map[string]string
	logger   *zap.Logger
	started  time.Time
	version  string
}

// Option customises a Server
type Option func(*Server)

// WithArchive serves events missing from memory out of archive
func WithArchive(archive EventArchive) Option {
	return func(s *Server) { s.archive = archive }
}

// WithVersion sets the version reported by /health
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New creates the API server. authenticator may be disabled but not nil.
func New(p Pipeline, authenticator *auth.Authenticator, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		pipeline: p,
		auth:     authenticator,
		logger:   logger.Named("api"),
		started:  time.Now(),
		version:  "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ws = ws.NewHandler(p.Manager(), middleware.UpgradeAuthenticator(authenticator), logger)
	return s
}

// Mount registers every route on mux
func (s *Server) Mount(mux goahttp.Muxer) {
	s.vars = mux.Vars
	mux.Handle(http.MethodGet, "/health", s.health)
	mux.Handle(http.MethodGet, "/api/system/status", s.systemStatus)

	mux.Handle(http.MethodGet, "/api/sources", s.listSources)
	mux.Handle(http.MethodPost, "/api/sources", s.addSource)
	mux.Handle(http.MethodGet, "/api/sources/{id}", s.getSource)
	mux.Handle(http.MethodPut, "/api/sources/{id}", s.updateSource)
	mux.Handle(http.MethodDelete, "/api/sources/{id}", s.removeSource)
	mux.Handle(http.MethodGet, "/api/sources/{id}/stream", s.streamSource)
	mux.Handle(http.MethodGet, "/api/sources/{id}/snapshot", s.snapshotSource)

	mux.Handle(http.MethodGet, "/api/events", s.queryEvents)
	mux.Handle(http.MethodGet, "/api/events/summary", s.summarizeEvents)
	mux.Handle(http.MethodGet, "/api/events/{id}", s.getEvent)

	mux.Handle(http.MethodGet, "/api/tasks", s.listTasks)
	mux.Handle(http.MethodPost, "/api/tasks", s.addTask)
	mux.Handle(http.MethodDelete, "/api/tasks/{id}", s.removeTask)
	mux.Handle(http.MethodPut, "/api/tasks/{id}/active", s.setTaskActive)

	mux.Handle(http.MethodPost, "/api/auth/login", s.login)
	mux.Handle(http.MethodGet, "/api/auth/status", s.authStatus)

	mux.Handle(http.MethodGet, "/ws/{client_id}", s.ws.ServeHTTP)
}

// PublicPaths lists the /api/ routes reachable without a token
func PublicPaths() []string {
	return []string{"/api/auth/login", "/api/auth/status"}
}

type healthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Sources       int     `json:"sources"`
	Connections   int     `json:"connections"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.encode(w, r, http.StatusOK, healthResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: time.Since(s.started).Seconds(),
		Sources:       len(s.pipeline.Sources()),
		Connections:   s.pipeline.Manager().ConnectionCount(),
	})
}

func (s *Server) systemStatus(w http.ResponseWriter, r *http.Request) {
	s.encode(w, r, http.StatusOK, s.pipeline.SystemStatus(r.Context()))
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) encode(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := goahttp.ResponseEncoder(r.Context(), w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", zap.String("path", r.URL.Path), zap.Error(err))
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	id, _ := r.Context().Value(goamiddleware.RequestIDKey).(string)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("request_id", id), zap.String("path", r.URL.Path), zap.Error(err))
	}
	s.encode(w, r, status, errorResponse{Error: err.Error(), RequestID: id})
}

func (s *Server) decode(r *http.Request, v any) error {
	if err := goahttp.RequestDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	return nil
}

var errBadBody = errors.New("invalid request body")

func (s *Server) pathVar(r *http.Request, name string) string {
	return s.vars(r)[name]
}
