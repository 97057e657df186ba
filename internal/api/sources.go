package api

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"visionguard/internal/camera"
	"visionguard/internal/supervisor"
)

type sourceList struct {
	Sources []camera.Source `json:"sources"`
	Count   int             `json:"count"`
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	srcs := s.pipeline.Sources()
	s.encode(w, r, http.StatusOK, sourceList{Sources: srcs, Count: len(srcs)})
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	id := s.pathVar(r, "id")
	src, ok := s.pipeline.Source(id)
	if !ok {
		s.fail(w, r, http.StatusNotFound, fmt.Errorf("%w: %s", supervisor.ErrSourceNotFound, id))
		return
	}
	s.encode(w, r, http.StatusOK, src)
}

func (s *Server) addSource(w http.ResponseWriter, r *http.Request) {
	var cfg camera.Config
	if err := s.decode(r, &cfg); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}

	src, err := s.pipeline.AddSource(cfg)
	switch {
	case err == nil:
	case errors.Is(err, supervisor.ErrSourceExists):
		s.fail(w, r, http.StatusConflict, err)
		return
	case errors.Is(err, supervisor.ErrNotRunning):
		s.fail(w, r, http.StatusServiceUnavailable, err)
		return
	default:
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	s.logger.Info("Source added via API", zap.String("source_id", src.ID))
	s.encode(w, r, http.StatusCreated, src)
}

// updateSource merges the body over the current config of the source and
// restarts it
func (s *Server) updateSource(w http.ResponseWriter, r *http.Request) {
	id := s.pathVar(r, "id")
	cfg, ok := s.pipeline.SourceConfig(id)
	if !ok {
		s.fail(w, r, http.StatusNotFound, fmt.Errorf("%w: %s", supervisor.ErrSourceNotFound, id))
		return
	}
	if err := s.decode(r, &cfg); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}

	src, err := s.pipeline.UpdateSource(r.Context(), id, cfg)
	switch {
	case err == nil:
	case errors.Is(err, supervisor.ErrSourceNotFound):
		s.fail(w, r, http.StatusNotFound, err)
		return
	case errors.Is(err, supervisor.ErrNotRunning):
		s.fail(w, r, http.StatusServiceUnavailable, err)
		return
	default:
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	s.logger.Info("Source updated via API", zap.String("source_id", id))
	s.encode(w, r, http.StatusOK, src)
}

func (s *Server) removeSource(w http.ResponseWriter, r *http.Request) {
	id := s.pathVar(r, "id")
	if err := s.pipeline.RemoveSource(r.Context(), id); err != nil {
		if errors.Is(err, supervisor.ErrSourceNotFound) {
			s.fail(w, r, http.StatusNotFound, err)
			return
		}
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) streamSource(w http.ResponseWriter, r *http.Request) {
	id := s.pathVar(r, "id")
	if _, ok := s.pipeline.Source(id); !ok {
		s.fail(w, r, http.StatusNotFound, fmt.Errorf("%w: %s", supervisor.ErrSourceNotFound, id))
		return
	}
	s.pipeline.Live().ServeStream(w, r, id)
}

func (s *Server) snapshotSource(w http.ResponseWriter, r *http.Request) {
	id := s.pathVar(r, "id")
	if _, ok := s.pipeline.Source(id); !ok {
		s.fail(w, r, http.StatusNotFound, fmt.Errorf("%w: %s", supervisor.ErrSourceNotFound, id))
		return
	}
	s.pipeline.Live().ServeSnapshot(w, r, id)
}
