package api

import (
	"errors"
	"fmt"
	"net/http"

	"visionguard/internal/events"
	"visionguard/internal/monitoring"
)

type taskRequest struct {
	SourceIDs  []string           `json:"source_ids"`
	EventTypes []events.EventType `json:"event_types"`
	Request    string             `json:"user_request"`
}

type activeRequest struct {
	Active *bool `json:"active"`
}

type taskList struct {
	Tasks []*monitoring.Task `json:"tasks"`
	Count int                `json:"count"`
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.pipeline.Registry().List()
	s.encode(w, r, http.StatusOK, taskList{Tasks: tasks, Count: len(tasks)})
}

func (s *Server) addTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	task, err := s.pipeline.Registry().Add(req.SourceIDs, req.EventTypes, req.Request)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	s.encode(w, r, http.StatusCreated, task)
}

func (s *Server) removeTask(w http.ResponseWriter, r *http.Request) {
	id := s.pathVar(r, "id")
	if !s.pipeline.Registry().Remove(id) {
		s.fail(w, r, http.StatusNotFound, fmt.Errorf("%w: %s", monitoring.ErrTaskNotFound, id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setTaskActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	if req.Active == nil {
		s.fail(w, r, http.StatusBadRequest, fmt.Errorf("%w: active is required", errBadBody))
		return
	}

	task, err := s.pipeline.Registry().SetActive(s.pathVar(r, "id"), *req.Active)
	if err != nil {
		if errors.Is(err, monitoring.ErrTaskNotFound) {
			s.fail(w, r, http.StatusNotFound, err)
			return
		}
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	s.encode(w, r, http.StatusOK, task)
}
