// Package rest exposes the scheduler over a small JSON HTTP API: job
// submission and lifecycle on one side, resource registration and
// heartbeats on the other.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Paddel87/AIMA-sub000/internal/common/aimaerrors"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/registry"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/schedulerobjects"
)

type Server struct {
	scheduler *scheduler.Scheduler
	registry  *registry.Registry
	server    *http.Server
}

func NewServer(port uint16, sched *scheduler.Scheduler, reg *registry.Registry) *Server {
	s := &Server{scheduler: sched, registry: reg}
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", s.handleJobs)
	mux.HandleFunc("/jobs/", s.handleJob)
	mux.HandleFunc("/resources", s.handleResources)
	mux.HandleFunc("/resources/", s.handleResource)
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return s
}

// Serve blocks until Shutdown is called.
func (s *Server) Serve() error {
	log.Infof("REST API listening on %s", s.server.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return errors.WithStack(err)
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		log.Errorf("REST API shutdown: %v", err)
	}
}

type submitResponse struct {
	JobId string `json:"jobId"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req schedulerobjects.Requirements
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	jobId, err := s.scheduler.Submit(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusCreated, submitResponse{JobId: jobId})
}

// handleJob serves /jobs/{id} and /jobs/{id}/resumable.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	jobId, action, _ := strings.Cut(rest, "/")
	if jobId == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		job, err := s.scheduler.GetJob(jobId)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJson(w, http.StatusOK, job)

	case action == "" && r.Method == http.MethodDelete:
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "operator abort"
		}
		if err := s.scheduler.Abort(jobId, reason); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)

	case action == "resumable" && r.Method == http.MethodGet:
		options, err := s.scheduler.ListResumable(jobId)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJson(w, http.StatusOK, options)

	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		resources, err := s.registry.GetAll()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJson(w, http.StatusOK, resources)

	case http.MethodPost:
		var resource schedulerobjects.Resource
		if err := json.NewDecoder(r.Body).Decode(&resource); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := s.registry.Register(&resource)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJson(w, http.StatusCreated, map[string]string{"resourceId": id})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type heartbeatRequest struct {
	State schedulerobjects.ResourceState `json:"state"`
}

// handleResource serves /resources/{id}/heartbeat and /resources/{id}.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/resources/")
	resourceId, action, _ := strings.Cut(rest, "/")
	if resourceId == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case action == "heartbeat" && r.Method == http.MethodPost:
		req := heartbeatRequest{State: schedulerobjects.ResourceAvailable}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		if err := s.registry.Heartbeat(resourceId, req.State); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case action == "" && r.Method == http.MethodDelete:
		if err := s.registry.Deregister(resourceId); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.NotFound(w, r)
	}
}

func writeJson(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var notFound *aimaerrors.ErrNotFound
	var invalid *aimaerrors.ErrInvalidDescriptor
	var exists *aimaerrors.ErrAlreadyExists
	switch {
	case errors.As(err, &notFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &invalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &exists):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
