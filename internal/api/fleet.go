package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/botherd/botherd/internal/roles"
	"github.com/botherd/botherd/internal/supervisor"
)

// handleSpawnTeam expands a team preset: POST /api/teams/{preset}.
func (s *Server) handleSpawnTeam(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	preset := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/teams/"), "/")
	if preset == "" {
		s.respondError(w, http.StatusBadRequest, "team preset required")
		return
	}

	// The body is optional; an empty one takes the preset defaults.
	var opts supervisor.TeamOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	res, err := s.super.SpawnTeam(r.Context(), preset, opts)
	if err != nil {
		switch {
		case errors.Is(err, roles.ErrUnknownPreset):
			s.respondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, supervisor.ErrSpawnLimit):
			s.respondError(w, http.StatusConflict, err.Error())
		default:
			s.respondError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

// handleDeadLetters lists the parked spawn failures.
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.respondJSON(w, http.StatusOK, s.super.DeadLetters())
}

// handleRetryDeadLetters drains the queue into fresh spawn attempts.
func (s *Server) handleRetryDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var opts supervisor.RetryOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, s.super.RetryDeadLetterQueue(r.Context(), opts))
}

// handleStatus returns the fleet and adapter summary.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := map[string]any{
		"version":       Version,
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
		"fleet":         s.super.Status(),
	}
	if s.adapter != nil {
		status["adapter"] = map[string]any{
			"state":     s.adapter.State(),
			"connected": s.adapter.Connected(),
		}
	}
	if s.jobs != nil {
		status["maintenance"] = s.jobs.Stats()
	}
	s.respondJSON(w, http.StatusOK, status)
}

// handleMetrics returns the adapter counter snapshot.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.adapter == nil {
		s.respondError(w, http.StatusServiceUnavailable, "game adapter not configured")
		return
	}
	s.respondJSON(w, http.StatusOK, s.adapter.Metrics())
}

// handleMaintenance exposes the job table and run counters.
func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.jobs == nil {
		s.respondError(w, http.StatusServiceUnavailable, "maintenance scheduler disabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"jobs":  s.jobs.ListJobs(),
		"stats": s.jobs.Stats(),
	})
}

// handleLLMCommand is a placeholder route; natural-language command routing
// is not part of this daemon.
func (s *Server) handleLLMCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.respondError(w, http.StatusNotImplemented, "llm command routing not implemented")
}
