package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/botherd/botherd/internal/gameserver"
	"github.com/botherd/botherd/internal/microcore"
	"github.com/botherd/botherd/internal/registry"
	"github.com/botherd/botherd/internal/security"
	"github.com/botherd/botherd/internal/supervisor"
)

// botView joins a registry identity with its live tick-loop status.
type botView struct {
	registry.Bot
	Runtime *microcore.Status `json:"runtime,omitempty"`
}

func (s *Server) view(bot registry.Bot) botView {
	v := botView{Bot: bot}
	if s.cores != nil {
		if st, ok := s.cores.Status(bot.ID); ok {
			v.Runtime = &st
		}
	}
	return v
}

// handleBots handles fleet listing and bot creation.
func (s *Server) handleBots(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		bots := s.registry.All()
		views := make([]botView, len(bots))
		for i, b := range bots {
			views[i] = s.view(b)
		}
		s.respondJSON(w, http.StatusOK, views)

	case http.MethodPost:
		var opts supervisor.SpawnOptions
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		bot, err := s.super.Spawn(r.Context(), opts)
		if err != nil {
			s.respondError(w, spawnErrorStatus(err), err.Error())
			return
		}
		if bot == nil {
			// World spawn failed after retries; the profile is parked.
			s.respondJSON(w, http.StatusAccepted, map[string]any{
				"message":      "world spawn failed; profile parked in the dead-letter queue",
				"deadLettered": true,
			})
			return
		}
		s.respondJSON(w, http.StatusCreated, s.view(*bot))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleBotDetail handles individual bot operations:
// GET /api/bots/{id}, DELETE /api/bots/{id}, POST /api/bots/{id}/command.
func (s *Server) handleBotDetail(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/bots/")
	parts := strings.Split(path, "/")

	botID := parts[0]
	if botID == "" {
		s.respondError(w, http.StatusBadRequest, "bot id required")
		return
	}
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		bot, err := s.registry.Get(botID)
		if err != nil {
			s.respondError(w, http.StatusNotFound, "bot not found")
			return
		}
		s.respondJSON(w, http.StatusOK, s.view(bot))

	case action == "" && r.Method == http.MethodDelete:
		if err := s.super.Despawn(r.Context(), botID); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				s.respondError(w, http.StatusNotFound, "bot not found")
				return
			}
			s.respondError(w, http.StatusBadGateway, err.Error())
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]string{
			"message": "bot despawned",
			"id":      botID,
		})

	case action == "command" && r.Method == http.MethodPost:
		s.handleBotCommand(w, r, botID)

	default:
		s.respondError(w, http.StatusBadRequest, "invalid action or method")
	}
}

// handleBotCommand pushes a raw command through the adapter queue.
func (s *Server) handleBotCommand(w http.ResponseWriter, r *http.Request, botID string) {
	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		s.respondError(w, http.StatusBadRequest, "command required")
		return
	}

	if _, err := s.registry.Get(botID); err != nil {
		s.respondError(w, http.StatusNotFound, "bot not found")
		return
	}
	if err := security.ValidateGameCommand(req.Command, s.cfg.AllowedCommands); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.adapter == nil {
		s.respondError(w, http.StatusServiceUnavailable, "game adapter not configured")
		return
	}

	resp, err := s.adapter.SendCommand(r.Context(), req.Command)
	if err != nil {
		s.respondError(w, commandErrorStatus(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"botId":    botID,
		"command":  req.Command,
		"response": resp,
	})
}

// spawnErrorStatus maps supervisor spawn errors onto HTTP codes. Validation
// problems are the caller's fault; capacity rejections conflict with the
// current fleet; everything else is the control plane's problem.
func spawnErrorStatus(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrSpawnLimit):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func commandErrorStatus(err error) int {
	switch {
	case errors.Is(err, gameserver.ErrNotConnected), errors.Is(err, gameserver.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, gameserver.ErrCommandTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
