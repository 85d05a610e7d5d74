// Package api is the admin HTTP surface: fleet CRUD, raw command submission,
// dead-letter management, status/metrics, and the push-channel upgrade.
// Every /api route sits behind the API-key/JWT middleware; the push upgrade
// authenticates itself via query token.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/botherd/botherd/internal/gameserver"
	"github.com/botherd/botherd/internal/maintenance"
	"github.com/botherd/botherd/internal/microcore"
	"github.com/botherd/botherd/internal/registry"
	"github.com/botherd/botherd/internal/security"
	"github.com/botherd/botherd/internal/supervisor"
)

// Version is reported by /api/status.
const Version = "0.1.0"

// Game is the slice of the adapter the API needs. Production passes
// *gameserver.Adapter; tests substitute fakes.
type Game interface {
	Connected() bool
	State() gameserver.State
	SendCommand(ctx context.Context, command string) (string, error)
	Metrics() gameserver.Metrics
}

// Config holds the API server knobs.
type Config struct {
	Port int
	// APIKey is the shared secret accepted in X-API-Key.
	APIKey string
	// JWTSecret enables bearer-token auth when set.
	JWTSecret []byte
	// AllowedCommands is the verb allowlist for the raw command endpoint.
	// Nil defaults to allowing every verb.
	AllowedCommands []string
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = 8420
	}
	if c.AllowedCommands == nil {
		c.AllowedCommands = []string{"*"}
	}
	return c
}

// Server is the HTTP API server.
type Server struct {
	cfg        Config
	super      *supervisor.Supervisor
	registry   *registry.Registry
	cores      *microcore.Manager
	adapter    Game
	jobs       *maintenance.Scheduler
	hub        http.Handler
	logger     *slog.Logger
	httpServer *http.Server
	started    time.Time
}

// NewServer creates a new API server. adapter, jobs, and hub may be nil;
// the routes that need them answer 503 (or are not mounted, for the hub).
func NewServer(
	cfg Config,
	super *supervisor.Supervisor,
	reg *registry.Registry,
	cores *microcore.Manager,
	adapter Game,
	jobs *maintenance.Scheduler,
	hub http.Handler,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg.withDefaults(),
		super:    super,
		registry: reg,
		cores:    cores,
		adapter:  adapter,
		jobs:     jobs,
		hub:      hub,
		logger:   logger.With("component", "api"),
		started:  time.Now(),
	}
}

// routes builds the handler stack. The push upgrade bypasses the header
// middleware because browsers cannot set headers on a WebSocket dial; the
// hub checks its own ?token= instead.
func (s *Server) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/api/bots", s.handleBots)
	api.HandleFunc("/api/bots/", s.handleBotDetail)
	api.HandleFunc("/api/teams/", s.handleSpawnTeam)
	api.HandleFunc("/api/deadletters", s.handleDeadLetters)
	api.HandleFunc("/api/deadletters/retry", s.handleRetryDeadLetters)
	api.HandleFunc("/api/status", s.handleStatus)
	api.HandleFunc("/api/metrics", s.handleMetrics)
	api.HandleFunc("/api/maintenance", s.handleMaintenance)
	api.HandleFunc("/api/llm/command", s.handleLLMCommand)

	auth := security.AuthMiddleware(s.cfg.APIKey, s.cfg.JWTSecret)

	root := http.NewServeMux()
	root.Handle("/api/", auth(s.rbacMiddleware(api)))
	if s.hub != nil {
		root.Handle("/ws", s.hub)
	}

	return s.corsMiddleware(s.loggingMiddleware(root))
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "port", s.cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// rbacMiddleware enforces the method-aware permission table. Requests
// without claims pass through (dev mode, no credentials configured).
func (s *Server) rbacMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := security.GetClaims(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		if !security.CheckPermission(claims.Role, r.Method, r.URL.Path) {
			s.respondError(w, http.StatusForbidden, "insufficient role")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// respondJSON writes a JSON response with the given status.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON", "error", err)
	}
}

// respondError writes a JSON error body.
func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}
