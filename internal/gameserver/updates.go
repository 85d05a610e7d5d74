package gameserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// UpdateConfig configures the feedback ingest listener.
type UpdateConfig struct {
	Port int
	// Token guards POST /npc/update (Authorization: Bearer) and
	// /npc/stream (?token=). Empty disables auth.
	Token string
}

// Ingestor consumes raw feedback text. *Adapter is the production
// implementation.
type Ingestor interface {
	IngestFeedback(text string) int
}

// updatePayload is the accepted request body: a single feedback blob, a
// batch of combat log lines, or both.
type updatePayload struct {
	RCONFeedback string   `json:"rconFeedback,omitempty"`
	CombatLog    []string `json:"combatLog,omitempty"`
}

// UpdateServer receives game-side feedback pushed over HTTP or WebSocket,
// for plugins that report combat without waiting to be polled.
type UpdateServer struct {
	cfg    UpdateConfig
	sink   Ingestor
	logger *slog.Logger
	srv    *http.Server
}

// NewUpdateServer wires the ingest listener to a feedback sink.
func NewUpdateServer(cfg UpdateConfig, sink Ingestor, logger *slog.Logger) *UpdateServer {
	if logger == nil {
		logger = slog.Default()
	}
	u := &UpdateServer{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With("component", "updates"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/npc/update", u.handleUpdate)
	mux.HandleFunc("/npc/stream", u.handleStream)
	u.srv = &http.Server{
		Addr:         net.JoinHostPort("", strconv.Itoa(cfg.Port)),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return u
}

// Start serves until ctx is canceled or the listener fails.
func (u *UpdateServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		u.logger.Info("update server listening", "addr", u.srv.Addr)
		if err := u.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("update server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return u.srv.Shutdown(shutdownCtx)
	}
}

func (u *UpdateServer) authorized(r *http.Request) bool {
	if u.cfg.Token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		token = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(u.cfg.Token)) == 1
}

func (u *UpdateServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if !u.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var payload updatePayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	requestID := uuid.NewString()
	accepted := u.ingest(payload)
	u.logger.Debug("update ingested", "request", requestID, "accepted", accepted)
	writeJSON(w, http.StatusOK, map[string]any{"requestId": requestID, "accepted": accepted})
}

func (u *UpdateServer) ingest(payload updatePayload) int {
	accepted := 0
	if payload.RCONFeedback != "" {
		accepted += u.sink.IngestFeedback(payload.RCONFeedback)
	}
	for _, line := range payload.CombatLog {
		accepted += u.sink.IngestFeedback(line)
	}
	return accepted
}

func (u *UpdateServer) handleStream(w http.ResponseWriter, r *http.Request) {
	if !u.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		u.logger.Warn("stream upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	u.logger.Info("feedback stream connected", "remote", r.RemoteAddr)
	for {
		var payload updatePayload
		if err := wsjson.Read(ctx, conn, &payload); err != nil {
			u.logger.Debug("feedback stream closed", "error", err)
			return
		}
		accepted := u.ingest(payload)
		if err := wsjson.Write(ctx, conn, map[string]any{"type": "ack", "accepted": accepted}); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("encode response", "error", err)
	}
}
