// Package push fans combat traffic out to WebSocket clients. A client gets a
// hello frame on connect, may narrow its feed with a subscribe message, and
// can ping for liveness; malformed input earns an error frame, never a
// disconnect.
package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/botherd/botherd/internal/events"
	"github.com/botherd/botherd/internal/gameserver"
	"github.com/botherd/botherd/internal/security"
)

// Frame type names on the wire.
const (
	frameHello      = "hello"
	frameSubscribed = "subscribed"
	framePong       = "pong"
	frameError      = "error"

	FrameCombatSnapshot = "combat_snapshot"
	FrameCombatEvents   = "combat_events"
	FrameCombatUpdate   = "combat_update"
)

const defaultWriteTimeout = 5 * time.Second

// ClientMessage is the JSON structure clients send: a subscription update or
// a ping.
type ClientMessage struct {
	Type   string   `json:"type"`
	Events []string `json:"events,omitempty"`
}

type helloFrame struct {
	Type string `json:"type"`
	At   int64  `json:"at"`
}

type subscribedFrame struct {
	Type   string   `json:"type"`
	Events []string `json:"events"`
}

type pongFrame struct {
	Type string `json:"type"`
	At   int64  `json:"at"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type snapshotFrame struct {
	Type  string                          `json:"type"`
	At    int64                           `json:"at"`
	State map[string]gameserver.Combatant `json:"state"`
}

type eventsFrame struct {
	Type   string                   `json:"type"`
	Events []gameserver.CombatEvent `json:"events"`
}

type updateFrame struct {
	Type     string               `json:"type"`
	EntityID string               `json:"entityId"`
	State    gameserver.Combatant `json:"state"`
}

// client is one connected push consumer.
type client struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	types  map[string]struct{} // empty means every frame type
	closed bool

	writeMu sync.Mutex // one frame on the wire at a time
}

func (c *client) matches(frameType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.types) == 0 {
		return true
	}
	_, ok := c.types[frameType]
	return ok
}

func (c *client) setTypes(list []string) {
	set := make(map[string]struct{}, len(list))
	for _, t := range list {
		set[t] = struct{}{}
	}
	c.mu.Lock()
	c.types = set
	c.mu.Unlock()
}

func (c *client) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Config tunes the hub.
type Config struct {
	// JWTSecret guards the upgrade via ?token=. Nil disables auth (dev mode).
	JWTSecret []byte
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
}

// Hub owns the connected push clients and the bus bridge feeding them.
type Hub struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub creates an empty hub.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger.With("component", "push"),
		clients: make(map[string]*client),
	}
}

// Attach bridges bus combat traffic onto the push channel. The returned
// function unsubscribes.
func (h *Hub) Attach(bus *events.Bus) func() {
	return bus.Subscribe([]string{
		events.TypeCombatSnapshot,
		events.TypeCombatEvent,
		events.TypeCombatUpdate,
	}, h.forward, false)
}

func (h *Hub) forward(evt events.Event) {
	switch evt.Type {
	case events.TypeCombatSnapshot:
		state, ok := evt.Data.(map[string]gameserver.Combatant)
		if !ok {
			return
		}
		h.Broadcast(FrameCombatSnapshot, snapshotFrame{
			Type:  FrameCombatSnapshot,
			At:    evt.At.UnixMilli(),
			State: state,
		})
	case events.TypeCombatEvent:
		ce, ok := evt.Data.(gameserver.CombatEvent)
		if !ok {
			return
		}
		h.Broadcast(FrameCombatEvents, eventsFrame{
			Type:   FrameCombatEvents,
			Events: []gameserver.CombatEvent{ce},
		})
	case events.TypeCombatUpdate:
		cu, ok := evt.Data.(gameserver.CombatUpdate)
		if !ok {
			return
		}
		h.Broadcast(FrameCombatUpdate, updateFrame{
			Type:     FrameCombatUpdate,
			EntityID: cu.EntityID,
			State:    cu.State,
		})
	}
}

// ServeHTTP authenticates the upgrade, greets the client, and runs its read
// loop until disconnect.
//
// Flow:
//  1. Validate ?token= against the JWT secret (skipped when nil — dev mode).
//  2. Accept the WebSocket upgrade and register the client.
//  3. Send {type:"hello", at:<ms>}.
//  4. Read loop: "subscribe" → echo "subscribed"; "ping" → "pong"; anything
//     else (including non-JSON) → error frame, connection stays open.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.cfg.JWTSecret != nil {
		tokenStr := r.URL.Query().Get("token")
		if tokenStr == "" {
			http.Error(w, `{"error":"missing token"}`, http.StatusUnauthorized)
			return
		}
		if _, err := security.ValidateToken(tokenStr, h.cfg.JWTSecret); err != nil {
			http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
			return
		}
	} else {
		h.logger.Warn("JWT auth disabled (dev mode) — accepting unauthenticated push client")
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // accept any Origin for dev convenience
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn}
	h.register(c)
	defer h.drop(c)
	defer conn.Close(websocket.StatusNormalClosure, "session ended")

	h.logger.Info("push client connected", "client", c.id, "remote", r.RemoteAddr)

	if err := h.send(c, helloFrame{Type: frameHello, At: time.Now().UnixMilli()}); err != nil {
		return
	}

	for {
		// Raw read + manual unmarshal: wsjson.Read closes the connection on
		// bad JSON, and malformed input must only earn an error frame.
		_, data, err := conn.Read(r.Context())
		if err != nil {
			h.logger.Debug("push read ended", "client", c.id, "error", err)
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.send(c, errorFrame{Type: frameError, Error: "invalid JSON payload"})
			continue
		}

		switch msg.Type {
		case "subscribe":
			if msg.Events == nil {
				msg.Events = []string{}
			}
			c.setTypes(msg.Events)
			h.send(c, subscribedFrame{Type: frameSubscribed, Events: msg.Events})

		case "ping":
			h.send(c, pongFrame{Type: framePong, At: time.Now().UnixMilli()})

		default:
			h.send(c, errorFrame{Type: frameError, Error: "unknown message type: " + msg.Type})
		}
	}
}

// Broadcast sends a frame to every client whose subscription set is empty or
// contains frameType. Clients that fail the write are dropped; a client
// closed mid-iteration is skipped. Returns the number of clients written.
func (h *Hub) Broadcast(frameType string, frame any) int {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.isClosed() || !c.matches(frameType) {
			continue
		}
		if err := h.send(c, frame); err != nil {
			h.logger.Debug("push write failed, dropping client", "client", c.id, "error", err)
			h.drop(c)
			continue
		}
		sent++
	}
	return sent
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown disconnects every client.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.markClosed()
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	if len(clients) > 0 {
		h.logger.Info("push clients disconnected", "count", len(clients))
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) drop(c *client) {
	c.markClosed()
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
}

// send writes one frame with the configured timeout; writes to the same
// client are serialized.
func (h *Hub) send(c *client, frame any) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.conn, frame)
}
