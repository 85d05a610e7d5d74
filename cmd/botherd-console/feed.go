package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/coder/websocket"

	"github.com/botherd/botherd/internal/gameserver"
)

// Messages delivered to the TUI from the feed goroutine.

type feedStatusMsg struct {
	connected bool
	err       error
}

type combatEventsMsg struct {
	events []gameserver.CombatEvent
}

type combatUpdateMsg struct {
	entityID string
	state    gameserver.Combatant
}

type combatSnapshotMsg struct {
	count int
}

// feedReader keeps one WebSocket subscription to the daemon's push channel
// alive, reconnecting with backoff, and forwards decoded frames to the TUI.
type feedReader struct {
	url    string
	send   func(tea.Msg)
	logger *slog.Logger
}

func newFeedReader(url string, send func(tea.Msg), logger *slog.Logger) *feedReader {
	return &feedReader{url: url, send: send, logger: logger.With("component", "feed")}
}

const maxFeedBackoff = 30 * time.Second

func (f *feedReader) run(ctx context.Context) {
	backoff := time.Second
	for {
		dialed, err := f.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		if dialed {
			backoff = time.Second
		}
		if err != nil {
			f.send(feedStatusMsg{err: err})
			f.logger.Warn("push feed dropped", "error", err, "retryIn", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < maxFeedBackoff {
			backoff *= 2
		}
	}
}

// consume dials the push endpoint and reads frames until the connection
// drops. The bool reports whether the dial itself succeeded.
func (f *feedReader) consume(ctx context.Context) (bool, error) {
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial push feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "console closing")

	f.send(feedStatusMsg{connected: true})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}
		f.dispatch(data)
	}
}

func (f *feedReader) dispatch(data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		f.logger.Debug("unparseable push frame", "error", err)
		return
	}

	switch head.Type {
	case "hello":
		// Connection already reported on dial.

	case "combat_events":
		var frame struct {
			Events []gameserver.CombatEvent `json:"events"`
		}
		if json.Unmarshal(data, &frame) == nil && len(frame.Events) > 0 {
			f.send(combatEventsMsg{events: frame.Events})
		}

	case "combat_update":
		var frame struct {
			EntityID string               `json:"entityId"`
			State    gameserver.Combatant `json:"state"`
		}
		if json.Unmarshal(data, &frame) == nil {
			f.send(combatUpdateMsg{entityID: frame.EntityID, state: frame.State})
		}

	case "combat_snapshot":
		var frame struct {
			State map[string]gameserver.Combatant `json:"state"`
		}
		if json.Unmarshal(data, &frame) == nil {
			f.send(combatSnapshotMsg{count: len(frame.State)})
		}
	}
}
