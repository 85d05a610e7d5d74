package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/botherd/botherd/internal/microcore"
	"github.com/botherd/botherd/internal/registry"
	"github.com/botherd/botherd/internal/supervisor"
)

// fleetBot is one entry of GET /api/bots: the registry record plus the
// live tick-loop status when the bot has a running core.
type fleetBot struct {
	registry.Bot
	Runtime *microcore.Status `json:"runtime,omitempty"`
}

// statusView is the shape of GET /api/status.
type statusView struct {
	Version       string                 `json:"version"`
	UptimeSeconds int64                  `json:"uptimeSeconds"`
	Fleet         supervisor.FleetStatus `json:"fleet"`
	Adapter       *adapterView           `json:"adapter,omitempty"`
}

type adapterView struct {
	State     string `json:"state"`
	Connected bool   `json:"connected"`
}

// Client is a thin wrapper over the botherd admin API.
type Client struct {
	base   string
	apiKey string
	http   *http.Client
}

func NewClient(base, apiKey string) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Bots(ctx context.Context) ([]fleetBot, error) {
	var bots []fleetBot
	if err := c.get(ctx, "/api/bots", &bots); err != nil {
		return nil, err
	}
	return bots, nil
}

func (c *Client) Status(ctx context.Context) (statusView, error) {
	var st statusView
	err := c.get(ctx, "/api/status", &st)
	return st, err
}

// SendCommand runs a raw game command as the given bot and returns the
// game server's response line.
func (c *Client) SendCommand(ctx context.Context, botID, command string) (string, error) {
	body, err := json.Marshal(map[string]string{"command": command})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/api/bots/"+botID+"/command", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apiError(resp)
	}
	var out struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Response, nil
}

func (c *Client) get(ctx context.Context, path string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}

// apiError turns a non-200 response into an error carrying the server's
// message when it sent one.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("HTTP %d", resp.StatusCode)
}
