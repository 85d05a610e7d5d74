package gameserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// recordingSink counts every line it is fed as one accepted signal.
type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordingSink) IngestFeedback(text string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, text)
	return 1
}

func (s *recordingSink) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func newTestUpdateServer(t *testing.T, token string) (*httptest.Server, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	u := NewUpdateServer(UpdateConfig{Token: token}, sink, testLogger())
	ts := httptest.NewServer(u.srv.Handler)
	t.Cleanup(ts.Close)
	return ts, sink
}

func postUpdate(t *testing.T, url, bearer, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post update: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUpdateEndpointIngests(t *testing.T) {
	ts, sink := newTestUpdateServer(t, "")

	body := `{"rconFeedback":"Grunt hits Scout-1 for 12.5 damage","combatLog":["Scout-1 dodges an attack from Grunt","Grunt was defeated by Scout-1"]}`
	resp := postUpdate(t, ts.URL+"/npc/update", "", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		RequestID string `json:"requestId"`
		Accepted  int    `json:"accepted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.RequestID == "" {
		t.Error("expected a request id")
	}
	if out.Accepted != 3 {
		t.Errorf("accepted = %d, want 3", out.Accepted)
	}

	lines := sink.seen()
	if len(lines) != 3 {
		t.Fatalf("sink saw %d lines, want 3", len(lines))
	}
	if lines[0] != "Grunt hits Scout-1 for 12.5 damage" {
		t.Errorf("first line = %q, want the rconFeedback blob first", lines[0])
	}
}

func TestUpdateEndpointRejectsBadRequests(t *testing.T) {
	ts, sink := newTestUpdateServer(t, "")

	resp, err := http.Get(ts.URL + "/npc/update")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", resp.StatusCode)
	}

	resp = postUpdate(t, ts.URL+"/npc/update", "", "not json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", resp.StatusCode)
	}

	if len(sink.seen()) != 0 {
		t.Error("rejected requests must not reach the sink")
	}
}

func TestUpdateEndpointAuth(t *testing.T) {
	ts, sink := newTestUpdateServer(t, "sekrit")

	resp := postUpdate(t, ts.URL+"/npc/update", "", `{"rconFeedback":"x takes 1 damage"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", resp.StatusCode)
	}

	resp = postUpdate(t, ts.URL+"/npc/update", "wrong", `{"rconFeedback":"x takes 1 damage"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", resp.StatusCode)
	}
	if len(sink.seen()) != 0 {
		t.Fatal("unauthorized requests must not reach the sink")
	}

	resp = postUpdate(t, ts.URL+"/npc/update", "sekrit", `{"rconFeedback":"x takes 1 damage"}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("bearer status = %d, want 200", resp.StatusCode)
	}

	// Query-string token is the fallback for clients that cannot set headers.
	resp = postUpdate(t, ts.URL+"/npc/update?token=sekrit", "", `{"rconFeedback":"y takes 2 damage"}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("query token status = %d, want 200", resp.StatusCode)
	}
	if len(sink.seen()) != 2 {
		t.Errorf("sink saw %d lines, want 2", len(sink.seen()))
	}
}

func dialStream(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/npc/stream" + query
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestStreamAcksEachPayload(t *testing.T) {
	ts, sink := newTestUpdateServer(t, "")
	conn := dialStream(t, ts, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payloads := []updatePayload{
		{RCONFeedback: "Grunt hits Scout-1 for 3 damage"},
		{CombatLog: []string{"Scout-1 heals 5 hp", "Scout-1 dodges an attack from Grunt"}},
	}
	wantAccepted := []int{1, 2}

	for i, payload := range payloads {
		if err := wsjson.Write(ctx, conn, payload); err != nil {
			t.Fatalf("write payload %d: %v", i, err)
		}
		var ack struct {
			Type     string `json:"type"`
			Accepted int    `json:"accepted"`
		}
		if err := wsjson.Read(ctx, conn, &ack); err != nil {
			t.Fatalf("read ack %d: %v", i, err)
		}
		if ack.Type != "ack" {
			t.Errorf("ack %d type = %q, want ack", i, ack.Type)
		}
		if ack.Accepted != wantAccepted[i] {
			t.Errorf("ack %d accepted = %d, want %d", i, ack.Accepted, wantAccepted[i])
		}
	}

	if got := len(sink.seen()); got != 3 {
		t.Errorf("sink saw %d lines, want 3", got)
	}
}

func TestStreamRequiresToken(t *testing.T) {
	ts, _ := newTestUpdateServer(t, "sekrit")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/npc/stream"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if conn, _, err := websocket.Dial(ctx, url, nil); err == nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.Fatal("dial without token should fail")
	}

	conn := dialStream(t, ts, "?token=sekrit")
	if err := wsjson.Write(ctx, conn, updatePayload{RCONFeedback: "x takes 1 damage"}); err != nil {
		t.Fatalf("write after auth: %v", err)
	}
	var ack struct {
		Accepted int `json:"accepted"`
	}
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Accepted != 1 {
		t.Errorf("accepted = %d, want 1", ack.Accepted)
	}
}
