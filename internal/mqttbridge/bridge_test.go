package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/botherd/botherd/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mu          sync.Mutex
	connected   bool
	connectErr  error
	connectHang bool
	messages    []published
	subs        map[string]mqtt.MessageHandler
}

func (c *fakeClient) Connect() mqtt.Token {
	if c.connectErr != nil {
		return &fakeToken{err: c.connectErr}
	}
	if c.connectHang {
		return &fakeToken{timeout: true}
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, _ := payload.([]byte)
	c.messages = append(c.messages, published{
		topic:   topic,
		qos:     qos,
		payload: append([]byte(nil), raw...),
	})
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		c.subs = make(map[string]mqtt.MessageHandler)
	}
	c.subs[topic] = cb
	return &fakeToken{}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *fakeClient) publishedTo(topic string) []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []published
	for _, m := range c.messages {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeClient) publishCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *fakeClient) handlerFor(topic string) mqtt.MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[topic]
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type fakeIngestor struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakeIngestor) IngestFeedback(text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, text)
	return 1
}

func (f *fakeIngestor) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.lines...)
}

func newTestBridge(t *testing.T, ingestor Ingestor) (*Bridge, *fakeClient, *events.Bus, *mqtt.ClientOptions) {
	t.Helper()

	client := &fakeClient{}
	var captured *mqtt.ClientOptions
	bus := events.NewBus(testLogger())

	bridge := NewWithClient(Config{Broker: "localhost"}, ingestor, bus, testLogger(),
		func(opts *mqtt.ClientOptions) Client {
			captured = opts
			return client
		})

	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { _ = bridge.Stop() })

	return bridge, client, bus, captured
}

type tickStatus struct {
	BotID string `json:"botId"`
	State string `json:"state"`
}

func TestBridgeStartAndStop(t *testing.T) {
	bridge, client, bus, _ := newTestBridge(t, nil)

	if !bridge.Connected() {
		t.Error("bridge should report connected after Start")
	}
	if bus.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount = %d, want 1", bus.SubscriberCount())
	}

	if err := bridge.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if client.IsConnected() {
		t.Error("client should be disconnected after Stop")
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount after Stop = %d, want 0", bus.SubscriberCount())
	}
}

func TestBridgeConnectFailure(t *testing.T) {
	client := &fakeClient{connectErr: fmt.Errorf("connection refused")}
	bridge := NewWithClient(Config{Broker: "localhost"}, nil, events.NewBus(testLogger()), testLogger(),
		func(*mqtt.ClientOptions) Client { return client })

	if err := bridge.Start(context.Background()); err == nil {
		t.Fatal("Start should fail when the broker refuses the connection")
	}
}

func TestBridgeConnectTimeout(t *testing.T) {
	client := &fakeClient{connectHang: true}
	bridge := NewWithClient(Config{Broker: "localhost"}, nil, events.NewBus(testLogger()), testLogger(),
		func(*mqtt.ClientOptions) Client { return client })

	err := bridge.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("Start() = %v, want connection timeout", err)
	}
}

func TestBridgeForwardsBotStatusToPerBotTopic(t *testing.T) {
	_, client, bus, _ := newTestBridge(t, nil)

	bus.Emit(events.TypeBotStatus, tickStatus{BotID: "miner_01", State: "working"})

	waitFor(t, 2*time.Second, func() bool {
		return len(client.publishedTo("botherd/bots/miner_01/status")) == 1
	})

	msg := client.publishedTo("botherd/bots/miner_01/status")[0]
	if msg.qos != 1 {
		t.Errorf("qos = %d, want 1", msg.qos)
	}

	var envelope struct {
		Type string `json:"type"`
		Data tickStatus
	}
	if err := json.Unmarshal(msg.payload, &envelope); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if envelope.Type != events.TypeBotStatus {
		t.Errorf("envelope type = %q, want %q", envelope.Type, events.TypeBotStatus)
	}
	if envelope.Data.State != "working" {
		t.Errorf("envelope state = %q, want working", envelope.Data.State)
	}
}

func TestBridgeForwardsLifecycleEvents(t *testing.T) {
	_, client, bus, _ := newTestBridge(t, nil)

	bus.Emit(events.TypeBotSpawned, tickStatus{BotID: "guard_02"})
	bus.Emit(events.TypeBotDespawned, tickStatus{BotID: "guard_02"})

	waitFor(t, 2*time.Second, func() bool {
		return len(client.publishedTo("botherd/bots/guard_02/status")) == 2
	})
}

func TestBridgeForwardsCombatEvents(t *testing.T) {
	_, client, bus, _ := newTestBridge(t, nil)

	bus.Emit(events.TypeCombatEvent, map[string]any{
		"type":   "attack",
		"source": "zombie_03",
		"target": "miner_01",
	})

	waitFor(t, 2*time.Second, func() bool {
		return len(client.publishedTo(combatTopic)) == 1
	})

	msg := client.publishedTo(combatTopic)[0]
	if msg.qos != 1 {
		t.Errorf("qos = %d, want 1", msg.qos)
	}
}

func TestBridgeSkipsStatusWithoutBotID(t *testing.T) {
	_, client, bus, _ := newTestBridge(t, nil)

	bus.Emit(events.TypeBotStatus, map[string]any{"state": "working"})

	time.Sleep(50 * time.Millisecond)
	if n := client.publishCount(); n != 0 {
		t.Errorf("published %d messages, want 0 for payloads without a bot id", n)
	}
}

func TestBridgeDropsWhenBrokerOffline(t *testing.T) {
	_, client, bus, _ := newTestBridge(t, nil)

	client.setConnected(false)
	bus.Emit(events.TypeBotStatus, tickStatus{BotID: "miner_01"})

	time.Sleep(50 * time.Millisecond)
	if n := client.publishCount(); n != 0 {
		t.Errorf("published %d messages while offline, want 0", n)
	}
}

func TestBridgeFeedbackIngestion(t *testing.T) {
	ingestor := &fakeIngestor{}
	_, client, _, opts := newTestBridge(t, ingestor)

	// The subscription is made from the on-connect hook, which only the
	// real paho client invokes.
	opts.OnConnect(nil)

	handler := client.handlerFor(feedbackTopic)
	if handler == nil {
		t.Fatal("bridge did not subscribe to the feedback topic")
	}

	handler(nil, &fakeMessage{topic: feedbackTopic, payload: []byte("zombie hits miner_01 for 3 damage\n")})
	handler(nil, &fakeMessage{topic: feedbackTopic, payload: []byte("   ")})

	got := ingestor.received()
	if len(got) != 1 {
		t.Fatalf("ingested %d lines, want 1 (blank dropped)", len(got))
	}
	if got[0] != "zombie hits miner_01 for 3 damage" {
		t.Errorf("ingested %q, want trimmed feedback line", got[0])
	}
}

func TestBridgeNoIngestorSkipsSubscription(t *testing.T) {
	_, client, _, opts := newTestBridge(t, nil)

	opts.OnConnect(nil)

	if client.handlerFor(feedbackTopic) != nil {
		t.Error("bridge without an ingestor should not subscribe to feedback")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Broker: "localhost"}.withDefaults()

	if cfg.Port != 1883 {
		t.Errorf("Port = %d, want 1883", cfg.Port)
	}
	if !strings.HasPrefix(cfg.ClientID, "botherd-") {
		t.Errorf("ClientID = %q, want botherd- prefix", cfg.ClientID)
	}
}
