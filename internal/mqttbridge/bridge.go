// Package mqttbridge mirrors herd activity onto an MQTT broker and feeds
// broker traffic back into the combat parser. The bridge is optional: the
// herd runs fine without a broker, this only widens the audience.
package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/botherd/botherd/internal/events"
)

const (
	statusTopicFmt = "botherd/bots/%s/status" // per-bot lifecycle and tick status
	combatTopic    = "botherd/combat/events"  // combat feed
	feedbackTopic  = "botherd/feedback"       // inbound lines for the parser
)

// Ingestor feeds raw feedback lines into the combat parser.
type Ingestor interface {
	IngestFeedback(text string) int
}

// Config holds broker connection settings.
type Config struct {
	Enabled  bool   `json:"enabled"`
	Broker   string `json:"broker"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"` // env only, never persisted
	ClientID string `json:"clientId,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 1883
	}
	if c.ClientID == "" {
		c.ClientID = fmt.Sprintf("botherd-%d", time.Now().Unix())
	}
	return c
}

type outMsg struct {
	topic   string
	payload []byte
}

// Bridge connects the event bus to an MQTT broker: bot status and combat
// events go out, feedback lines come in.
type Bridge struct {
	cfg      Config
	logger   *slog.Logger
	ingestor Ingestor
	bus      *events.Bus

	clientFactory func(opts *mqtt.ClientOptions) Client

	client Client
	outbox chan outMsg
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a bridge speaking to a real broker.
func New(cfg Config, ingestor Ingestor, bus *events.Bus, logger *slog.Logger) *Bridge {
	return NewWithClient(cfg, ingestor, bus, logger, func(opts *mqtt.ClientOptions) Client {
		return &pahoClient{client: mqtt.NewClient(opts)}
	})
}

// NewWithClient creates a bridge with a custom client factory (for testing).
func NewWithClient(cfg Config, ingestor Ingestor, bus *events.Bus, logger *slog.Logger, factory func(*mqtt.ClientOptions) Client) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:           cfg.withDefaults(),
		logger:        logger.With("component", "mqttbridge"),
		ingestor:      ingestor,
		bus:           bus,
		clientFactory: factory,
		outbox:        make(chan outMsg, 256),
	}
}

// Start connects to the broker, wires the event bus into the outbox, and
// subscribes to the feedback topic.
func (b *Bridge) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", b.cfg.Broker, b.cfg.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(b.cfg.ClientID)

	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Warn("mqtt connection lost", "error", err)
	})

	// Sessions are clean, so the feedback subscription must be renewed on
	// every (re)connect.
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		b.logger.Info("mqtt connected")
		if err := b.subscribeFeedback(); err != nil {
			b.logger.Error("failed to subscribe", "error", err)
		}
	})

	b.client = b.clientFactory(opts)

	b.logger.Info("connecting to mqtt broker", "broker", brokerURL)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqttbridge: connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqttbridge: connect: %w", err)
	}

	b.wg.Add(1)
	go b.pump()

	if b.bus != nil {
		b.unsub = b.bus.Subscribe([]string{
			events.TypeBotStatus,
			events.TypeBotSpawned,
			events.TypeBotDespawned,
			events.TypeCombatEvent,
		}, b.forward, false)
	}

	b.logger.Info("mqtt bridge started")
	return nil
}

// Stop detaches from the bus, drains the pump, and closes the broker session.
func (b *Bridge) Stop() error {
	b.logger.Info("stopping mqtt bridge")

	if b.unsub != nil {
		b.unsub()
		b.unsub = nil
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()

	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
	return nil
}

// Connected reports whether the broker session is up.
func (b *Bridge) Connected() bool {
	return b.client != nil && b.client.IsConnected()
}

// forward runs on the bus dispatch goroutine, so it only classifies the
// event and enqueues it; the pump does the actual (blocking) publish.
func (b *Bridge) forward(evt events.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("marshal event", "type", evt.Type, "error", err)
		return
	}

	topic := combatTopic
	if evt.Type != events.TypeCombatEvent {
		id := botIDFromEnvelope(payload)
		if id == "" {
			b.logger.Debug("status event without bot id, skipping", "type", evt.Type)
			return
		}
		topic = fmt.Sprintf(statusTopicFmt, id)
	}

	select {
	case b.outbox <- outMsg{topic: topic, payload: payload}:
	default:
		b.logger.Warn("outbox full, dropping message", "topic", topic)
	}
}

func (b *Bridge) pump() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case out := <-b.outbox:
			b.deliver(out)
		}
	}
}

// deliver publishes one message with QoS 1 (at least once delivery).
func (b *Bridge) deliver(out outMsg) {
	if !b.client.IsConnected() {
		b.logger.Debug("broker offline, dropping message", "topic", out.topic)
		return
	}

	token := b.client.Publish(out.topic, 1, false, out.payload)
	if !token.WaitTimeout(5 * time.Second) {
		b.logger.Warn("publish timeout", "topic", out.topic)
		return
	}
	if err := token.Error(); err != nil {
		b.logger.Warn("publish failed", "topic", out.topic, "error", err)
		return
	}

	b.logger.Debug("message published", "topic", out.topic, "size", len(out.payload))
}

func (b *Bridge) subscribeFeedback() error {
	if b.ingestor == nil {
		return nil
	}

	token := b.client.Subscribe(feedbackTopic, 1, b.handleFeedback)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqttbridge: subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqttbridge: subscribe to %s: %w", feedbackTopic, err)
	}

	b.logger.Info("subscribed", "topic", feedbackTopic)
	return nil
}

// handleFeedback runs broker-delivered lines through the combat parser.
func (b *Bridge) handleFeedback(_ mqtt.Client, msg mqtt.Message) {
	text := strings.TrimSpace(string(msg.Payload()))
	if text == "" {
		return
	}

	signals := b.ingestor.IngestFeedback(text)
	b.logger.Debug("feedback ingested", "topic", msg.Topic(), "signals", signals)
}

// botIDFromEnvelope pulls the bot id out of a marshaled event. Every
// status-bearing payload shares the botId field.
func botIDFromEnvelope(payload []byte) string {
	var probe struct {
		Data struct {
			BotID string `json:"botId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.Data.BotID
}
