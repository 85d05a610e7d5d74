// Package gameserver adapts the game server's remote console into the
// fleet's command plane: a rate-limited single-flight command queue over an
// auto-reconnecting RCON connection, with every response fed through the
// combat feedback parser.
package gameserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/botherd/botherd/internal/events"
	"github.com/botherd/botherd/internal/persist"
	"github.com/botherd/botherd/internal/rcon"
)

// Connection states. Transitions are guarded by the adapter mutex; external
// callers observe them through State().
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
)

var (
	// ErrNotConnected rejects commands enqueued without a live connection.
	ErrNotConnected = errors.New("gameserver: not connected")
	// ErrClosed is returned once the adapter has been shut down.
	ErrClosed = errors.New("gameserver: adapter closed")
	// ErrCommandTimeout marks a command whose response never arrived.
	ErrCommandTimeout = errors.New("gameserver: command timed out")
	// ErrCommandFailed marks a response the server answered with an error.
	ErrCommandFailed = errors.New("gameserver: command failed")
)

// Defaults and floors for the tunable knobs. Values below a floor are
// clamped up rather than rejected.
const (
	DefaultMaxCommandsPerSecond    = 5.0
	DefaultCommandTimeout          = 10 * time.Second
	MinCommandTimeout              = time.Second
	DefaultHeartbeatInterval       = 30 * time.Second
	MinHeartbeatInterval           = 5 * time.Second
	DefaultHeartbeatCommand        = "/list"
	DefaultSnapshotInterval        = 5 * time.Second
	MinSnapshotInterval            = time.Second
	DefaultSnapshotPersistInterval = 60 * time.Second
	MinSnapshotPersistInterval     = 5 * time.Second
	DefaultCleanupInterval         = 60 * time.Second
	DefaultReconnectBase           = time.Second
	DefaultMaxReconnectDelay       = 60 * time.Second
	DefaultCommandPrefix           = "/npc"
	DefaultAppearanceDelay         = time.Second
	maxBackoffExponent             = 10
	dialTimeout                    = 10 * time.Second
)

// Config holds the adapter knobs. Zero values take the defaults above.
type Config struct {
	Host     string
	Port     int
	Password string

	CommandPrefix        string
	MaxCommandsPerSecond float64
	CommandTimeout       time.Duration

	HeartbeatInterval time.Duration
	HeartbeatCommand  string

	SnapshotInterval        time.Duration
	SnapshotPersistInterval time.Duration
	SnapshotPath            string
	CleanupInterval         time.Duration

	ReconnectBase     time.Duration
	MaxReconnectDelay time.Duration

	EventHistoryLimit int
	EventTTL          time.Duration
	CombatantTTL      time.Duration
	DamageWindow      time.Duration
	DedupWindow       time.Duration

	// Friendlies are entity ids never treated as hostile; ids starting
	// with "npc" or "ally" are friendly regardless.
	Friendlies []string

	// AppearanceDelay separates a spawn command from its follow-up
	// appearance command, giving the entity time to materialize.
	AppearanceDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.CommandPrefix == "" {
		c.CommandPrefix = DefaultCommandPrefix
	}
	if c.MaxCommandsPerSecond <= 0 {
		c.MaxCommandsPerSecond = DefaultMaxCommandsPerSecond
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.CommandTimeout < MinCommandTimeout {
		c.CommandTimeout = MinCommandTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatInterval < MinHeartbeatInterval {
		c.HeartbeatInterval = MinHeartbeatInterval
	}
	if c.HeartbeatCommand == "" {
		c.HeartbeatCommand = DefaultHeartbeatCommand
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.SnapshotInterval < MinSnapshotInterval {
		c.SnapshotInterval = MinSnapshotInterval
	}
	if c.SnapshotPersistInterval == 0 {
		c.SnapshotPersistInterval = DefaultSnapshotPersistInterval
	}
	if c.SnapshotPersistInterval < MinSnapshotPersistInterval {
		c.SnapshotPersistInterval = MinSnapshotPersistInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if c.EventHistoryLimit <= 0 {
		c.EventHistoryLimit = DefaultEventHistoryLimit
	}
	if c.EventTTL <= 0 {
		c.EventTTL = DefaultEventTTL
	}
	if c.CombatantTTL <= 0 {
		c.CombatantTTL = DefaultCombatantTTL
	}
	if c.DamageWindow <= 0 {
		c.DamageWindow = DefaultDamageWindow
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.AppearanceDelay <= 0 {
		c.AppearanceDelay = DefaultAppearanceDelay
	}
	return c
}

// Transport is the command connection the adapter drives. rcon.Conn is the
// production implementation; tests substitute their own.
type Transport interface {
	Execute(ctx context.Context, command string) (string, error)
	Close() error
}

// Dialer opens a Transport.
type Dialer func(ctx context.Context) (Transport, error)

// ConnectionEvent is the payload of connected/disconnected signals.
type ConnectionEvent struct {
	Addr  string `json:"addr"`
	Error string `json:"error,omitempty"`
}

// ReconnectEvent is the payload of a reconnect-scheduled signal.
type ReconnectEvent struct {
	Attempt int   `json:"attempt"`
	DelayMs int64 `json:"delayMs"`
}

// Metrics is a point-in-time counter snapshot.
type Metrics struct {
	State              State         `json:"state"`
	CommandsSent       int64         `json:"commandsSent"`
	CommandsFailed     int64         `json:"commandsFailed"`
	CommandsTimedOut   int64         `json:"commandsTimedOut"`
	QueueLength        int           `json:"queueLength"`
	QueueHighWater     int           `json:"queueHighWater"`
	ReconnectAttempts  int64         `json:"reconnectAttempts"`
	LastReconnectDelay time.Duration `json:"-"`
	LastReconnectMs    int64         `json:"lastReconnectMs"`
	LastCommandAt      time.Time     `json:"lastCommandAt"`
	LastHeartbeatAt    time.Time     `json:"lastHeartbeatAt"`
	Combatants         int           `json:"combatants"`
	EventsTracked      int           `json:"eventsTracked"`
	EventsDeduped      int64         `json:"eventsDeduped"`
}

// Adapter owns the connection to the game server. One dispatcher goroutine
// drains the command queue; a second runs the heartbeat, snapshot, and
// cleanup tickers. Both live from New until Shutdown.
type Adapter struct {
	cfg    Config
	dial   Dialer
	bus    *events.Bus
	logger *slog.Logger
	combat *tracker

	mu               sync.Mutex
	state            State
	conn             Transport
	manualDisconnect bool
	closed           bool
	queue            []*Pending
	inFlight         *Pending
	waiters          []chan error
	reconnectTimer   *time.Timer
	reconnectAttempt int
	lastSentAt       time.Time
	templates        map[string]string
	met              Metrics

	hbBusy atomic.Bool

	kickCh       chan struct{}
	stopCh       chan struct{}
	dispatchDone chan struct{}
	runDone      chan struct{}
	stopOnce     sync.Once
}

// New creates an adapter and starts its background goroutines. The adapter
// begins disconnected; call Connect to bring the link up.
func New(cfg Config, bus *events.Bus, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		cfg:          cfg.withDefaults(),
		bus:          bus,
		logger:       logger.With("component", "gameserver"),
		state:        StateDisconnected,
		templates:    make(map[string]string),
		kickCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		dispatchDone: make(chan struct{}),
		runDone:      make(chan struct{}),
	}
	a.dial = a.dialRCON
	a.combat = newTracker(trackerConfig{
		HistoryLimit: a.cfg.EventHistoryLimit,
		EventTTL:     a.cfg.EventTTL,
		CombatantTTL: a.cfg.CombatantTTL,
		DamageWindow: a.cfg.DamageWindow,
		DedupWindow:  a.cfg.DedupWindow,
	}, a.isFriendly)
	go a.dispatch()
	go a.run()
	return a
}

func (a *Adapter) dialRCON(ctx context.Context) (Transport, error) {
	return rcon.Dial(ctx, a.addr(), a.cfg.Password, a.logger)
}

func (a *Adapter) addr() string {
	return net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.Port))
}

// Connect brings the connection up. Calling it while connected is a no-op;
// while a connect is already in flight it waits for that attempt's result.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	switch a.state {
	case StateConnected:
		a.mu.Unlock()
		return nil
	case StateConnecting:
		ch := make(chan error, 1)
		a.waiters = append(a.waiters, ch)
		a.mu.Unlock()
		select {
		case err := <-ch:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	case StateDisconnecting:
		a.mu.Unlock()
		return errors.New("gameserver: disconnect in progress")
	}
	a.manualDisconnect = false
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
	a.state = StateConnecting
	a.mu.Unlock()

	return a.establish(ctx)
}

// establish dials and finishes the transition started by the caller. On
// failure it schedules the next backoff attempt unless the disconnect was
// requested.
func (a *Adapter) establish(ctx context.Context) error {
	conn, err := a.dial(ctx)
	if err != nil {
		a.mu.Lock()
		a.state = StateDisconnected
		a.notifyWaitersLocked(err)
		var scheduled *ReconnectEvent
		if !a.manualDisconnect && !a.closed {
			scheduled = a.scheduleReconnectLocked()
		}
		a.mu.Unlock()

		a.logger.Warn("connect failed", "addr", a.addr(), "error", err)
		if scheduled != nil {
			a.emit(events.TypeReconnectScheduled, *scheduled)
		}
		return err
	}

	a.mu.Lock()
	if a.closed || a.manualDisconnect {
		a.state = StateDisconnected
		a.notifyWaitersLocked(ErrClosed)
		a.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	a.conn = conn
	a.state = StateConnected
	a.reconnectAttempt = 0
	a.notifyWaitersLocked(nil)
	a.mu.Unlock()

	a.logger.Info("connected", "addr", a.addr())
	a.emit(events.TypeConnected, ConnectionEvent{Addr: a.addr()})
	a.kick()
	return nil
}

// Disconnect tears the connection down and suppresses reconnects until the
// next Connect. Queued commands are rejected.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	a.manualDisconnect = true
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
	if a.state != StateConnected {
		a.state = StateDisconnected
		a.mu.Unlock()
		return nil
	}
	a.state = StateDisconnecting
	conn := a.conn
	a.conn = nil
	drained := a.queue
	a.queue = nil
	a.state = StateDisconnected
	a.mu.Unlock()

	for _, p := range drained {
		p.resolve(Result{Err: ErrNotConnected})
	}
	if conn != nil {
		conn.Close()
	}
	a.logger.Info("disconnected", "addr", a.addr())
	a.emit(events.TypeDisconnected, ConnectionEvent{Addr: a.addr()})
	return nil
}

// connLost handles a transport failure detected mid-command. The queue is
// drained and, unless the disconnect was manual, a reconnect is scheduled.
func (a *Adapter) connLost(cause error) {
	a.mu.Lock()
	if a.state != StateConnected {
		a.mu.Unlock()
		return
	}
	a.state = StateDisconnected
	conn := a.conn
	a.conn = nil
	drained := a.queue
	a.queue = nil
	var scheduled *ReconnectEvent
	if !a.manualDisconnect && !a.closed {
		scheduled = a.scheduleReconnectLocked()
	}
	a.mu.Unlock()

	for _, p := range drained {
		p.resolve(Result{Err: ErrNotConnected})
	}
	if conn != nil {
		conn.Close()
	}
	a.logger.Warn("connection lost", "addr", a.addr(), "error", cause)
	a.emit(events.TypeDisconnected, ConnectionEvent{Addr: a.addr(), Error: cause.Error()})
	if scheduled != nil {
		a.emit(events.TypeReconnectScheduled, *scheduled)
	}
}

// scheduleReconnectLocked arms the backoff timer: base doubled per attempt,
// exponent capped, delay capped at MaxReconnectDelay.
func (a *Adapter) scheduleReconnectLocked() *ReconnectEvent {
	exp := a.reconnectAttempt
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	delay := a.cfg.ReconnectBase << exp
	if delay > a.cfg.MaxReconnectDelay {
		delay = a.cfg.MaxReconnectDelay
	}
	a.reconnectAttempt++
	a.met.ReconnectAttempts++
	a.met.LastReconnectDelay = delay
	a.reconnectTimer = time.AfterFunc(delay, a.redial)
	a.logger.Info("reconnect scheduled", "attempt", a.reconnectAttempt, "delay", delay)
	return &ReconnectEvent{Attempt: a.reconnectAttempt, DelayMs: delay.Milliseconds()}
}

func (a *Adapter) redial() {
	a.mu.Lock()
	a.reconnectTimer = nil
	if a.state != StateDisconnected || a.manualDisconnect || a.closed {
		a.mu.Unlock()
		return
	}
	a.state = StateConnecting
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := a.establish(ctx); err != nil && !errors.Is(err, ErrClosed) {
		a.logger.Warn("reconnect attempt failed", "error", err)
	}
}

func (a *Adapter) notifyWaitersLocked(err error) {
	for _, ch := range a.waiters {
		ch <- err
	}
	a.waiters = nil
}

// State returns the current connection state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Connected reports whether commands can currently be enqueued.
func (a *Adapter) Connected() bool {
	return a.State() == StateConnected
}

// Metrics returns a snapshot of the adapter counters.
func (a *Adapter) Metrics() Metrics {
	a.mu.Lock()
	m := a.met
	m.State = a.state
	m.QueueLength = len(a.queue)
	m.LastReconnectMs = a.met.LastReconnectDelay.Milliseconds()
	a.mu.Unlock()

	m.Combatants, m.EventsTracked, m.EventsDeduped = a.combat.counts()
	return m
}

// SubscribeToEvents registers a handler on the shared signal bus, filtered
// to the given event types. The returned func unsubscribes.
func (a *Adapter) SubscribeToEvents(types []string, handler events.Handler, once bool) func() {
	if a.bus == nil {
		return func() {}
	}
	return a.bus.Subscribe(types, handler, once)
}

// Shutdown stops accepting commands, waits for the queue to drain (bounded
// by ctx), then disconnects and stops the background goroutines.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	var drainErr error
	for {
		a.mu.Lock()
		idle := len(a.queue) == 0 && a.inFlight == nil
		a.mu.Unlock()
		if idle {
			break
		}
		select {
		case <-ctx.Done():
			drainErr = ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
		if drainErr != nil {
			a.logger.Warn("shutdown drain timed out", "error", drainErr)
			break
		}
	}

	a.Disconnect()
	a.stopOnce.Do(func() { close(a.stopCh) })
	<-a.dispatchDone
	<-a.runDone

	if a.cfg.SnapshotPath != "" {
		if err := a.PersistSnapshot(); err != nil {
			a.logger.Warn("final snapshot persist failed", "error", err)
		}
	}
	a.logger.Info("adapter stopped")
	return drainErr
}

// run owns the periodic work: heartbeats, combat snapshot signals, snapshot
// persistence, and state cleanup.
func (a *Adapter) run() {
	defer close(a.runDone)

	heartbeat := time.NewTicker(a.cfg.HeartbeatInterval)
	snapshot := time.NewTicker(a.cfg.SnapshotInterval)
	persistT := time.NewTicker(a.cfg.SnapshotPersistInterval)
	cleanup := time.NewTicker(a.cfg.CleanupInterval)
	defer heartbeat.Stop()
	defer snapshot.Stop()
	defer persistT.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-heartbeat.C:
			if a.hbBusy.CompareAndSwap(false, true) {
				go a.heartbeat()
			}
		case <-snapshot.C:
			a.emit(events.TypeCombatSnapshot, a.combat.snapshot())
		case <-persistT.C:
			if a.cfg.SnapshotPath != "" {
				if err := a.PersistSnapshot(); err != nil {
					a.logger.Warn("snapshot persist failed", "error", err)
				}
			}
		case <-cleanup.C:
			expired, dropped := a.combat.cleanup(time.Now())
			if expired > 0 || dropped > 0 {
				a.logger.Debug("combat cleanup", "combatants", expired, "events", dropped)
			}
		}
	}
}

// heartbeat keeps the link warm and doubles as failure detection: a
// transport error on the heartbeat command trips the reconnect path.
func (a *Adapter) heartbeat() {
	defer a.hbBusy.Store(false)
	if !a.Connected() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*a.cfg.CommandTimeout)
	defer cancel()
	if _, err := a.SendCommand(ctx, a.cfg.HeartbeatCommand); err != nil {
		if !errors.Is(err, ErrNotConnected) && !errors.Is(err, ErrClosed) {
			a.logger.Warn("heartbeat failed", "error", err)
		}
		return
	}
	a.mu.Lock()
	a.met.LastHeartbeatAt = time.Now()
	a.mu.Unlock()
}

// snapshotDocument is the persisted combat state file.
type snapshotDocument struct {
	At         time.Time            `json:"at"`
	Combatants map[string]Combatant `json:"combatants"`
	Recent     []CombatEvent        `json:"recent,omitempty"`
}

// PersistSnapshot writes the combat state to the configured snapshot path.
// No-op when no path is set.
func (a *Adapter) PersistSnapshot() error {
	if a.cfg.SnapshotPath == "" {
		return nil
	}
	doc := snapshotDocument{
		At:         time.Now(),
		Combatants: a.combat.snapshot(),
		Recent:     a.combat.history(50),
	}
	if err := persist.WriteAtomic(a.cfg.SnapshotPath, doc); err != nil {
		return fmt.Errorf("persist combat snapshot: %w", err)
	}
	return nil
}

// CombatSnapshot returns the tracked state of every live combatant.
func (a *Adapter) CombatSnapshot() map[string]Combatant {
	return a.combat.snapshot()
}

// CombatHistory returns up to limit recent combat events, newest first.
func (a *Adapter) CombatHistory(limit int) []CombatEvent {
	return a.combat.history(limit)
}

// IngestFeedback runs text through the combat parser and applies the
// resulting events. It returns the number of events accepted after
// deduplication. Besides command responses this is fed by the update
// server and the MQTT feedback topic.
func (a *Adapter) IngestFeedback(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	accepted := 0
	for _, evt := range ParseFeedback(text) {
		res := a.combat.apply(evt)
		if !res.accepted {
			continue
		}
		accepted++
		a.emit(events.TypeCombatEvent, evt)
		if res.friendlyFire {
			a.logger.Warn("friendly fire", "source", evt.Source, "target", evt.Target, "damage", evt.Damage)
			a.emit(events.TypeFriendlyFire, evt)
		}
		for _, id := range res.updated {
			if c, ok := a.combat.combatant(id); ok {
				a.emit(events.TypeCombatUpdate, CombatUpdate{EntityID: id, State: c})
			}
		}
	}
	return accepted
}

func (a *Adapter) isFriendly(id string) bool {
	for _, f := range a.cfg.Friendlies {
		if NormalizeEntityID(f) == id {
			return true
		}
	}
	return strings.HasPrefix(id, "npc") || strings.HasPrefix(id, "ally")
}

func (a *Adapter) emit(eventType string, data any) {
	if a.bus != nil {
		a.bus.Emit(eventType, data)
	}
}
