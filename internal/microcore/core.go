// Package microcore runs the per-bot cooperative tick loop. Each active bot
// owns one Core: a goroutine that advances movement toward a target, drains
// a command inbox, runs periodic area scans, keeps a bounded memory, and
// publishes status snapshots by value after every tick.
package microcore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/botherd/botherd/internal/events"
	"github.com/botherd/botherd/internal/types"
)

// Tunables and their floors.
const (
	DefaultTickRate     = 200 * time.Millisecond
	MinTickRate         = 50 * time.Millisecond
	DefaultStepDistance = 0.5
	DefaultScanRadius   = 10.0
	DefaultMemoryLimit  = 10
	DefaultInboxSize    = 64

	MinPhase = 1
	MaxPhase = 6

	// arrivalEpsilon is the distance under which a moving bot snaps onto
	// its target.
	arrivalEpsilon = 0.001
	// minStep keeps very slow ticks from stalling short of the target.
	minStep = 0.01

	worldCallTimeout = 5 * time.Second
)

// Command kinds understood by the inbox. Unknown kinds are logged and
// dropped; their memory note is still kept.
const (
	KindMoveTo      = "moveTo"
	KindTask        = "task"
	KindScan        = "scan"
	KindPhaseUpdate = "phaseUpdate"
)

// World is the slice of the game-server adapter a core drives. The
// production implementation is *gameserver.Adapter; tests substitute fakes.
type World interface {
	MoveEntity(ctx context.Context, id string, delta types.Position) error
	ScanArea(ctx context.Context, id string, radius float64) (types.ScanResult, error)
}

// Command is one inbox entry, drained FIFO at the top of a tick.
type Command struct {
	Kind   string          `json:"kind"`
	Target *types.Position `json:"target,omitempty"`
	Task   *types.Task     `json:"task,omitempty"`
	Phase  int             `json:"phase,omitempty"`
	Memory string          `json:"memory,omitempty"`
}

// Status is the snapshot emitted after every tick. It is published by value;
// consumers must not retain references into it.
type Status struct {
	BotID     string            `json:"botId"`
	Reason    string            `json:"reason"`
	TickCount uint64            `json:"tickCount"`
	Position  types.Position    `json:"position"`
	Velocity  types.Position    `json:"velocity"`
	Task      *types.Task       `json:"task,omitempty"`
	State     string            `json:"state"`
	Phase     int               `json:"phase"`
	Memory    []string          `json:"memory,omitempty"`
	LastScan  *types.ScanResult `json:"lastScan,omitempty"`
	TickedAt  time.Time         `json:"tickedAt"`
}

// ErrorEvent is the payload of a bot_error signal.
type ErrorEvent struct {
	BotID string `json:"botId"`
	Op    string `json:"op"`
	Error string `json:"error"`
}

// TaskCompleteEvent is the payload of a task_complete signal.
type TaskCompleteEvent struct {
	BotID string         `json:"botId"`
	Task  types.Task     `json:"task"`
	At    types.Position `json:"at"`
}

// Config holds the per-core knobs. Zero values take the defaults above;
// ScanInterval 0 disables periodic scanning (a scan command still scans).
type Config struct {
	TickRate     time.Duration
	StepDistance float64
	ScanInterval time.Duration
	ScanRadius   float64
	MemoryLimit  int
	InboxSize    int
	Autonomy     bool
	Phase        int
}

func (c Config) withDefaults() Config {
	if c.TickRate == 0 {
		c.TickRate = DefaultTickRate
	}
	if c.TickRate < MinTickRate {
		c.TickRate = MinTickRate
	}
	if c.StepDistance <= 0 {
		c.StepDistance = DefaultStepDistance
	}
	if c.ScanRadius <= 0 {
		c.ScanRadius = DefaultScanRadius
	}
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = DefaultMemoryLimit
	}
	if c.InboxSize <= 0 {
		c.InboxSize = DefaultInboxSize
	}
	if c.Phase < MinPhase || c.Phase > MaxPhase {
		c.Phase = MinPhase
	}
	return c
}

// Core is the tick loop of one bot. All loop state is owned by the run
// goroutine; the rest of the process sees it only through the by-value
// snapshot refreshed after each tick.
type Core struct {
	id     string
	cfg    Config
	world  World
	bus    *events.Bus
	logger *slog.Logger

	inbox chan Command

	// Loop-owned state. Only the run goroutine touches these.
	pos         types.Position
	vel         types.Position
	target      *types.Position
	task        *types.Task
	memory      []string
	phase       int
	tickCount   uint64
	pendingScan bool
	lastScanAt  time.Time
	lastScan    *types.ScanResult

	mu   sync.Mutex
	last Status

	started  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a core for the bot at the given starting position. The loop
// does not run until Start.
func New(id string, pos types.Position, cfg Config, world World, bus *events.Bus, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	c := &Core{
		id:     id,
		cfg:    cfg,
		world:  world,
		bus:    bus,
		logger: logger.With("component", "microcore", "bot", id),
		inbox:  make(chan Command, cfg.InboxSize),
		pos:    pos,
		phase:  cfg.Phase,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	c.last = Status{
		BotID:    id,
		Reason:   "init",
		Position: pos,
		State:    "idle",
		Phase:    c.phase,
		TickedAt: time.Now(),
	}
	return c
}

// Start launches the tick goroutine. Calling it twice is a no-op.
func (c *Core) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.run()
}

// Stop halts the loop and waits for the tick goroutine to exit. It is
// idempotent and safe to call before Start.
func (c *Core) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	if c.started.Load() {
		<-c.doneCh
	}
}

// Enqueue places a command in the inbox without blocking. A full inbox
// drops the command with a warning and returns false.
func (c *Core) Enqueue(cmd Command) bool {
	select {
	case c.inbox <- cmd:
		return true
	default:
		c.logger.Warn("inbox full, dropping command", "kind", cmd.Kind)
		return false
	}
}

// Status returns the snapshot published by the most recent tick.
func (c *Core) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Core) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.TickRate)
	defer ticker.Stop()
	c.logger.Debug("tick loop started", "tickRate", c.cfg.TickRate)

	prev := time.Now()
	for {
		select {
		case <-c.stopCh:
			c.logger.Debug("tick loop stopped", "ticks", c.tickCount)
			return
		case now := <-ticker.C:
			elapsed := now.Sub(prev)
			if c.tickCount == 0 {
				elapsed = c.cfg.TickRate
			}
			prev = now
			c.tick(now, elapsed)
		}
	}
}

// tick runs one full cycle: drain inbox, advance movement, maybe scan, then
// publish the snapshot. elapsed is wall time since the previous tick.
func (c *Core) tick(now time.Time, elapsed time.Duration) {
	c.tickCount++
	reason := "idle"

	if c.drain() {
		reason = "command"
	}
	if r := c.advance(elapsed); r != "" {
		reason = r
	}
	if c.scanDue(now) {
		if c.scan(now) && (reason == "idle" || reason == "command") {
			reason = "scanned"
		}
	}

	c.publish(now, reason)
}

// drain empties the inbox FIFO and applies each command. Reports whether
// anything was processed.
func (c *Core) drain() bool {
	processed := false
	for {
		select {
		case cmd := <-c.inbox:
			processed = true
			c.apply(cmd)
		default:
			return processed
		}
	}
}

func (c *Core) apply(cmd Command) {
	if cmd.Memory != "" {
		c.remember(cmd.Memory)
	}
	switch cmd.Kind {
	case KindMoveTo:
		if cmd.Target == nil {
			c.logger.Warn("moveTo without a target, ignoring")
			return
		}
		t := *cmd.Target
		c.target = &t
	case KindTask:
		if cmd.Task == nil {
			c.logger.Warn("task command without a task, ignoring")
			return
		}
		t := *cmd.Task
		c.task = &t
		c.remember("task: " + t.Action)
		if t.Target != nil {
			pos := *t.Target
			c.target = &pos
		}
	case KindScan:
		c.pendingScan = true
	case KindPhaseUpdate:
		if cmd.Phase < MinPhase || cmd.Phase > MaxPhase {
			c.logger.Warn("phase out of range, ignoring", "phase", cmd.Phase)
			return
		}
		if cmd.Phase != c.phase {
			c.remember(fmt.Sprintf("phase %d -> %d", c.phase, cmd.Phase))
			c.phase = cmd.Phase
		}
	default:
		c.logger.Warn("unknown command kind, ignoring", "kind", cmd.Kind)
	}
}

// advance moves one step toward the target, or snaps onto it when close
// enough. Returns the cause tag for the tick, or "" when nothing moved.
func (c *Core) advance(elapsed time.Duration) string {
	if c.target == nil {
		return ""
	}

	dist := c.pos.DistanceTo(*c.target)
	if dist <= arrivalEpsilon {
		c.pos = *c.target
		c.target = nil
		c.vel = types.Position{}
		if c.task != nil {
			done := *c.task
			c.task = nil
			c.remember("completed: " + done.Action)
			c.emit(events.TypeTaskComplete, TaskCompleteEvent{BotID: c.id, Task: done, At: c.pos})
			return "task_complete"
		}
		return "arrived"
	}

	step := c.cfg.StepDistance * (elapsed.Seconds() / c.cfg.TickRate.Seconds())
	if step < minStep {
		step = minStep
	}
	if step > dist {
		step = dist
	}
	delta := c.target.Sub(c.pos).Scale(step / dist)
	c.pos = c.pos.Add(delta)
	c.vel = delta

	if c.world != nil {
		ctx, cancel := context.WithTimeout(context.Background(), worldCallTimeout)
		err := c.world.MoveEntity(ctx, c.id, delta)
		cancel()
		if err != nil {
			c.logger.Warn("move failed", "error", err)
			c.emit(events.TypeBotError, ErrorEvent{BotID: c.id, Op: "move", Error: err.Error()})
		}
	}
	return "moving"
}

func (c *Core) scanDue(now time.Time) bool {
	if c.pendingScan {
		return true
	}
	if c.cfg.ScanInterval <= 0 {
		return false
	}
	return now.Sub(c.lastScanAt) >= c.cfg.ScanInterval
}

// scan asks the world what surrounds the bot and, with autonomy on and no
// task attached, turns the result into phase-aware memory hints. Hints never
// move the bot.
func (c *Core) scan(now time.Time) bool {
	c.pendingScan = false
	c.lastScanAt = now
	if c.world == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), worldCallTimeout)
	res, err := c.world.ScanArea(ctx, c.id, c.cfg.ScanRadius)
	cancel()
	if err != nil {
		c.logger.Warn("scan failed", "error", err)
		c.emit(events.TypeBotError, ErrorEvent{BotID: c.id, Op: "scan", Error: err.Error()})
		return false
	}

	r := res
	c.lastScan = &r
	if c.cfg.Autonomy && c.task == nil {
		c.hint(res)
	}
	return true
}

// hint appends at most one phase-aware observation per scan.
func (c *Core) hint(res types.ScanResult) {
	hostiles := 0
	for _, e := range res.Entities {
		if e.Hostile {
			hostiles++
		}
	}
	switch {
	case hostiles > 0:
		c.remember(fmt.Sprintf("phase %d: %d hostile(s) within %.0f", c.phase, hostiles, res.Radius))
	case len(res.Entities) == 0 && c.phase <= 2:
		c.remember(fmt.Sprintf("phase %d: area clear", c.phase))
	case len(res.Entities) >= 3 && c.phase >= 4:
		c.remember(fmt.Sprintf("phase %d: crowded area, %d entities", c.phase, len(res.Entities)))
	}
}

func (c *Core) remember(note string) {
	c.memory = append(c.memory, note)
	if len(c.memory) > c.cfg.MemoryLimit {
		c.memory = c.memory[len(c.memory)-c.cfg.MemoryLimit:]
	}
}

func (c *Core) publish(now time.Time, reason string) {
	st := Status{
		BotID:     c.id,
		Reason:    reason,
		TickCount: c.tickCount,
		Position:  c.pos,
		Velocity:  c.vel,
		State:     c.stateTag(),
		Phase:     c.phase,
		Memory:    append([]string(nil), c.memory...),
		TickedAt:  now,
	}
	if c.task != nil {
		t := *c.task
		st.Task = &t
	}
	if c.lastScan != nil {
		s := *c.lastScan
		st.LastScan = &s
	}

	c.mu.Lock()
	c.last = st
	c.mu.Unlock()

	c.emit(events.TypeBotStatus, st)
}

func (c *Core) stateTag() string {
	switch {
	case c.target != nil:
		return "moving"
	case c.task != nil:
		return "working"
	default:
		return "idle"
	}
}

func (c *Core) emit(eventType string, data any) {
	if c.bus != nil {
		c.bus.Emit(eventType, data)
	}
}
