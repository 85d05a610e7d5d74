// Package supervisor owns bot lifecycle: spawning with capacity checks and
// retry, the dead-letter queue for exhausted attempts, despawn/respawn, team
// expansion, and the application of policy actions. It is the layer the
// admin API talks to.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/botherd/botherd/internal/events"
	"github.com/botherd/botherd/internal/gameserver"
	"github.com/botherd/botherd/internal/learning"
	"github.com/botherd/botherd/internal/microcore"
	"github.com/botherd/botherd/internal/policy"
	"github.com/botherd/botherd/internal/registry"
	"github.com/botherd/botherd/internal/roles"
	"github.com/botherd/botherd/internal/types"
)

// Defaults for the lifecycle knobs.
const (
	DefaultMaxBots    = 8
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
	DefaultSpawnMinY  = -64.0
	DefaultSpawnMaxY  = 320.0
)

// ErrSpawnLimit matches every capacity rejection via errors.Is.
var ErrSpawnLimit = errors.New("supervisor: spawn limit reached")

// ErrNoAdapter is returned by operations that need a game-server link.
var ErrNoAdapter = errors.New("supervisor: no game-server adapter configured")

// CapacityError rejects spawns that would exceed the active-bot cap. Its
// message is stable; operator tooling matches on the exact text.
type CapacityError struct {
	Requested int
	Max       int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("Cannot spawn %d bot(s): would exceed maximum of %d bots", e.Requested, e.Max)
}

func (e *CapacityError) Is(target error) bool { return target == ErrSpawnLimit }

// GameServer is the slice of the adapter the supervisor drives. Production
// passes *gameserver.Adapter; tests substitute fakes.
type GameServer interface {
	Connected() bool
	SpawnEntity(ctx context.Context, req gameserver.SpawnRequest) error
	RemoveEntity(ctx context.Context, id string) error
	Metrics() gameserver.Metrics
}

// Config holds the supervisor knobs. Zero values take the defaults above.
type Config struct {
	MaxBots    int
	MaxRetries int
	RetryDelay time.Duration

	// SpawnMinY/SpawnMaxY bound the vertical component of explicit spawn
	// positions.
	SpawnMinY float64
	SpawnMaxY float64

	// Core configures the tick loop started for each spawned bot.
	Core microcore.Config
}

func (c Config) withDefaults() Config {
	if c.MaxBots <= 0 {
		c.MaxBots = DefaultMaxBots
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.SpawnMinY == 0 && c.SpawnMaxY == 0 {
		c.SpawnMinY = DefaultSpawnMinY
		c.SpawnMaxY = DefaultSpawnMaxY
	}
	return c
}

// SpawnOptions describes one bot to create and spawn.
type SpawnOptions struct {
	Name        string                `json:"name,omitempty"`
	Role        string                `json:"role"`
	Description string                `json:"description,omitempty"`
	Personality *registry.Personality `json:"personality,omitempty"`
	Position    *types.Position       `json:"position,omitempty"`
}

// BotEvent is the payload of bot_spawned / bot_despawned signals.
type BotEvent struct {
	BotID    string          `json:"botId"`
	Role     string          `json:"role,omitempty"`
	Position *types.Position `json:"position,omitempty"`
}

// Supervisor coordinates registry, learning store, role catalog, adapter,
// and the per-bot tick loops.
type Supervisor struct {
	cfg      Config
	registry *registry.Registry
	learning *learning.Store
	catalog  *roles.Catalog
	adapter  GameServer
	cores    *microcore.Manager
	bus      *events.Bus
	tracker  *policy.Tracker
	logger   *slog.Logger

	mu       sync.Mutex
	maxBots  int
	dlq      []DeadLetter
	failures map[string]int
}

// New creates a supervisor. adapter may be nil, in which case bots exist
// only in the control plane (no game-world entities).
func New(cfg Config, reg *registry.Registry, ls *learning.Store, catalog *roles.Catalog,
	adapter GameServer, cores *microcore.Manager, bus *events.Bus, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Supervisor{
		cfg:      cfg,
		registry: reg,
		learning: ls,
		catalog:  catalog,
		adapter:  adapter,
		cores:    cores,
		bus:      bus,
		tracker:  policy.NewTracker(),
		logger:   logger.With("component", "supervisor"),
		maxBots:  cfg.MaxBots,
		failures: make(map[string]int),
	}
}

// MaxBots returns the current spawn limit (policy actions may lower it
// below the configured value).
func (s *Supervisor) MaxBots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxBots
}

// capacityCheck admits n additional active bots or returns a CapacityError.
func (s *Supervisor) capacityCheck(n int) error {
	limit := s.MaxBots()
	if s.registry.CountActive()+n > limit {
		return &CapacityError{Requested: n, Max: limit}
	}
	return nil
}

func (s *Supervisor) validateOptions(opts SpawnOptions) (roles.Role, error) {
	if opts.Role == "" {
		return roles.Role{}, errors.New("supervisor: role is required")
	}
	role, ok := s.catalog.Get(opts.Role)
	if !ok {
		return roles.Role{}, fmt.Errorf("%w: %s", roles.ErrUnknownRole, opts.Role)
	}
	if opts.Personality != nil {
		if err := opts.Personality.Validate(); err != nil {
			return roles.Role{}, err
		}
	}
	if opts.Position != nil {
		if y := opts.Position.Y; y < s.cfg.SpawnMinY || y > s.cfg.SpawnMaxY {
			return roles.Role{}, fmt.Errorf("supervisor: spawn y %.1f out of bounds [%.1f, %.1f]",
				y, s.cfg.SpawnMinY, s.cfg.SpawnMaxY)
		}
	}
	return role, nil
}

// Spawn validates the options, pre-checks the spawn limit, materializes the
// registry profile, and — when an adapter is present — attempts the world
// spawn with retry. Exhausted retries dead-letter the profile and return
// (nil, nil); the registry entry remains. On success the bot is recorded
// active and its tick loop starts.
func (s *Supervisor) Spawn(ctx context.Context, opts SpawnOptions) (*registry.Bot, error) {
	role, err := s.validateOptions(opts)
	if err != nil {
		return nil, err
	}
	if err := s.capacityCheck(1); err != nil {
		return nil, err
	}

	bot, created, err := s.registry.EnsureProfile(registry.ProfileOptions{
		Name:        opts.Name,
		Role:        opts.Role,
		EntityType:  role.EntityType,
		Appearance:  role.Appearance,
		Description: opts.Description,
		Personality: opts.Personality,
		Position:    opts.Position,
	})
	if err != nil {
		return nil, err
	}
	if created && len(role.BaseSkills) > 0 && s.learning != nil {
		s.learning.UpdateSkills(bot.Name, role.BaseSkills)
	}
	if s.learning != nil {
		if summary := s.learning.Summary(bot.Name); summary != nil {
			if err := s.registry.MergeLearningProfile(bot.ID, summary); err != nil {
				s.logger.Warn("learning merge failed", "bot", bot.ID, "error", err)
			}
		}
	}

	pos := bot.SpawnPosition
	if opts.Position != nil {
		pos = *opts.Position
	}
	return s.materialize(ctx, bot, pos, true, s.cfg.MaxRetries)
}

// materialize runs the adapter spawn with retry and, on success, records
// the spawn and starts the tick loop. A nil bot with nil error means the
// profile was dead-lettered.
func (s *Supervisor) materialize(ctx context.Context, bot registry.Bot, pos types.Position, increment bool, retries int) (*registry.Bot, error) {
	if s.adapter != nil {
		if err := s.spawnWithRetry(ctx, bot, pos, retries); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.deadLetter(bot, pos, err)
			return nil, nil
		}
	}

	if err := s.registry.RecordSpawn(bot.ID, pos, increment); err != nil {
		return nil, fmt.Errorf("record spawn: %w", err)
	}
	if s.cores != nil {
		s.cores.Start(bot.ID, pos, s.cfg.Core)
	}

	s.mu.Lock()
	delete(s.failures, bot.ID)
	s.mu.Unlock()

	spawned, err := s.registry.Get(bot.ID)
	if err != nil {
		return nil, err
	}
	s.emit(events.TypeBotSpawned, BotEvent{BotID: bot.ID, Role: bot.Role, Position: &pos})
	s.logger.Info("bot spawned", "id", bot.ID, "role", bot.Role, "spawnCount", spawned.SpawnCount)
	return &spawned, nil
}

// spawnWithRetry attempts the world spawn up to retries times with
// exponential backoff (retryDelay × 2^(attempt−1)).
func (s *Supervisor) spawnWithRetry(ctx context.Context, bot registry.Bot, pos types.Position, retries int) error {
	req := gameserver.SpawnRequest{
		ID:         bot.ID,
		EntityType: bot.EntityType,
		Position:   pos,
		Appearance: bot.Appearance,
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if err := s.adapter.SpawnEntity(ctx, req); err == nil {
			return nil
		} else {
			lastErr = err
		}

		s.mu.Lock()
		s.failures[bot.ID]++
		count := s.failures[bot.ID]
		s.mu.Unlock()
		s.logger.Warn("spawn attempt failed",
			"id", bot.ID, "attempt", attempt, "failures", count, "error", lastErr)

		if attempt < retries {
			delay := s.cfg.RetryDelay * (1 << (attempt - 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return lastErr
}

// Despawn removes the bot from the world, stops its tick loop, and marks it
// inactive. Adapter failures are absorbed; the local despawn proceeds.
func (s *Supervisor) Despawn(ctx context.Context, id string) error {
	bot, err := s.registry.Get(id)
	if err != nil {
		return err
	}

	if s.adapter != nil {
		if err := s.adapter.RemoveEntity(ctx, id); err != nil {
			s.logger.Warn("world despawn failed", "id", id, "error", err)
		}
	}

	var lastPos *types.Position
	if s.cores != nil {
		if st, ok := s.cores.Status(id); ok {
			p := st.Position
			lastPos = &p
		}
		s.cores.Stop(id)
	}

	if err := s.registry.RecordDespawn(id, lastPos); err != nil {
		return fmt.Errorf("record despawn: %w", err)
	}
	s.emit(events.TypeBotDespawned, BotEvent{BotID: id, Role: bot.Role, Position: lastPos})
	s.logger.Info("bot despawned", "id", id)
	return nil
}

// Respawn re-enters a known bot into the world, optionally at a new
// position. The spawn counter is incremented; capacity is re-checked when
// the bot is not currently active.
func (s *Supervisor) Respawn(ctx context.Context, id string, pos *types.Position) (*registry.Bot, error) {
	bot, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if pos != nil {
		if y := pos.Y; y < s.cfg.SpawnMinY || y > s.cfg.SpawnMaxY {
			return nil, fmt.Errorf("supervisor: spawn y %.1f out of bounds [%.1f, %.1f]",
				y, s.cfg.SpawnMinY, s.cfg.SpawnMaxY)
		}
	}
	if bot.Status != registry.StatusActive {
		if err := s.capacityCheck(1); err != nil {
			return nil, err
		}
	}

	target := bot.SpawnPosition
	if pos != nil {
		target = *pos
	}
	return s.materialize(ctx, bot, target, true, s.cfg.MaxRetries)
}

// FleetStatus is the summary handed to the status endpoint.
type FleetStatus struct {
	TotalBots    int            `json:"totalBots"`
	ActiveBots   int            `json:"activeBots"`
	MaxBots      int            `json:"maxBots"`
	RunningCores int            `json:"runningCores"`
	DeadLetters  int            `json:"deadLetters"`
	Failures     map[string]int `json:"failures,omitempty"`
}

// Status returns a point-in-time fleet summary.
func (s *Supervisor) Status() FleetStatus {
	st := FleetStatus{
		TotalBots:  len(s.registry.All()),
		ActiveBots: s.registry.CountActive(),
		MaxBots:    s.MaxBots(),
	}
	if s.cores != nil {
		st.RunningCores = s.cores.Count()
	}

	s.mu.Lock()
	st.DeadLetters = len(s.dlq)
	if len(s.failures) > 0 {
		st.Failures = make(map[string]int, len(s.failures))
		for k, v := range s.failures {
			st.Failures[k] = v
		}
	}
	s.mu.Unlock()
	return st
}

func (s *Supervisor) emit(eventType string, data any) {
	if s.bus != nil {
		s.bus.Emit(eventType, data)
	}
}
