package microcore

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/botherd/botherd/internal/events"
	"github.com/botherd/botherd/internal/types"
)

// Manager owns the running cores, keyed by bot id. Starting a core for an
// id that already has one stops the old loop first.
type Manager struct {
	world  World
	bus    *events.Bus
	logger *slog.Logger

	mu    sync.Mutex
	cores map[string]*Core
}

// NewManager creates an empty manager.
func NewManager(world World, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		world:  world,
		bus:    bus,
		logger: logger.With("component", "microcore"),
		cores:  make(map[string]*Core),
	}
}

// Start launches a tick loop for the bot, replacing any existing one.
func (m *Manager) Start(id string, pos types.Position, cfg Config) *Core {
	m.mu.Lock()
	old := m.cores[id]
	m.mu.Unlock()
	if old != nil {
		m.logger.Debug("replacing running core", "bot", id)
		old.Stop()
	}

	core := New(id, pos, cfg, m.world, m.bus, m.logger)
	m.mu.Lock()
	m.cores[id] = core
	m.mu.Unlock()

	core.Start()
	return core
}

// Stop halts the bot's loop and forgets it. Reports whether one was running.
func (m *Manager) Stop(id string) bool {
	m.mu.Lock()
	core := m.cores[id]
	delete(m.cores, id)
	m.mu.Unlock()

	if core == nil {
		return false
	}
	core.Stop()
	return true
}

// StopAll halts every running loop.
func (m *Manager) StopAll() {
	m.mu.Lock()
	cores := make([]*Core, 0, len(m.cores))
	for _, c := range m.cores {
		cores = append(cores, c)
	}
	m.cores = make(map[string]*Core)
	m.mu.Unlock()

	for _, c := range cores {
		c.Stop()
	}
	if len(cores) > 0 {
		m.logger.Info("stopped all cores", "count", len(cores))
	}
}

// Get returns the bot's running core.
func (m *Manager) Get(id string) (*Core, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cores[id]
	return c, ok
}

// Count returns the number of running cores.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cores)
}

// IDs returns the ids of the running cores, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.cores))
	for id := range m.cores {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Status returns the latest snapshot of the bot's core.
func (m *Manager) Status(id string) (Status, bool) {
	core, ok := m.Get(id)
	if !ok {
		return Status{}, false
	}
	return core.Status(), true
}
