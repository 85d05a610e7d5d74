package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/botherd/botherd/internal/persist"
	"github.com/botherd/botherd/internal/types"
)

// ErrNotFound is returned when a bot id is not in the registry.
var ErrNotFound = errors.New("registry: bot not found")

// Status is the lifecycle state of a bot. Transitions run idle → active →
// inactive; a respawn re-enters active.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Bot is one registry entry: the durable identity of an NPC.
type Bot struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Role              string          `json:"role"`
	EntityType        string          `json:"entityType"`
	Personality       Personality     `json:"personality"`
	Appearance        string          `json:"appearance,omitempty"`
	Description       string          `json:"description,omitempty"`
	SpawnPosition     types.Position  `json:"spawnPosition"`
	LastKnownPosition *types.Position `json:"lastKnownPosition,omitempty"`
	Status            Status          `json:"status"`
	SpawnCount        int             `json:"spawnCount"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	LastSpawnedAt     *time.Time      `json:"lastSpawnedAt,omitempty"`
	LastDespawnedAt   *time.Time      `json:"lastDespawnedAt,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
}

func (b *Bot) clone() Bot {
	out := *b
	if b.Metadata != nil {
		out.Metadata = make(map[string]any, len(b.Metadata))
		for k, v := range b.Metadata {
			out.Metadata[k] = v
		}
	}
	if b.LastKnownPosition != nil {
		p := *b.LastKnownPosition
		out.LastKnownPosition = &p
	}
	if b.LastSpawnedAt != nil {
		t := *b.LastSpawnedAt
		out.LastSpawnedAt = &t
	}
	if b.LastDespawnedAt != nil {
		t := *b.LastDespawnedAt
		out.LastDespawnedAt = &t
	}
	return out
}

const documentVersion = 1

type document struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	NPCs      []*Bot    `json:"npcs"`
}

// ProfileOptions describes the bot to materialize in EnsureProfile.
type ProfileOptions struct {
	Name        string
	Role        string
	EntityType  string
	Appearance  string
	Description string
	Personality *Personality    // nil samples a fresh vector
	Position    *types.Position // nil uses the default spawn position
}

// Config configures a Registry.
type Config struct {
	Path   string
	Notify func(persist.Event)
}

// Registry owns bot identities: the in-memory map, the name and role
// indexes, and the debounced JSON file behind them. Mutations schedule a
// save; reads return copies.
type Registry struct {
	mu     sync.RWMutex
	bots   map[string]*Bot
	byName map[string]string
	byRole map[string][]string
	store  *persist.Store
	logger *slog.Logger
}

var defaultSpawnPosition = types.Position{X: 0, Y: 64, Z: 0}

// New creates a registry persisting to cfg.Path.
func New(cfg Config, logger *slog.Logger) (*Registry, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	r := &Registry{
		bots:   make(map[string]*Bot),
		byName: make(map[string]string),
		byRole: make(map[string][]string),
		logger: logger.With("component", "registry"),
	}
	r.store = persist.New(persist.Config{
		Path:   cfg.Path,
		Notify: cfg.Notify,
	}, r.snapshotDocument, logger)
	return r, nil
}

// Load restores bots from disk, repairing entries where needed. Entries
// without an id are skipped.
func (r *Registry) Load() error {
	var doc document
	ok, err := r.store.LoadInto(&doc)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	if !ok {
		r.logger.Info("no registry file, starting empty")
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, bot := range doc.NPCs {
		if bot == nil || bot.ID == "" {
			r.logger.Warn("skipping registry entry without id")
			continue
		}
		repairBot(bot)
		r.bots[bot.ID] = bot
		r.indexLocked(bot)
	}
	r.logger.Info("registry loaded", "bots", len(r.bots))
	return nil
}

// EnsureProfile returns the entry registered under the options' name, or
// materializes a new one with a generated id and derived personality bundle.
// The second return reports whether a new entry was created.
func (r *Registry) EnsureProfile(opts ProfileOptions) (Bot, bool, error) {
	if opts.Role == "" {
		return Bot{}, false, errors.New("registry: role is required")
	}
	name := opts.Name
	if name == "" {
		name = opts.Role
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byName[name]; ok {
		if bot, ok := r.bots[id]; ok {
			return bot.clone(), false, nil
		}
	}

	personality := RandomPersonality()
	if opts.Personality != nil {
		if err := opts.Personality.Validate(); err != nil {
			return Bot{}, false, err
		}
		personality = opts.Personality.Clamped()
	}

	pos := defaultSpawnPosition
	if opts.Position != nil {
		pos = *opts.Position
	}

	now := time.Now()
	bot := &Bot{
		ID:            r.generateIDLocked(name),
		Name:          name,
		Role:          opts.Role,
		EntityType:    opts.EntityType,
		Personality:   personality,
		Appearance:    opts.Appearance,
		Description:   opts.Description,
		SpawnPosition: pos,
		Status:        StatusIdle,
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata:      make(map[string]any),
	}
	applyBundle(bot)

	r.bots[bot.ID] = bot
	r.indexLocked(bot)
	r.store.MarkDirty()

	r.logger.Info("bot profile created",
		"id", bot.ID,
		"role", bot.Role,
		"archetype", bot.Metadata["archetype"],
	)
	return bot.clone(), true, nil
}

// Upsert inserts or replaces an entry, clamping the personality and
// recomputing the derived bundle. CreatedAt of an existing entry is kept.
func (r *Registry) Upsert(bot Bot) error {
	if bot.ID == "" {
		return errors.New("registry: bot id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if existing, ok := r.bots[bot.ID]; ok {
		r.unindexLocked(existing)
		bot.CreatedAt = existing.CreatedAt
	} else if bot.CreatedAt.IsZero() {
		bot.CreatedAt = now
	}
	bot.UpdatedAt = now
	bot.Personality = bot.Personality.Clamped()
	if bot.Status == "" {
		bot.Status = StatusIdle
	}
	if bot.Metadata == nil {
		bot.Metadata = make(map[string]any)
	}

	cp := bot.clone()
	applyBundle(&cp)
	r.bots[cp.ID] = &cp
	r.indexLocked(&cp)
	r.store.MarkDirty()
	return nil
}

// RecordSpawn marks the bot active at pos. increment=false re-records a
// spawn (for example a respawn check) without bumping the counter.
func (r *Registry) RecordSpawn(id string, pos types.Position, increment bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bot, ok := r.bots[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	now := time.Now()
	bot.Status = StatusActive
	bot.SpawnPosition = pos
	p := pos
	bot.LastKnownPosition = &p
	bot.LastSpawnedAt = &now
	bot.UpdatedAt = now
	if increment {
		bot.SpawnCount++
	}
	r.store.MarkDirty()
	return nil
}

// RecordDespawn marks the bot inactive, optionally noting where it was last
// seen. The spawn counter is left unchanged.
func (r *Registry) RecordDespawn(id string, pos *types.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bot, ok := r.bots[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	now := time.Now()
	bot.Status = StatusInactive
	bot.LastDespawnedAt = &now
	bot.UpdatedAt = now
	if pos != nil {
		p := *pos
		bot.LastKnownPosition = &p
	}
	r.store.MarkDirty()
	return nil
}

// RecordPosition updates the last known position of a bot.
func (r *Registry) RecordPosition(id string, pos types.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bot, ok := r.bots[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p := pos
	bot.LastKnownPosition = &p
	bot.UpdatedAt = time.Now()
	r.store.MarkDirty()
	return nil
}

// MarkInactive sets the bot's status without recording a despawn time.
func (r *Registry) MarkInactive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bot, ok := r.bots[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	bot.Status = StatusInactive
	bot.UpdatedAt = time.Now()
	r.store.MarkDirty()
	return nil
}

// MergeLearningProfile re-enriches a bot's metadata with its learning state.
func (r *Registry) MergeLearningProfile(id string, learning map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bot, ok := r.bots[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if bot.Metadata == nil {
		bot.Metadata = make(map[string]any)
	}
	bot.Metadata["learning"] = learning
	bot.UpdatedAt = time.Now()
	r.store.MarkDirty()
	return nil
}

// Get returns a copy of the bot with the given id.
func (r *Registry) Get(id string) (Bot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bot, ok := r.bots[id]
	if !ok {
		return Bot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return bot.clone(), nil
}

// GetByName returns a copy of the bot registered under name.
func (r *Registry) GetByName(name string) (Bot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byName[name]
	if !ok {
		return Bot{}, fmt.Errorf("%w: name %s", ErrNotFound, name)
	}
	return r.bots[id].clone(), nil
}

// All returns copies of every entry, sorted by id.
func (r *Registry) All() []Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Bot, 0, len(r.bots))
	for _, bot := range r.bots {
		out = append(out, bot.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListByStatus returns copies of entries in the given status, sorted by id.
func (r *Registry) ListByStatus(status Status) []Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Bot
	for _, bot := range r.bots {
		if bot.Status == status {
			out = append(out, bot.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListActive returns copies of all active bots.
func (r *Registry) ListActive() []Bot {
	return r.ListByStatus(StatusActive)
}

// ListByRole returns copies of entries with the given role, sorted by id.
func (r *Registry) ListByRole(role string) []Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byRole[role]
	out := make([]Bot, 0, len(ids))
	for _, id := range ids {
		if bot, ok := r.bots[id]; ok {
			out = append(out, bot.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountActive returns the number of active bots.
func (r *Registry) CountActive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, bot := range r.bots {
		if bot.Status == StatusActive {
			count++
		}
	}
	return count
}

// Flush forces a synchronous save of pending state.
func (r *Registry) Flush() error {
	return r.store.Flush()
}

// Close flushes pending state and releases the persistence writer.
func (r *Registry) Close() error {
	return r.store.Close()
}

func (r *Registry) snapshotDocument() (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	npcs := make([]*Bot, 0, len(r.bots))
	for _, bot := range r.bots {
		cp := bot.clone()
		npcs = append(npcs, &cp)
	}
	sort.Slice(npcs, func(i, j int) bool { return npcs[i].ID < npcs[j].ID })
	return document{Version: documentVersion, UpdatedAt: time.Now(), NPCs: npcs}, nil
}

func (r *Registry) generateIDLocked(name string) string {
	base := sanitizeName(name)
	for n := 1; ; n++ {
		id := fmt.Sprintf("%s_%02d", base, n)
		if _, exists := r.bots[id]; !exists {
			return id
		}
	}
}

// sanitizeName lowercases the base name and collapses every run of
// non-alphanumeric characters into a single underscore.
func sanitizeName(name string) string {
	var b strings.Builder
	pendingSep := false
	for _, c := range strings.ToLower(name) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(c)
		} else {
			pendingSep = true
		}
	}
	if b.Len() == 0 {
		return "bot"
	}
	return b.String()
}

func (r *Registry) indexLocked(bot *Bot) {
	r.byName[bot.Name] = bot.ID
	r.byRole[bot.Role] = append(r.byRole[bot.Role], bot.ID)
}

func (r *Registry) unindexLocked(bot *Bot) {
	if r.byName[bot.Name] == bot.ID {
		delete(r.byName, bot.Name)
	}
	ids := r.byRole[bot.Role]
	for i, id := range ids {
		if id == bot.ID {
			r.byRole[bot.Role] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.byRole[bot.Role]) == 0 {
		delete(r.byRole, bot.Role)
	}
}

func repairBot(bot *Bot) {
	bot.Personality = bot.Personality.Clamped()
	switch bot.Status {
	case StatusIdle, StatusActive, StatusInactive:
	default:
		bot.Status = StatusIdle
	}
	if bot.SpawnCount < 0 {
		bot.SpawnCount = 0
	}
	if bot.Metadata == nil {
		bot.Metadata = make(map[string]any)
	}
	applyBundle(bot)
}

func applyBundle(bot *Bot) {
	bundle := bot.Personality.Bundle()
	bot.Metadata["archetype"] = bundle.Archetype
	bot.Metadata["traits"] = bundle.Traits
	bot.Metadata["summary"] = bundle.Summary
}
