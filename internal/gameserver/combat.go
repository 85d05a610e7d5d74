package gameserver

import (
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// CombatStatus is a combatant's liveness as inferred from feedback.
type CombatStatus string

const (
	StatusActive   CombatStatus = "active"
	StatusDown     CombatStatus = "down"
	StatusDefeated CombatStatus = "defeated"
)

const (
	DefaultEventHistoryLimit = 500
	DefaultEventTTL          = 10 * time.Minute
	DefaultCombatantTTL      = 5 * time.Minute
	DefaultDamageWindow      = 10 * time.Second
	DefaultDedupWindow       = 2 * time.Second
)

// WindowStats summarizes a combatant's rolling damage window.
type WindowStats struct {
	PerSecond float64 `json:"perSecond"`
	Average   float64 `json:"average"`
	Total     float64 `json:"total"`
	Samples   int     `json:"samples"`
}

// Combatant is the published view of one tracked entity.
type Combatant struct {
	ID              string             `json:"id"`
	Friendly        bool               `json:"friendly,omitempty"`
	Health          float64            `json:"health"`
	MaxHealth       float64            `json:"maxHealth,omitempty"`
	Status          CombatStatus       `json:"status"`
	LastDamage      float64            `json:"lastDamage,omitempty"`
	LastAction      string             `json:"lastAction,omitempty"`
	LastActionAt    time.Time          `json:"lastActionAt,omitempty"`
	LastEvent       string             `json:"lastEvent,omitempty"`
	LastEventAt     time.Time          `json:"lastEventAt"`
	LastDodgeAt     *time.Time         `json:"lastDodgeAt,omitempty"`
	LastBlockAt     *time.Time         `json:"lastBlockAt,omitempty"`
	LastParryAt     *time.Time         `json:"lastParryAt,omitempty"`
	LastCounteredBy string             `json:"lastCounteredBy,omitempty"`
	Kills           int                `json:"kills,omitempty"`
	Durability      map[string]float64 `json:"durability,omitempty"`
	DamageDealt     WindowStats        `json:"damageDealt"`
	DamageTaken     WindowStats        `json:"damageTaken"`
}

// CombatUpdate is the payload of a per-entity state change signal.
type CombatUpdate struct {
	EntityID string    `json:"entityId"`
	State    Combatant `json:"state"`
}

// combatant is the internal mutable record behind a Combatant view.
type combatant struct {
	id              string
	friendly        bool
	health          float64
	maxHealth       float64
	healthKnown     bool
	status          CombatStatus
	lastDamage      float64
	lastAction      string
	lastActionAt    time.Time
	lastEvent       EventType
	lastEventAt     time.Time
	lastDodge       time.Time
	lastBlock       time.Time
	lastParry       time.Time
	lastCounteredBy string
	kills           int
	durability      map[string]float64
	dealt           damageWindow
	taken           damageWindow
	lastSeen        time.Time
}

type damageSample struct {
	at     time.Time
	amount float64
}

// damageWindow keeps damage samples inside a rolling time window.
type damageWindow struct {
	window  time.Duration
	samples []damageSample
}

func (w *damageWindow) add(now time.Time, amount float64) {
	w.samples = append(w.samples, damageSample{at: now, amount: amount})
	w.prune(now)
}

func (w *damageWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0:0], w.samples[i:]...)
	}
}

func (w *damageWindow) stats(now time.Time) WindowStats {
	w.prune(now)
	if len(w.samples) == 0 {
		return WindowStats{}
	}
	var total float64
	for _, s := range w.samples {
		total += s.amount
	}
	return WindowStats{
		PerSecond: total / w.window.Seconds(),
		Average:   total / float64(len(w.samples)),
		Total:     total,
		Samples:   len(w.samples),
	}
}

type trackerConfig struct {
	HistoryLimit int
	EventTTL     time.Duration
	CombatantTTL time.Duration
	DamageWindow time.Duration
	DedupWindow  time.Duration
}

// tracker folds parsed combat events into per-entity state. All access goes
// through the adapter, which serializes callers; the tracker still guards
// itself because ticker and dispatcher goroutines both reach it.
type tracker struct {
	cfg      trackerConfig
	friendly func(string) bool

	mu         sync.Mutex
	combatants map[string]*combatant
	events     []CombatEvent
	dedup      map[[32]byte]time.Time
	deduped    int64
}

func newTracker(cfg trackerConfig, friendly func(string) bool) *tracker {
	return &tracker{
		cfg:        cfg,
		friendly:   friendly,
		combatants: make(map[string]*combatant),
		dedup:      make(map[[32]byte]time.Time),
	}
}

type applyResult struct {
	accepted     bool
	friendlyFire bool
	updated      []string
}

// dedupKey digests the identity of an event; repeats inside the dedup
// window hash to the same key.
func dedupKey(evt CombatEvent) [32]byte {
	return blake2b.Sum256([]byte(string(evt.Type) + "|" + evt.Source + "|" + evt.Target + "|" + evt.Raw))
}

// apply folds one event into the tracked state. Duplicate events inside the
// dedup window are dropped.
func (t *tracker) apply(evt CombatEvent) applyResult {
	now := evt.At
	if now.IsZero() {
		now = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := dedupKey(evt)
	if seen, ok := t.dedup[key]; ok && now.Sub(seen) < t.cfg.DedupWindow {
		t.deduped++
		return applyResult{}
	}
	t.dedup[key] = now

	t.events = append(t.events, evt)
	if n := len(t.events); n > t.cfg.HistoryLimit {
		t.events = append(t.events[:0:0], t.events[n-t.cfg.HistoryLimit:]...)
	}

	res := applyResult{accepted: true}
	touch := func(id string) *combatant {
		c := t.ensureLocked(id)
		c.lastEvent = evt.Type
		c.lastEventAt = now
		c.lastSeen = now
		res.updated = append(res.updated, id)
		return c
	}

	switch evt.Type {
	case EventAttack:
		if evt.Source != "" {
			src := touch(evt.Source)
			src.lastAction = "attack"
			src.lastActionAt = now
			src.dealt.add(now, evt.Damage)
		}
		if evt.Target != "" {
			tgt := touch(evt.Target)
			tgt.lastDamage = evt.Damage
			tgt.taken.add(now, evt.Damage)
			if evt.MaxHealth > 0 {
				tgt.setHealth(evt.Health, evt.MaxHealth)
			} else if tgt.healthKnown {
				tgt.setHealth(tgt.health-evt.Damage, tgt.maxHealth)
			}
		}
		if evt.Source != "" && evt.Target != "" && t.friendly(evt.Source) && t.friendly(evt.Target) {
			res.friendlyFire = true
		}
	case EventDodge, EventBlock, EventParry:
		if evt.Target != "" {
			tgt := touch(evt.Target)
			tgt.lastAction = string(evt.Type)
			tgt.lastActionAt = now
			switch evt.Type {
			case EventDodge:
				tgt.lastDodge = now
			case EventBlock:
				tgt.lastBlock = now
			case EventParry:
				tgt.lastParry = now
			}
		}
		if evt.Source != "" {
			src := touch(evt.Source)
			src.lastCounteredBy = evt.Target
		}
	case EventDamage:
		if evt.Target != "" {
			tgt := touch(evt.Target)
			tgt.lastDamage = evt.Damage
			tgt.taken.add(now, evt.Damage)
			if tgt.healthKnown {
				tgt.setHealth(tgt.health-evt.Damage, tgt.maxHealth)
			}
		}
	case EventHealth:
		if evt.Target != "" {
			tgt := touch(evt.Target)
			max := evt.MaxHealth
			if max == 0 {
				max = tgt.maxHealth
			}
			tgt.setHealth(evt.Health, max)
		}
	case EventDefeated:
		if evt.Target != "" {
			tgt := touch(evt.Target)
			tgt.status = StatusDefeated
			tgt.health = 0
			tgt.healthKnown = true
		}
		if evt.Source != "" {
			src := touch(evt.Source)
			src.kills++
			src.lastAction = "kill"
			src.lastActionAt = now
		}
	case EventHeal:
		if evt.Target != "" {
			tgt := touch(evt.Target)
			if tgt.healthKnown {
				healed := tgt.health + evt.Amount
				if tgt.maxHealth > 0 && healed > tgt.maxHealth {
					healed = tgt.maxHealth
				}
				tgt.setHealth(healed, tgt.maxHealth)
			}
		}
	case EventDurability:
		if evt.Target != "" {
			tgt := touch(evt.Target)
			if tgt.durability == nil {
				tgt.durability = make(map[string]float64)
			}
			tgt.durability[evt.Item] = evt.Amount
		}
	}
	return res
}

// setHealth clamps and stores health, deriving the status. A positive
// health report revives a downed or defeated combatant.
func (c *combatant) setHealth(health, max float64) {
	if health < 0 {
		health = 0
	}
	if max > 0 && health > max {
		health = max
	}
	c.health = health
	if max > 0 {
		c.maxHealth = max
	}
	c.healthKnown = true
	if health <= 0 {
		if c.status != StatusDefeated {
			c.status = StatusDown
		}
	} else {
		c.status = StatusActive
	}
}

func (t *tracker) ensureLocked(id string) *combatant {
	if c, ok := t.combatants[id]; ok {
		return c
	}
	c := &combatant{
		id:       id,
		friendly: t.friendly(id),
		status:   StatusActive,
		dealt:    damageWindow{window: t.cfg.DamageWindow},
		taken:    damageWindow{window: t.cfg.DamageWindow},
	}
	t.combatants[id] = c
	return c
}

func (c *combatant) view(now time.Time) Combatant {
	out := Combatant{
		ID:              c.id,
		Friendly:        c.friendly,
		Health:          c.health,
		MaxHealth:       c.maxHealth,
		Status:          c.status,
		LastDamage:      c.lastDamage,
		LastAction:      c.lastAction,
		LastActionAt:    c.lastActionAt,
		LastEvent:       string(c.lastEvent),
		LastEventAt:     c.lastEventAt,
		LastCounteredBy: c.lastCounteredBy,
		Kills:           c.kills,
		DamageDealt:     c.dealt.stats(now),
		DamageTaken:     c.taken.stats(now),
	}
	if !c.lastDodge.IsZero() {
		ts := c.lastDodge
		out.LastDodgeAt = &ts
	}
	if !c.lastBlock.IsZero() {
		ts := c.lastBlock
		out.LastBlockAt = &ts
	}
	if !c.lastParry.IsZero() {
		ts := c.lastParry
		out.LastParryAt = &ts
	}
	if len(c.durability) > 0 {
		out.Durability = make(map[string]float64, len(c.durability))
		for k, v := range c.durability {
			out.Durability[k] = v
		}
	}
	return out
}

func (t *tracker) combatant(id string) (Combatant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.combatants[id]
	if !ok {
		return Combatant{}, false
	}
	return c.view(time.Now()), true
}

func (t *tracker) snapshot() map[string]Combatant {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	out := make(map[string]Combatant, len(t.combatants))
	for id, c := range t.combatants {
		out[id] = c.view(now)
	}
	return out
}

// history returns up to limit recent events, newest first.
func (t *tracker) history(limit int) []CombatEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]CombatEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, t.events[i])
	}
	return out
}

// cleanup drops combatants idle past their TTL, history entries past
// theirs, and stale dedup keys. Returns (combatants, events) removed.
func (t *tracker) cleanup(now time.Time) (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	expired := 0
	for id, c := range t.combatants {
		if now.Sub(c.lastSeen) > t.cfg.CombatantTTL {
			delete(t.combatants, id)
			expired++
		}
	}

	cutoff := now.Add(-t.cfg.EventTTL)
	i := 0
	for i < len(t.events) && t.events[i].At.Before(cutoff) {
		i++
	}
	dropped := i
	if i > 0 {
		t.events = append(t.events[:0:0], t.events[i:]...)
	}

	for key, seen := range t.dedup {
		if now.Sub(seen) > t.cfg.DedupWindow {
			delete(t.dedup, key)
		}
	}
	return expired, dropped
}

func (t *tracker) counts() (combatants, tracked int, deduped int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.combatants), len(t.events), t.deduped
}
