// Package policy defines the hook through which an external controller
// influences the fleet. A Policy inspects a metrics snapshot and proposes
// actions from a fixed taxonomy; the supervisor applies the payloads,
// honoring cooldowns and clamp windows.
package policy

import (
	"sync"
	"time"
)

// ActionType is the fixed taxonomy of policy outputs.
type ActionType string

const (
	// ActionAdjustPolicy changes a supervisor knob, currently the spawn
	// limit ("maxBots" in the payload).
	ActionAdjustPolicy ActionType = "adjust_policy"
	// ActionRebalanceNode requests a redistribution of bots across nodes.
	ActionRebalanceNode ActionType = "rebalance_node"
	// ActionScaleDown asks the supervisor to despawn bots ("count").
	ActionScaleDown ActionType = "scale_down"
)

// Action is one instruction returned by an evaluation. Cooldown is the
// minimum time before the same action type may be applied again.
type Action struct {
	Type     ActionType     `json:"type"`
	Reason   string         `json:"reason,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	Cooldown time.Duration  `json:"cooldown,omitempty"`
}

// Metrics is the fleet snapshot handed to Evaluate.
type Metrics struct {
	ActiveBots     int   `json:"activeBots"`
	MaxBots        int   `json:"maxBots"`
	QueueLength    int   `json:"queueLength"`
	QueueHighWater int   `json:"queueHighWater"`
	DeadLetters    int   `json:"deadLetters"`
	SpawnFailures  int64 `json:"spawnFailures"`
	CommandsFailed int64 `json:"commandsFailed"`
}

// Policy proposes zero or more actions for a metrics snapshot.
type Policy interface {
	Evaluate(m Metrics) []Action
}

// Tracker records when each action type was last applied. The supervisor
// consults it before applying and it doubles as the per-action timestamp
// record.
type Tracker struct {
	mu   sync.Mutex
	last map[ActionType]time.Time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{last: make(map[ActionType]time.Time)}
}

// Allow reports whether the action is out of cooldown and, if so, records
// now as its application time.
func (t *Tracker) Allow(a Action, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.last[a.Type]; ok && a.Cooldown > 0 && now.Sub(prev) < a.Cooldown {
		return false
	}
	t.last[a.Type] = now
	return true
}

// LastApplied returns the recorded application time of an action type.
func (t *Tracker) LastApplied(at ActionType) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.last[at]
	return ts, ok
}

// Timestamps returns a copy of every recorded application time.
func (t *Tracker) Timestamps() map[ActionType]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[ActionType]time.Time, len(t.last))
	for k, v := range t.last {
		out[k] = v
	}
	return out
}

// Threshold is a minimal policy for wiring and tests: a backed-up queue at
// full capacity proposes a scale-down, and sustained dead-lettering proposes
// lowering the spawn limit. Scoring beyond fixed thresholds is out of scope.
type Threshold struct {
	// MaxQueueLength triggers scale_down when the fleet is at capacity.
	MaxQueueLength int
	// MaxDeadLetters triggers adjust_policy (shrink the limit by one).
	MaxDeadLetters int
	// Cooldown is attached to every proposed action.
	Cooldown time.Duration
}

// Evaluate implements Policy.
func (p Threshold) Evaluate(m Metrics) []Action {
	var out []Action
	if p.MaxQueueLength > 0 && m.QueueLength >= p.MaxQueueLength && m.ActiveBots >= m.MaxBots {
		out = append(out, Action{
			Type:     ActionScaleDown,
			Reason:   "command queue backed up at full capacity",
			Payload:  map[string]any{"count": 1},
			Cooldown: p.Cooldown,
		})
	}
	if p.MaxDeadLetters > 0 && m.DeadLetters >= p.MaxDeadLetters {
		out = append(out, Action{
			Type:     ActionAdjustPolicy,
			Reason:   "dead-letter queue above threshold",
			Payload:  map[string]any{"maxBots": m.MaxBots - 1},
			Cooldown: p.Cooldown,
		})
	}
	return out
}
