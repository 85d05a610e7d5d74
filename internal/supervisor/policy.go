package supervisor

import (
	"context"
	"sort"
	"time"

	"github.com/botherd/botherd/internal/policy"
)

// PolicyMetrics gathers the fleet snapshot handed to a policy evaluation.
func (s *Supervisor) PolicyMetrics() policy.Metrics {
	m := policy.Metrics{
		ActiveBots: s.registry.CountActive(),
		MaxBots:    s.MaxBots(),
	}

	s.mu.Lock()
	m.DeadLetters = len(s.dlq)
	for _, n := range s.failures {
		m.SpawnFailures += int64(n)
	}
	s.mu.Unlock()

	if s.adapter != nil {
		am := s.adapter.Metrics()
		m.QueueLength = am.QueueLength
		m.QueueHighWater = am.QueueHighWater
		m.CommandsFailed = am.CommandsFailed
	}
	return m
}

// ApplyPolicy evaluates p against current metrics and applies every action
// that is out of cooldown, recording its timestamp. The applied actions
// are returned.
func (s *Supervisor) ApplyPolicy(ctx context.Context, p policy.Policy) []policy.Action {
	now := time.Now()
	applied := make([]policy.Action, 0)
	for _, action := range p.Evaluate(s.PolicyMetrics()) {
		if !s.tracker.Allow(action, now) {
			s.logger.Debug("policy action in cooldown", "type", action.Type)
			continue
		}
		switch action.Type {
		case policy.ActionAdjustPolicy:
			s.applyAdjust(action)
		case policy.ActionScaleDown:
			s.applyScaleDown(ctx, action)
		case policy.ActionRebalanceNode:
			// Single-node deployment: recorded for the timestamp only.
			s.logger.Info("rebalance requested", "reason", action.Reason)
		default:
			s.logger.Warn("unknown policy action", "type", action.Type)
			continue
		}
		applied = append(applied, action)
	}
	return applied
}

// PolicyTimestamps returns when each action type was last applied.
func (s *Supervisor) PolicyTimestamps() map[policy.ActionType]time.Time {
	return s.tracker.Timestamps()
}

// applyAdjust moves the live spawn limit to the "maxBots" payload, clamped
// into [1, configured max].
func (s *Supervisor) applyAdjust(action policy.Action) {
	v, ok := numberPayload(action.Payload, "maxBots")
	if !ok {
		s.logger.Warn("adjust_policy without a maxBots payload")
		return
	}
	limit := int(v)
	if limit < 1 {
		limit = 1
	}
	if limit > s.cfg.MaxBots {
		limit = s.cfg.MaxBots
	}

	s.mu.Lock()
	old := s.maxBots
	s.maxBots = limit
	s.mu.Unlock()
	if old != limit {
		s.logger.Info("spawn limit adjusted", "from", old, "to", limit, "reason", action.Reason)
	}
}

// applyScaleDown despawns up to "count" active bots, most recently spawned
// first.
func (s *Supervisor) applyScaleDown(ctx context.Context, action policy.Action) {
	count := 1
	if v, ok := numberPayload(action.Payload, "count"); ok && v > 0 {
		count = int(v)
	}

	active := s.registry.ListActive()
	sort.Slice(active, func(i, j int) bool {
		ti, tj := active[i].LastSpawnedAt, active[j].LastSpawnedAt
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.After(*tj)
		}
	})

	for i := 0; i < count && i < len(active); i++ {
		if err := s.Despawn(ctx, active[i].ID); err != nil {
			s.logger.Warn("scale-down despawn failed", "id", active[i].ID, "error", err)
		}
	}
}

// numberPayload reads a numeric payload value; JSON decoding hands numbers
// over as float64.
func numberPayload(payload map[string]any, key string) (float64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
