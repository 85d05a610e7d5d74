package supervisor

import (
	"context"
	"fmt"

	"github.com/botherd/botherd/internal/registry"
	"github.com/botherd/botherd/internal/types"
)

// BatchError records why one batch entry did not spawn.
type BatchError struct {
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
	Error string `json:"error"`
}

// BatchResult accumulates the per-entry outcomes of a batch spawn.
type BatchResult struct {
	Spawned []registry.Bot `json:"spawned"`
	Failed  []BatchError   `json:"failed,omitempty"`
}

// SpawnBatch pre-checks the whole batch against the spawn limit, then
// spawns sequentially, accumulating per-entry failures instead of aborting.
func (s *Supervisor) SpawnBatch(ctx context.Context, list []SpawnOptions) (BatchResult, error) {
	if len(list) == 0 {
		return BatchResult{}, nil
	}
	if err := s.capacityCheck(len(list)); err != nil {
		return BatchResult{}, err
	}

	var res BatchResult
	for _, opts := range list {
		bot, err := s.Spawn(ctx, opts)
		switch {
		case err != nil:
			res.Failed = append(res.Failed, BatchError{Name: opts.Name, Role: opts.Role, Error: err.Error()})
		case bot == nil:
			res.Failed = append(res.Failed, BatchError{Name: opts.Name, Role: opts.Role, Error: "spawn dead-lettered after retries"})
		default:
			res.Spawned = append(res.Spawned, *bot)
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}
	return res, nil
}

// TeamOptions tunes a preset expansion.
type TeamOptions struct {
	NamePrefix string          `json:"namePrefix,omitempty"`
	Position   *types.Position `json:"position,omitempty"`
}

// SpawnTeam expands a team preset into a batch spawn. Roles repeated within
// a preset get numbered names so each expansion yields distinct bots.
func (s *Supervisor) SpawnTeam(ctx context.Context, preset string, opts TeamOptions) (BatchResult, error) {
	roleNames, err := s.catalog.Preset(preset)
	if err != nil {
		return BatchResult{}, err
	}

	totals := make(map[string]int, len(roleNames))
	for _, role := range roleNames {
		totals[role]++
	}

	seen := make(map[string]int, len(totals))
	list := make([]SpawnOptions, 0, len(roleNames))
	for _, role := range roleNames {
		seen[role]++
		name := role
		if opts.NamePrefix != "" {
			name = opts.NamePrefix + "_" + role
		}
		if totals[role] > 1 {
			name = fmt.Sprintf("%s_%d", name, seen[role])
		}
		list = append(list, SpawnOptions{Name: name, Role: role, Position: opts.Position})
	}

	s.logger.Info("spawning team", "preset", preset, "size", len(list))
	return s.SpawnBatch(ctx, list)
}

// SpawnAllKnown re-spawns every registry bot that is not currently active.
// Capacity rejections are recorded per entry so the result shows exactly
// which bots did not fit.
func (s *Supervisor) SpawnAllKnown(ctx context.Context) (BatchResult, error) {
	var res BatchResult
	for _, bot := range s.registry.All() {
		if bot.Status == registry.StatusActive {
			continue
		}
		if err := s.capacityCheck(1); err != nil {
			res.Failed = append(res.Failed, BatchError{Name: bot.Name, Role: bot.Role, Error: err.Error()})
			continue
		}

		spawned, err := s.materialize(ctx, bot, bot.SpawnPosition, true, s.cfg.MaxRetries)
		switch {
		case err != nil:
			res.Failed = append(res.Failed, BatchError{Name: bot.Name, Role: bot.Role, Error: err.Error()})
		case spawned == nil:
			res.Failed = append(res.Failed, BatchError{Name: bot.Name, Role: bot.Role, Error: "spawn dead-lettered after retries"})
		default:
			res.Spawned = append(res.Spawned, *spawned)
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}
	s.logger.Info("spawn-all finished", "spawned", len(res.Spawned), "failed", len(res.Failed))
	return res, nil
}
