package supervisor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/botherd/botherd/internal/events"
	"github.com/botherd/botherd/internal/registry"
	"github.com/botherd/botherd/internal/types"
)

// DeadLetter is one exhausted spawn attempt parked for operator retry.
type DeadLetter struct {
	ID        string         `json:"id"`
	Profile   registry.Bot   `json:"profile"`
	Position  types.Position `json:"position"`
	LastError string         `json:"lastError"`
	Failures  int            `json:"failures"`
	At        time.Time      `json:"at"`
}

// deadLetter parks a profile after retries ran out.
func (s *Supervisor) deadLetter(bot registry.Bot, pos types.Position, cause error) {
	s.mu.Lock()
	entry := DeadLetter{
		ID:        uuid.NewString(),
		Profile:   bot,
		Position:  pos,
		LastError: cause.Error(),
		Failures:  s.failures[bot.ID],
		At:        time.Now(),
	}
	s.dlq = append(s.dlq, entry)
	s.mu.Unlock()

	s.logger.Warn("spawn dead-lettered",
		"id", bot.ID, "entry", entry.ID, "failures", entry.Failures, "error", cause)
	s.emit(events.TypeDeadLetter, entry)
}

// DeadLetters returns a copy of the queue, oldest first.
func (s *Supervisor) DeadLetters() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetter, len(s.dlq))
	copy(out, s.dlq)
	return out
}

// RetryOptions tunes a dead-letter drain.
type RetryOptions struct {
	// MaxRetries overrides the configured per-spawn attempt count.
	MaxRetries int `json:"maxRetries,omitempty"`
}

// RetryResult partitions a drain into bots that spawned and bots that were
// dead-lettered again.
type RetryResult struct {
	Successes []string `json:"successes"`
	Failures  []string `json:"failures"`
}

// RetryDeadLetterQueue drains the queue into fresh spawn attempts. An empty
// queue returns empty partitions with no side effects. Entries that fail
// again are re-parked (with a fresh entry id); capacity rejections re-park
// the original entry untouched.
func (s *Supervisor) RetryDeadLetterQueue(ctx context.Context, opts RetryOptions) RetryResult {
	res := RetryResult{Successes: []string{}, Failures: []string{}}

	s.mu.Lock()
	drained := s.dlq
	s.dlq = nil
	s.mu.Unlock()
	if len(drained) == 0 {
		return res
	}

	retries := opts.MaxRetries
	if retries <= 0 {
		retries = s.cfg.MaxRetries
	}

	s.logger.Info("retrying dead-letter queue", "entries", len(drained))
	for _, entry := range drained {
		if err := s.capacityCheck(1); err != nil {
			s.mu.Lock()
			s.dlq = append(s.dlq, entry)
			s.mu.Unlock()
			res.Failures = append(res.Failures, entry.Profile.ID)
			continue
		}

		bot, err := s.materialize(ctx, entry.Profile, entry.Position, true, retries)
		switch {
		case err != nil:
			// Context cancellation or a registry failure: park the
			// entry again rather than lose it.
			s.mu.Lock()
			s.dlq = append(s.dlq, entry)
			s.mu.Unlock()
			res.Failures = append(res.Failures, entry.Profile.ID)
		case bot == nil:
			res.Failures = append(res.Failures, entry.Profile.ID)
		default:
			res.Successes = append(res.Successes, bot.ID)
		}
	}
	return res
}
