package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Executor performs the housekeeping actions on behalf of job runners.
// The app wiring implements it on top of the learning store, supervisor,
// and game adapter.
type Executor interface {
	// PruneOutcomes drops expired task outcomes and reports how many.
	PruneOutcomes(ctx context.Context) (int, error)
	// RetryDeadLetters re-attempts parked spawns. maxRetries <= 0 means
	// the supervisor default.
	RetryDeadLetters(ctx context.Context, maxRetries int) (retried, failed int, err error)
	// PersistCombatSnapshot forces a combat-state save.
	PersistCombatSnapshot(ctx context.Context) error
	// RefreshProfiles re-merges learning summaries into registry metadata
	// and reports how many profiles were touched.
	RefreshProfiles(ctx context.Context) (int, error)
}

// stateSink receives job state updates from runners. The scheduler
// implements it so all state lives behind one lock.
type stateSink interface {
	markScheduled(id string, at time.Time)
	markRun(id string, duration time.Duration, err error)
}

// jobRunner executes a single job on schedule
type jobRunner struct {
	job      *Job
	ticker   *time.Ticker
	logger   *slog.Logger
	executor Executor
	sink     stateSink
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newJobRunner(job *Job, executor Executor, sink stateSink, log *slog.Logger) *jobRunner {
	if log == nil {
		log = slog.Default()
	}
	return &jobRunner{
		job:      job,
		executor: executor,
		sink:     sink,
		logger:   log.With("job", job.ID),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins executing the job on schedule. It blocks until the context
// is cancelled or Stop is called.
func (r *jobRunner) Start(ctx context.Context) {
	defer close(r.doneCh)

	if !r.job.Enabled {
		r.logger.Debug("job disabled, not starting")
		return
	}

	nextRun, err := r.job.NextRun(time.Now())
	if err != nil {
		r.logger.Error("failed to calculate next run", "error", err)
		return
	}
	r.sink.markScheduled(r.job.ID, nextRun)

	r.logger.Info("job runner started", "next_run", nextRun.Format(time.RFC3339))

	var tickerDuration time.Duration
	switch r.job.Schedule.Kind {
	case ScheduleInterval:
		tickerDuration = time.Duration(r.job.Schedule.IntervalMs) * time.Millisecond
	default:
		// Check every minute for cron/at schedules.
		tickerDuration = time.Minute
	}

	r.ticker = time.NewTicker(tickerDuration)
	defer r.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopped (context cancelled)")
			return
		case <-r.stopCh:
			r.logger.Info("job runner stopped")
			return
		case now := <-r.ticker.C:
			// Interval schedules fire on every tick; cron/at wait for
			// their computed slot.
			if r.job.Schedule.Kind != ScheduleInterval && now.Before(nextRun) {
				continue
			}

			r.runOnce(ctx)

			next, err := r.job.NextRun(time.Now())
			if err != nil {
				r.logger.Error("failed to calculate next run", "error", err)
				continue
			}
			nextRun = next
			r.sink.markScheduled(r.job.ID, next)
			r.logger.Debug("next run scheduled", "next_run", next.Format(time.RFC3339))
		}
	}
}

// Stop stops the job runner and waits for it to exit.
func (r *jobRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// runOnce executes the job action a single time and records the result.
func (r *jobRunner) runOnce(ctx context.Context) error {
	start := time.Now()
	r.logger.Info("executing job")

	summary, err := runAction(ctx, r.executor, r.job.Action)
	duration := time.Since(start)
	r.sink.markRun(r.job.ID, duration, err)

	if err != nil {
		r.logger.Error("job failed", "error", err, "duration", duration)
		return err
	}
	r.logger.Info("job completed", "result", summary, "duration", duration)
	return nil
}

// runAction dispatches an action to the executor and returns a short
// human-readable result.
func runAction(ctx context.Context, executor Executor, action ActionConfig) (string, error) {
	if executor == nil {
		return "", fmt.Errorf("executor not set (cannot execute %s)", action.Kind)
	}

	switch action.Kind {
	case ActionPruneOutcomes:
		pruned, err := executor.PruneOutcomes(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("pruned %d outcome(s)", pruned), nil

	case ActionRetryDeadLetters:
		retried, failed, err := executor.RetryDeadLetters(ctx, action.MaxRetries)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("retried %d dead letter(s), %d still failing", retried, failed), nil

	case ActionPersistSnapshot:
		if err := executor.PersistCombatSnapshot(ctx); err != nil {
			return "", err
		}
		return "combat snapshot persisted", nil

	case ActionRefreshProfiles:
		refreshed, err := executor.RefreshProfiles(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("refreshed %d profile(s)", refreshed), nil

	default:
		return "", fmt.Errorf("unknown action kind: %s", action.Kind)
	}
}
