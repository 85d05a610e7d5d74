// Package maintenance schedules recurring housekeeping for the herd:
// pruning stale learning outcomes, draining the spawn dead-letter queue,
// persisting combat state, and refreshing profile metadata.
package maintenance

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule kinds.
const (
	ScheduleInterval = "interval"
	ScheduleCron     = "cron"
	ScheduleAt       = "at"
)

// Action kinds. Each maps to one Executor method.
const (
	ActionPruneOutcomes    = "prune_outcomes"
	ActionRetryDeadLetters = "retry_dead_letters"
	ActionPersistSnapshot  = "persist_combat_snapshot"
	ActionRefreshProfiles  = "refresh_profiles"
)

// Job represents a scheduled housekeeping task
type Job struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Schedule ScheduleConfig `json:"schedule"`
	Action   ActionConfig   `json:"action"`
	Enabled  bool           `json:"enabled"`
	State    JobState       `json:"state"`
}

// ScheduleConfig defines when a job runs
type ScheduleConfig struct {
	Kind       string `json:"kind"` // "interval", "cron", "at"
	IntervalMs int64  `json:"intervalMs,omitempty"`
	Expr       string `json:"expr,omitempty"` // cron expression
	Time       string `json:"time,omitempty"` // "HH:MM" for daily
	Timezone   string `json:"timezone,omitempty"`
}

// ActionConfig defines what a job does
type ActionConfig struct {
	Kind       string `json:"kind"`
	MaxRetries int    `json:"maxRetries,omitempty"` // retry budget per dead letter (retry_dead_letters only)
}

// JobState tracks job execution state
type JobState struct {
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
	RunCount     int64         `json:"runCount"`
	ErrorCount   int64         `json:"errorCount"`
	LastError    string        `json:"lastError,omitempty"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
}

// Validate checks if job configuration is valid
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID required")
	}
	if j.Name == "" {
		return fmt.Errorf("job name required")
	}

	switch j.Schedule.Kind {
	case ScheduleInterval:
		if j.Schedule.IntervalMs <= 0 {
			return fmt.Errorf("intervalMs must be positive")
		}
	case ScheduleCron:
		if j.Schedule.Expr == "" {
			return fmt.Errorf("cron expression required")
		}
		if _, err := cron.ParseStandard(j.Schedule.Expr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	case ScheduleAt:
		if j.Schedule.Time == "" {
			return fmt.Errorf("time required for 'at' schedule")
		}
		if _, err := time.Parse("15:04", j.Schedule.Time); err != nil {
			return fmt.Errorf("invalid time format (use HH:MM): %w", err)
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s (use interval, cron, or at)", j.Schedule.Kind)
	}

	switch j.Action.Kind {
	case ActionPruneOutcomes, ActionPersistSnapshot, ActionRefreshProfiles:
	case ActionRetryDeadLetters:
		if j.Action.MaxRetries < 0 {
			return fmt.Errorf("maxRetries must not be negative")
		}
	default:
		return fmt.Errorf("unknown action kind: %s (use prune_outcomes, retry_dead_letters, persist_combat_snapshot, or refresh_profiles)", j.Action.Kind)
	}

	return nil
}

// NextRun calculates the next run time based on schedule
func (j *Job) NextRun(from time.Time) (time.Time, error) {
	switch j.Schedule.Kind {
	case ScheduleInterval:
		interval := time.Duration(j.Schedule.IntervalMs) * time.Millisecond
		return from.Add(interval), nil

	case ScheduleCron:
		schedule, err := cron.ParseStandard(j.Schedule.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron: %w", err)
		}
		return schedule.Next(from), nil

	case ScheduleAt:
		t, err := time.Parse("15:04", j.Schedule.Time)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time: %w", err)
		}

		loc := time.Local
		if j.Schedule.Timezone != "" {
			loc, err = time.LoadLocation(j.Schedule.Timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("load timezone: %w", err)
			}
		}

		next := time.Date(from.Year(), from.Month(), from.Day(),
			t.Hour(), t.Minute(), 0, 0, loc)

		// If time has passed today, schedule for tomorrow.
		if next.Before(from) || next.Equal(from) {
			next = next.Add(24 * time.Hour)
		}

		return next, nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", j.Schedule.Kind)
	}
}

// Clone creates a deep copy of the job
func (j *Job) Clone() *Job {
	data, _ := json.Marshal(j)
	var clone Job
	json.Unmarshal(data, &clone)
	return &clone
}

// DefaultJobs returns the built-in housekeeping schedule. The snapshot job
// ships disabled: the game adapter already persists combat state on its own
// ticker, so the job only matters when an operator wants extra saves.
func DefaultJobs() []*Job {
	return []*Job{
		{
			ID:       "prune-outcomes",
			Name:     "Prune expired task outcomes",
			Schedule: ScheduleConfig{Kind: ScheduleInterval, IntervalMs: time.Hour.Milliseconds()},
			Action:   ActionConfig{Kind: ActionPruneOutcomes},
			Enabled:  true,
		},
		{
			ID:       "retry-dead-letters",
			Name:     "Retry dead-lettered spawns",
			Schedule: ScheduleConfig{Kind: ScheduleCron, Expr: "*/15 * * * *"},
			Action:   ActionConfig{Kind: ActionRetryDeadLetters},
			Enabled:  true,
		},
		{
			ID:       "refresh-profiles",
			Name:     "Refresh profile learning metadata",
			Schedule: ScheduleConfig{Kind: ScheduleAt, Time: "04:30"},
			Action:   ActionConfig{Kind: ActionRefreshProfiles},
			Enabled:  true,
		},
		{
			ID:       "persist-combat-snapshot",
			Name:     "Persist combat snapshot",
			Schedule: ScheduleConfig{Kind: ScheduleInterval, IntervalMs: (5 * time.Minute).Milliseconds()},
			Action:   ActionConfig{Kind: ActionPersistSnapshot},
			Enabled:  false,
		},
	}
}
