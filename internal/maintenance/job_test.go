package maintenance

import (
	"testing"
	"time"
)

func TestJobValidation(t *testing.T) {
	tests := []struct {
		name    string
		job     *Job
		wantErr bool
	}{
		{
			name: "valid interval job",
			job: &Job{
				ID:       "prune",
				Name:     "Prune outcomes",
				Enabled:  true,
				Schedule: ScheduleConfig{Kind: ScheduleInterval, IntervalMs: 60000},
				Action:   ActionConfig{Kind: ActionPruneOutcomes},
			},
			wantErr: false,
		},
		{
			name: "valid cron job",
			job: &Job{
				ID:       "retry",
				Name:     "Retry dead letters",
				Enabled:  true,
				Schedule: ScheduleConfig{Kind: ScheduleCron, Expr: "*/15 * * * *"},
				Action:   ActionConfig{Kind: ActionRetryDeadLetters, MaxRetries: 2},
			},
			wantErr: false,
		},
		{
			name: "valid at job",
			job: &Job{
				ID:       "refresh",
				Name:     "Refresh profiles",
				Enabled:  true,
				Schedule: ScheduleConfig{Kind: ScheduleAt, Time: "04:30"},
				Action:   ActionConfig{Kind: ActionRefreshProfiles},
			},
			wantErr: false,
		},
		{
			name: "missing job ID",
			job: &Job{
				Name:     "Prune",
				Schedule: ScheduleConfig{Kind: ScheduleInterval, IntervalMs: 60000},
				Action:   ActionConfig{Kind: ActionPruneOutcomes},
			},
			wantErr: true,
		},
		{
			name: "missing job name",
			job: &Job{
				ID:       "prune",
				Schedule: ScheduleConfig{Kind: ScheduleInterval, IntervalMs: 60000},
				Action:   ActionConfig{Kind: ActionPruneOutcomes},
			},
			wantErr: true,
		},
		{
			name: "unknown schedule kind",
			job: &Job{
				ID:       "prune",
				Name:     "Prune",
				Schedule: ScheduleConfig{Kind: "lunar"},
				Action:   ActionConfig{Kind: ActionPruneOutcomes},
			},
			wantErr: true,
		},
		{
			name: "invalid cron expression",
			job: &Job{
				ID:       "prune",
				Name:     "Prune",
				Schedule: ScheduleConfig{Kind: ScheduleCron, Expr: "not a cron"},
				Action:   ActionConfig{Kind: ActionPruneOutcomes},
			},
			wantErr: true,
		},
		{
			name: "invalid time format",
			job: &Job{
				ID:       "prune",
				Name:     "Prune",
				Schedule: ScheduleConfig{Kind: ScheduleAt, Time: "25:00"},
				Action:   ActionConfig{Kind: ActionPruneOutcomes},
			},
			wantErr: true,
		},
		{
			name: "zero interval",
			job: &Job{
				ID:       "prune",
				Name:     "Prune",
				Schedule: ScheduleConfig{Kind: ScheduleInterval, IntervalMs: 0},
				Action:   ActionConfig{Kind: ActionPruneOutcomes},
			},
			wantErr: true,
		},
		{
			name: "unknown action kind",
			job: &Job{
				ID:       "prune",
				Name:     "Prune",
				Schedule: ScheduleConfig{Kind: ScheduleInterval, IntervalMs: 60000},
				Action:   ActionConfig{Kind: "compact_world"},
			},
			wantErr: true,
		},
		{
			name: "negative retry budget",
			job: &Job{
				ID:       "retry",
				Name:     "Retry",
				Schedule: ScheduleConfig{Kind: ScheduleInterval, IntervalMs: 60000},
				Action:   ActionConfig{Kind: ActionRetryDeadLetters, MaxRetries: -1},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Job.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNextRun(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		job      *Job
		from     time.Time
		wantNext time.Time
		wantErr  bool
	}{
		{
			name: "interval 1 hour",
			job: &Job{
				Schedule: ScheduleConfig{Kind: ScheduleInterval, IntervalMs: 3600000},
			},
			from:     now,
			wantNext: now.Add(1 * time.Hour),
		},
		{
			name: "interval 5 minutes",
			job: &Job{
				Schedule: ScheduleConfig{Kind: ScheduleInterval, IntervalMs: 300000},
			},
			from:     now,
			wantNext: now.Add(5 * time.Minute),
		},
		{
			name: "cron every hour",
			job: &Job{
				Schedule: ScheduleConfig{Kind: ScheduleCron, Expr: "0 * * * *"},
			},
			from:     now,
			wantNext: time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC),
		},
		{
			name: "cron every day at midnight",
			job: &Job{
				Schedule: ScheduleConfig{Kind: ScheduleCron, Expr: "0 0 * * *"},
			},
			from:     now,
			wantNext: time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "at 15:00 same day",
			job: &Job{
				Schedule: ScheduleConfig{Kind: ScheduleAt, Time: "15:00"},
			},
			from:     now,
			wantNext: time.Date(2026, 3, 2, 15, 0, 0, 0, time.Local),
		},
		{
			name: "at 09:00 rolls to next day",
			job: &Job{
				Schedule: ScheduleConfig{Kind: ScheduleAt, Time: "09:00"},
			},
			from:     now,
			wantNext: time.Date(2026, 3, 3, 9, 0, 0, 0, time.Local),
		},
		{
			name: "unknown kind",
			job: &Job{
				Schedule: ScheduleConfig{Kind: "lunar"},
			},
			from:    now,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := tt.job.NextRun(tt.from)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Job.NextRun() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			// "at" schedules resolve in the local zone, so compare only
			// the wall-clock slot.
			if tt.job.Schedule.Kind == ScheduleAt {
				if next.Hour() != tt.wantNext.Hour() || next.Minute() != tt.wantNext.Minute() {
					t.Errorf("Job.NextRun() = %v, want %v (hour/minute)", next, tt.wantNext)
				}
				return
			}
			if !next.Equal(tt.wantNext) {
				t.Errorf("Job.NextRun() = %v, want %v", next, tt.wantNext)
			}
		})
	}
}

func TestJobClone(t *testing.T) {
	original := &Job{
		ID:      "prune",
		Name:    "Prune outcomes",
		Enabled: true,
		Schedule: ScheduleConfig{
			Kind:       ScheduleInterval,
			IntervalMs: 60000,
		},
		Action: ActionConfig{
			Kind: ActionPruneOutcomes,
		},
		State: JobState{
			RunCount:   10,
			ErrorCount: 2,
		},
	}

	clone := original.Clone()

	if clone.ID != original.ID {
		t.Errorf("Clone ID mismatch")
	}
	if clone.State.RunCount != original.State.RunCount {
		t.Errorf("Clone State.RunCount mismatch")
	}

	clone.Enabled = false
	clone.State.RunCount = 20

	if !original.Enabled {
		t.Errorf("Modifying clone affected original.Enabled")
	}
	if original.State.RunCount != 10 {
		t.Errorf("Modifying clone affected original.State.RunCount")
	}
}

func TestDefaultJobsAreValid(t *testing.T) {
	jobs := DefaultJobs()
	if len(jobs) == 0 {
		t.Fatal("DefaultJobs() returned no jobs")
	}

	enabled := 0
	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			t.Errorf("default job %s invalid: %v", job.ID, err)
		}
		if job.Enabled {
			enabled++
		}
	}

	if enabled == 0 {
		t.Error("expected at least one enabled default job")
	}

	// The snapshot job ships disabled: the adapter persists on its own.
	for _, job := range jobs {
		if job.Action.Kind == ActionPersistSnapshot && job.Enabled {
			t.Error("persist_combat_snapshot default should be disabled")
		}
	}
}
