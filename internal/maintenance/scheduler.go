package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrJobNotFound is returned when a job ID is not registered.
var ErrJobNotFound = errors.New("maintenance: job not found")

// Scheduler manages all housekeeping jobs
type Scheduler struct {
	jobs     map[string]*Job
	runners  map[string]*jobRunner
	executor Executor
	logger   *slog.Logger
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
}

// Config holds scheduler configuration
type Config struct {
	Enabled bool   `json:"enabled"`
	Jobs    []*Job `json:"jobs,omitempty"`
}

// Stats summarizes scheduler activity for the status surface.
type Stats struct {
	TotalJobs   int   `json:"totalJobs"`
	EnabledJobs int   `json:"enabledJobs"`
	RunningJobs int   `json:"runningJobs"`
	TotalRuns   int64 `json:"totalRuns"`
	TotalErrors int64 `json:"totalErrors"`
}

// NewScheduler creates a new scheduler
func NewScheduler(executor Executor, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		jobs:     make(map[string]*Job),
		runners:  make(map[string]*jobRunner),
		executor: executor,
		logger:   logger.With("component", "maintenance"),
	}
}

// Start launches runners for all enabled jobs
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("starting maintenance scheduler", "jobs", len(s.jobs))

	for id, job := range s.jobs {
		if !job.Enabled {
			s.logger.Debug("skipping disabled job", "job", id)
			continue
		}

		runner := newJobRunner(job.Clone(), s.executor, s, s.logger)
		s.runners[id] = runner
		go runner.Start(s.ctx)
	}

	s.logger.Info("maintenance scheduler started", "active_jobs", len(s.runners))
	return nil
}

// Stop stops all job runners and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.logger.Info("stopping maintenance scheduler")
	if s.cancel != nil {
		s.cancel()
	}
	runners := s.runners
	s.runners = make(map[string]*jobRunner)
	s.ctx = nil
	s.cancel = nil
	// Runners report state through the scheduler lock, so waiting on them
	// must happen outside it.
	s.mu.Unlock()

	for id, runner := range runners {
		runner.Stop()
		s.logger.Debug("stopped job runner", "job", id)
	}

	s.logger.Info("maintenance scheduler stopped")
}

// AddJob adds a new job to the scheduler
func (s *Scheduler) AddJob(job *Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("maintenance: invalid job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("maintenance: job %s already exists", job.ID)
	}

	s.jobs[job.ID] = job

	if s.ctx != nil && job.Enabled {
		runner := newJobRunner(job.Clone(), s.executor, s, s.logger)
		s.runners[job.ID] = runner
		go runner.Start(s.ctx)
		s.logger.Info("job added and started", "job", job.ID)
	} else {
		s.logger.Info("job added", "job", job.ID, "enabled", job.Enabled)
	}

	return nil
}

// RemoveJob removes a job and stops its runner if one is active.
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	if _, exists := s.jobs[id]; !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	runner := s.runners[id]
	delete(s.runners, id)
	delete(s.jobs, id)
	s.mu.Unlock()

	if runner != nil {
		runner.Stop()
	}
	s.logger.Info("job removed", "job", id)

	return nil
}

// UpdateJob replaces an existing job, restarting its runner when the
// scheduler is live. Run counters start over with the new definition.
func (s *Scheduler) UpdateJob(job *Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("maintenance: invalid job: %w", err)
	}

	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
	}
	runner := s.runners[job.ID]
	delete(s.runners, job.ID)
	s.mu.Unlock()

	if runner != nil {
		runner.Stop()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = job

	if s.ctx != nil && job.Enabled {
		fresh := newJobRunner(job.Clone(), s.executor, s, s.logger)
		s.runners[job.ID] = fresh
		go fresh.Start(s.ctx)
		s.logger.Info("job updated and restarted", "job", job.ID)
	} else {
		s.logger.Info("job updated", "job", job.ID, "enabled", job.Enabled)
	}

	return nil
}

// GetJob retrieves a job by ID
func (s *Scheduler) GetJob(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	return job.Clone(), nil
}

// ListJobs returns all jobs
func (s *Scheduler) ListJobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.Clone())
	}

	return jobs
}

// RunJobNow triggers a job immediately, bypassing its schedule. The run is
// recorded in job state like any scheduled run.
func (s *Scheduler) RunJobNow(ctx context.Context, id string) error {
	s.mu.RLock()
	job, exists := s.jobs[id]
	var clone *Job
	if exists {
		clone = job.Clone()
	}
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	runner := newJobRunner(clone, s.executor, s, s.logger)
	return runner.runOnce(ctx)
}

// LoadJobs loads jobs from configuration, skipping invalid entries.
func (s *Scheduler) LoadJobs(jobs []*Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			s.logger.Warn("invalid job in config, skipping",
				"job", job.ID,
				"error", err)
			continue
		}

		s.jobs[job.ID] = job
		s.logger.Debug("loaded job from config", "job", job.ID)
	}

	s.logger.Info("jobs loaded", "count", len(s.jobs))
	return nil
}

// Stats returns scheduler statistics
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		TotalJobs:   len(s.jobs),
		RunningJobs: len(s.runners),
	}
	for _, job := range s.jobs {
		stats.TotalRuns += job.State.RunCount
		stats.TotalErrors += job.State.ErrorCount
		if job.Enabled {
			stats.EnabledJobs++
		}
	}

	return stats
}

// markScheduled records a job's next planned run.
func (s *Scheduler) markScheduled(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[id]; ok {
		job.State.NextRunAt = at
	}
}

// markRun records the outcome of a single job execution.
func (s *Scheduler) markRun(id string, duration time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return
	}

	job.State.LastRunAt = time.Now()
	job.State.LastDuration = duration
	job.State.RunCount++
	if err != nil {
		job.State.ErrorCount++
		job.State.LastError = err.Error()
	} else {
		job.State.LastError = ""
	}
}
