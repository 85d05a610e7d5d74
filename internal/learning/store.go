// Package learning tracks what each bot has done and how well it went: the
// per-bot skill profiles, the shared outcome knowledge base, and the derived
// estimates (success rates, yields, duration predictions, supply hints) the
// supervisor and microcores plan with.
package learning

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/botherd/botherd/internal/events"
	"github.com/botherd/botherd/internal/persist"
)

const (
	// DefaultMaxOutcomes caps the knowledge base, keeping the newest records.
	DefaultMaxOutcomes = 50000
	// DefaultMaxOutcomeAge drops outcomes on load and prune.
	DefaultMaxOutcomeAge = 90 * 24 * time.Hour

	xpPerSuccess = 15
	xpPerFailure = 3

	motivationPerSuccess = 0.02
	motivationPerFailure = -0.03
	defaultMotivation    = 0.5

	minSkillLevel = 1
	maxSkillLevel = 100
)

// SkillStats is the per-skill performance record inside a profile.
type SkillStats struct {
	Attempts      int     `json:"attempts"`
	Successes     int     `json:"successes"`
	Failures      int     `json:"failures"`
	AvgDurationMs float64 `json:"avgDurationMs"`
	AvgEfficiency float64 `json:"avgEfficiency"`
	Streak        int     `json:"streak"`
	BestStreak    int     `json:"bestStreak"`
	LastSuccess   bool    `json:"lastSuccess"`
	LastReward    float64 `json:"lastReward"`
}

// Profile is the durable learning state of one bot, keyed by bot name.
type Profile struct {
	Skills         map[string]float64     `json:"skills"`
	Performance    map[string]*SkillStats `json:"performance"`
	Personality    map[string]float64     `json:"personality,omitempty"`
	XP             int                    `json:"xp"`
	TasksCompleted int                    `json:"tasksCompleted"`
	TasksFailed    int                    `json:"tasksFailed"`
	Motivation     float64                `json:"motivation"`
	LastTask       string                 `json:"lastTask,omitempty"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

func (p *Profile) clone() Profile {
	out := *p
	out.Skills = make(map[string]float64, len(p.Skills))
	for k, v := range p.Skills {
		out.Skills[k] = v
	}
	out.Performance = make(map[string]*SkillStats, len(p.Performance))
	for k, v := range p.Performance {
		cp := *v
		out.Performance[k] = &cp
	}
	if p.Personality != nil {
		out.Personality = make(map[string]float64, len(p.Personality))
		for k, v := range p.Personality {
			out.Personality[k] = v
		}
	}
	return out
}

// Outcome is one immutable record of a finished task.
type Outcome struct {
	ID          string         `json:"id"`
	Task        string         `json:"task"`
	NPC         string         `json:"npc"`
	Success     bool           `json:"success"`
	Yield       float64        `json:"yield"`
	Environment string         `json:"environment,omitempty"`
	DurationMs  int64          `json:"durationMs"`
	Hazards     []string       `json:"hazards,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// OutcomeMeta carries the optional measurements attached to an outcome.
type OutcomeMeta struct {
	Yield       float64
	Environment string
	DurationMs  int64
	Hazards     []string
	Efficiency  float64
	Reward      float64
	Metadata    map[string]any
}

// TaskStats aggregates every outcome of one task type. These counters
// survive outcome pruning, so success rates keep their full history.
type TaskStats struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
}

// Stats holds the cached cross-task aggregates. They are re-derived from
// the task counters on every load.
type Stats struct {
	TasksCompleted     int     `json:"tasksCompleted"`
	TasksFailed        int     `json:"tasksFailed"`
	TotalYield         float64 `json:"totalYield"`
	AverageSuccessRate float64 `json:"averageSuccessRate"`
}

const knowledgeVersion = 1

type knowledgeDoc struct {
	Version     int                   `json:"version"`
	Skills      map[string]*TaskStats `json:"skills"`
	Outcomes    []Outcome             `json:"outcomes"`
	Yields      map[string]float64    `json:"yields"`
	Stats       Stats                 `json:"stats"`
	LastUpdated time.Time             `json:"lastUpdated"`
}

// Archiver receives outcomes evicted by pruning, for cold storage.
type Archiver interface {
	ArchiveOutcomes(ctx context.Context, outcomes []Outcome) error
}

// Config configures a Store.
type Config struct {
	ProfilesPath  string
	KnowledgePath string
	MaxOutcomes   int           // 0 uses DefaultMaxOutcomes
	MaxOutcomeAge time.Duration // 0 uses DefaultMaxOutcomeAge
	Archiver      Archiver
	Notify        func(persist.Event)
}

// Store owns learning profiles and the outcome knowledge base. Both halves
// persist through debounced atomic writers; mutations mark the matching
// writer dirty.
type Store struct {
	mu        sync.RWMutex
	profiles  map[string]*Profile
	taskStats map[string]*TaskStats
	outcomes  []Outcome
	yields    map[string]float64
	stats     Stats

	maxOutcomes int
	maxAge      time.Duration
	archiver    Archiver

	profileStore   *persist.Store
	knowledgeStore *persist.Store
	bus            *events.Bus
	logger         *slog.Logger
}

// New creates a learning store persisting to the configured paths. The bus
// may be nil, in which case no signals are emitted.
func New(cfg Config, bus *events.Bus, logger *slog.Logger) (*Store, error) {
	for _, p := range []string{cfg.ProfilesPath, cfg.KnowledgePath} {
		if dir := filepath.Dir(p); dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
	}

	s := &Store{
		profiles:    make(map[string]*Profile),
		taskStats:   make(map[string]*TaskStats),
		yields:      make(map[string]float64),
		maxOutcomes: cfg.MaxOutcomes,
		maxAge:      cfg.MaxOutcomeAge,
		archiver:    cfg.Archiver,
		bus:         bus,
		logger:      logger.With("component", "learning"),
	}
	if s.maxOutcomes <= 0 {
		s.maxOutcomes = DefaultMaxOutcomes
	}
	if s.maxAge <= 0 {
		s.maxAge = DefaultMaxOutcomeAge
	}

	s.profileStore = persist.New(persist.Config{
		Path:   cfg.ProfilesPath,
		Notify: cfg.Notify,
	}, s.snapshotProfiles, logger)
	s.knowledgeStore = persist.New(persist.Config{
		Path:   cfg.KnowledgePath,
		Notify: cfg.Notify,
	}, s.snapshotKnowledge, logger)
	return s, nil
}

// Load restores both files, repairs profile invariants, drops expired
// outcomes, and re-derives the cached aggregates.
func (s *Store) Load() error {
	var profiles map[string]*Profile
	ok, err := s.profileStore.LoadInto(&profiles)
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}

	var doc knowledgeDoc
	kok, err := s.knowledgeStore.LoadInto(&doc)
	if err != nil {
		return fmt.Errorf("load knowledge: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ok {
		for name, p := range profiles {
			if p == nil {
				continue
			}
			repairProfile(p)
			s.profiles[name] = p
		}
	}

	if kok {
		if doc.Skills != nil {
			s.taskStats = doc.Skills
		}
		if doc.Yields != nil {
			s.yields = doc.Yields
		}
		cutoff := time.Now().Add(-s.maxAge)
		for _, o := range doc.Outcomes {
			if o.Timestamp.Before(cutoff) {
				continue
			}
			s.outcomes = append(s.outcomes, o)
		}
		dropped := len(doc.Outcomes) - len(s.outcomes)
		if dropped > 0 {
			s.logger.Info("expired outcomes dropped on load", "count", dropped)
		}
	}
	s.recomputeStatsLocked()

	s.logger.Info("learning store loaded",
		"profiles", len(s.profiles),
		"outcomes", len(s.outcomes),
		"tasks", len(s.taskStats),
	)
	return nil
}

// RecordOutcome appends an outcome, updates the bot's skill performance and
// aggregates in one pass, prunes to the cap, and schedules saves.
func (s *Store) RecordOutcome(npc, task string, success bool, meta OutcomeMeta) Outcome {
	outcome := Outcome{
		ID:          uuid.NewString(),
		Task:        task,
		NPC:         npc,
		Success:     success,
		Yield:       meta.Yield,
		Environment: meta.Environment,
		DurationMs:  meta.DurationMs,
		Hazards:     append([]string(nil), meta.Hazards...),
		Timestamp:   time.Now(),
		Metadata:    meta.Metadata,
	}

	s.mu.Lock()
	s.outcomes = append(s.outcomes, outcome)

	profile := s.ensureProfileLocked(npc)
	perf, ok := profile.Performance[task]
	if !ok {
		perf = &SkillStats{}
		profile.Performance[task] = perf
	}
	perf.Attempts++
	if success {
		perf.Successes++
		perf.Streak++
		if perf.Streak > perf.BestStreak {
			perf.BestStreak = perf.Streak
		}
	} else {
		perf.Failures++
		perf.Streak = 0
	}
	perf.AvgDurationMs += (float64(meta.DurationMs) - perf.AvgDurationMs) / float64(perf.Attempts)
	perf.AvgEfficiency += (meta.Efficiency - perf.AvgEfficiency) / float64(perf.Attempts)
	perf.LastSuccess = success
	perf.LastReward = meta.Reward

	if success {
		profile.XP += xpPerSuccess
		profile.TasksCompleted++
		profile.Motivation = clampUnit(profile.Motivation + motivationPerSuccess)
	} else {
		profile.XP += xpPerFailure
		profile.TasksFailed++
		profile.Motivation = clampUnit(profile.Motivation + motivationPerFailure)
	}
	profile.LastTask = task
	profile.UpdatedAt = outcome.Timestamp

	ts, ok := s.taskStats[task]
	if !ok {
		ts = &TaskStats{}
		s.taskStats[task] = ts
	}
	ts.Attempts++
	if success {
		ts.Successes++
	}
	s.yields[task] += meta.Yield
	s.recomputeStatsLocked()

	pruned := s.pruneToCapLocked()

	s.profileStore.MarkDirty()
	s.knowledgeStore.MarkDirty()
	s.mu.Unlock()

	s.archive(context.Background(), pruned)

	s.emit(events.TypeOutcomeRecorded, outcome)
	if success {
		s.emit(events.TypeTaskCompleted, TaskCompletedEvent{NPC: npc, Task: task, DurationMs: meta.DurationMs})
	}
	if meta.Yield > 0 {
		s.emit(events.TypeYieldRecorded, YieldEvent{NPC: npc, Task: task, Yield: meta.Yield})
	}
	if len(meta.Hazards) > 0 {
		s.emit(events.TypeHazardEncountered, HazardEvent{NPC: npc, Task: task, Hazards: outcome.Hazards})
	}
	return outcome
}

// TaskCompletedEvent is the payload of a task_completed signal.
type TaskCompletedEvent struct {
	NPC        string `json:"npc"`
	Task       string `json:"task"`
	DurationMs int64  `json:"durationMs"`
}

// YieldEvent is the payload of a yield_recorded signal.
type YieldEvent struct {
	NPC   string  `json:"npc"`
	Task  string  `json:"task"`
	Yield float64 `json:"yield"`
}

// HazardEvent is the payload of a hazard_encountered signal.
type HazardEvent struct {
	NPC     string   `json:"npc"`
	Task    string   `json:"task"`
	Hazards []string `json:"hazards"`
}

// UpdateSkills merges skill levels into a profile, clamping each into
// [1,100], and schedules a save.
func (s *Store) UpdateSkills(npc string, skills map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile := s.ensureProfileLocked(npc)
	for name, level := range skills {
		profile.Skills[name] = clampSkill(level)
	}
	profile.UpdatedAt = time.Now()
	s.profileStore.MarkDirty()
}

// SetPersonality stores a copy of the bot's trait vector in its profile.
func (s *Store) SetPersonality(npc string, traits map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile := s.ensureProfileLocked(npc)
	profile.Personality = make(map[string]float64, len(traits))
	for k, v := range traits {
		profile.Personality[k] = v
	}
	profile.UpdatedAt = time.Now()
	s.profileStore.MarkDirty()
}

// Profile returns a copy of the named profile.
func (s *Store) Profile(npc string) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[npc]
	if !ok {
		return Profile{}, false
	}
	return p.clone(), true
}

// Summary builds the metadata view of a profile merged into registry
// entries. Returns nil when the bot has no profile yet.
func (s *Store) Summary(npc string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[npc]
	if !ok {
		return nil
	}
	skills := make(map[string]float64, len(p.Skills))
	for k, v := range p.Skills {
		skills[k] = v
	}
	return map[string]any{
		"xp":             p.XP,
		"motivation":     p.Motivation,
		"tasksCompleted": p.TasksCompleted,
		"tasksFailed":    p.TasksFailed,
		"lastTask":       p.LastTask,
		"skills":         skills,
	}
}

// PruneOutcomes drops outcomes older than the retention window and, above
// the cap, the oldest remainder. Pruned records go to the archiver when one
// is configured. Returns the number pruned.
func (s *Store) PruneOutcomes(ctx context.Context) int {
	s.mu.Lock()
	cutoff := time.Now().Add(-s.maxAge)
	kept := s.outcomes[:0]
	var pruned []Outcome
	for _, o := range s.outcomes {
		if o.Timestamp.Before(cutoff) {
			pruned = append(pruned, o)
			continue
		}
		kept = append(kept, o)
	}
	s.outcomes = kept
	pruned = append(pruned, s.pruneToCapLocked()...)
	if len(pruned) > 0 {
		s.knowledgeStore.MarkDirty()
	}
	s.mu.Unlock()

	s.archive(ctx, pruned)
	if len(pruned) > 0 {
		s.logger.Info("outcomes pruned", "count", len(pruned))
	}
	return len(pruned)
}

// OutcomeCount returns the number of retained outcomes.
func (s *Store) OutcomeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.outcomes)
}

// GlobalStats returns the cached cross-task aggregates.
func (s *Store) GlobalStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Flush forces synchronous saves of both files.
func (s *Store) Flush() error {
	if err := s.profileStore.Flush(); err != nil {
		return err
	}
	return s.knowledgeStore.Flush()
}

// Close flushes pending state and releases both persistence writers.
func (s *Store) Close() error {
	perr := s.profileStore.Close()
	kerr := s.knowledgeStore.Close()
	if perr != nil {
		return perr
	}
	return kerr
}

// pruneToCapLocked evicts the oldest outcomes above the cap. Outcomes are
// appended in time order, so the head of the slice is the oldest.
func (s *Store) pruneToCapLocked() []Outcome {
	if len(s.outcomes) <= s.maxOutcomes {
		return nil
	}
	n := len(s.outcomes) - s.maxOutcomes
	pruned := make([]Outcome, n)
	copy(pruned, s.outcomes[:n])
	s.outcomes = append(s.outcomes[:0], s.outcomes[n:]...)
	return pruned
}

func (s *Store) archive(ctx context.Context, pruned []Outcome) {
	if s.archiver == nil || len(pruned) == 0 {
		return
	}
	if err := s.archiver.ArchiveOutcomes(ctx, pruned); err != nil {
		s.logger.Warn("archiving pruned outcomes failed", "count", len(pruned), "error", err)
	}
}

func (s *Store) recomputeStatsLocked() {
	var attempts, successes int
	for _, ts := range s.taskStats {
		attempts += ts.Attempts
		successes += ts.Successes
	}
	var totalYield float64
	for _, y := range s.yields {
		totalYield += y
	}
	s.stats = Stats{
		TasksCompleted: successes,
		TasksFailed:    attempts - successes,
		TotalYield:     totalYield,
	}
	if attempts > 0 {
		s.stats.AverageSuccessRate = float64(successes) / float64(attempts)
	}
}

func (s *Store) ensureProfileLocked(npc string) *Profile {
	p, ok := s.profiles[npc]
	if !ok {
		p = &Profile{
			Skills:      make(map[string]float64),
			Performance: make(map[string]*SkillStats),
			Motivation:  defaultMotivation,
		}
		s.profiles[npc] = p
	}
	return p
}

func (s *Store) emit(eventType string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(eventType, data)
}

func (s *Store) snapshotProfiles() (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Profile, len(s.profiles))
	for name, p := range s.profiles {
		out[name] = p.clone()
	}
	return out, nil
}

func (s *Store) snapshotKnowledge() (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc := knowledgeDoc{
		Version:     knowledgeVersion,
		Skills:      make(map[string]*TaskStats, len(s.taskStats)),
		Outcomes:    append([]Outcome(nil), s.outcomes...),
		Yields:      make(map[string]float64, len(s.yields)),
		Stats:       s.stats,
		LastUpdated: time.Now(),
	}
	for k, v := range s.taskStats {
		cp := *v
		doc.Skills[k] = &cp
	}
	for k, v := range s.yields {
		doc.Yields[k] = v
	}
	return doc, nil
}

func repairProfile(p *Profile) {
	if p.Skills == nil {
		p.Skills = make(map[string]float64)
	}
	for name, level := range p.Skills {
		p.Skills[name] = clampSkill(level)
	}
	if p.Performance == nil {
		p.Performance = make(map[string]*SkillStats)
	}
	for _, perf := range p.Performance {
		if perf.Attempts != perf.Successes+perf.Failures {
			perf.Attempts = perf.Successes + perf.Failures
		}
	}
	if math.IsNaN(p.Motivation) || math.IsInf(p.Motivation, 0) {
		p.Motivation = defaultMotivation
	}
	p.Motivation = clampUnit(p.Motivation)
}

func clampSkill(v float64) float64 {
	if math.IsNaN(v) || v < minSkillLevel {
		return minSkillLevel
	}
	if v > maxSkillLevel {
		return maxSkillLevel
	}
	return v
}

func clampUnit(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
