package learning

import (
	"math"
	"sort"
)

// suppliesWindow is how many recent records RecommendedSupplies inspects.
const suppliesWindow = 50

// SuccessRate returns successes/attempts for a task, or 0 with no attempts.
func (s *Store) SuccessRate(task string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.successRateLocked(task)
}

func (s *Store) successRateLocked(task string) float64 {
	ts, ok := s.taskStats[task]
	if !ok || ts.Attempts == 0 {
		return 0
	}
	return float64(ts.Successes) / float64(ts.Attempts)
}

// AverageYield returns the mean yield per attempt of a task.
func (s *Store) AverageYield(task string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.averageYieldLocked(task)
}

func (s *Store) averageYieldLocked(task string) float64 {
	ts, ok := s.taskStats[task]
	if !ok || ts.Attempts == 0 {
		return 0
	}
	return s.yields[task] / float64(ts.Attempts)
}

// HazardFrequency counts how often a hazard appears across retained outcomes.
func (s *Store) HazardFrequency(hazard string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, o := range s.outcomes {
		for _, h := range o.Hazards {
			if h == hazard {
				count++
				break
			}
		}
	}
	return count
}

// TaskHistory returns up to limit retained outcomes of a task, newest first.
// limit <= 0 returns all of them.
func (s *Store) TaskHistory(task string, limit int) []Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Outcome
	for i := len(s.outcomes) - 1; i >= 0; i-- {
		if s.outcomes[i].Task != task {
			continue
		}
		out = append(out, s.outcomes[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// DynamicDurationEstimate predicts how long a task will take given a base
// duration. Poor success rates stretch the estimate, good yields shrink it:
// round(baseMs × (mod − yieldBonus)) with mod = max(0.5, 1.3 − successRate)
// and yieldBonus = min(0.9, avgYield/200). Never negative.
func (s *Store) DynamicDurationEstimate(task string, baseMs float64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mod := math.Max(0.5, 1.3-s.successRateLocked(task))
	yieldBonus := math.Min(0.9, s.averageYieldLocked(task)/200)
	est := int64(math.Round(baseMs * (mod - yieldBonus)))
	if est < 0 {
		return 0
	}
	return est
}

// RecommendedSupplies returns the five most frequent hazards across the last
// 50 retained records of a task. Ties break alphabetically.
func (s *Store) RecommendedSupplies(task string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	seen := 0
	for i := len(s.outcomes) - 1; i >= 0 && seen < suppliesWindow; i-- {
		if s.outcomes[i].Task != task {
			continue
		}
		seen++
		for _, h := range s.outcomes[i].Hazards {
			counts[h]++
		}
	}
	if len(counts) == 0 {
		return nil
	}

	hazards := make([]string, 0, len(counts))
	for h := range counts {
		hazards = append(hazards, h)
	}
	sort.Slice(hazards, func(i, j int) bool {
		if counts[hazards[i]] != counts[hazards[j]] {
			return counts[hazards[i]] > counts[hazards[j]]
		}
		return hazards[i] < hazards[j]
	})
	if len(hazards) > 5 {
		hazards = hazards[:5]
	}
	return hazards
}
