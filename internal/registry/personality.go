package registry

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
)

// Personality is the seven-trait behavior vector. Every component lives in
// [0,1]; the derived archetype and dominant-trait strings are recomputed
// whenever an entry is upserted.
type Personality struct {
	Curiosity  float64 `json:"curiosity"`
	Patience   float64 `json:"patience"`
	Motivation float64 `json:"motivation"`
	Empathy    float64 `json:"empathy"`
	Aggression float64 `json:"aggression"`
	Creativity float64 `json:"creativity"`
	Loyalty    float64 `json:"loyalty"`
}

// PersonalityBundle is the derived textual view stored in bot metadata.
type PersonalityBundle struct {
	Archetype string   `json:"archetype"`
	Traits    []string `json:"traits"`
	Summary   string   `json:"summary"`
}

// Archetype labels.
const (
	ArchetypeCautious    = "cautious"
	ArchetypeAdventurous = "adventurous"
	ArchetypeAggressive  = "aggressive"
	ArchetypeSupportive  = "supportive"
	ArchetypeBalanced    = "balanced"
)

// Trait thresholds for the dominant-trait strings.
const (
	traitVeryHigh = 0.8
	traitHigh     = 0.6
	traitLow      = 0.4
	traitVeryLow  = 0.2
)

type trait struct {
	name  string
	value float64
}

func (p Personality) traits() []trait {
	return []trait{
		{"curiosity", p.Curiosity},
		{"patience", p.Patience},
		{"motivation", p.Motivation},
		{"empathy", p.Empathy},
		{"aggression", p.Aggression},
		{"creativity", p.Creativity},
		{"loyalty", p.Loyalty},
	}
}

// Validate rejects vectors with non-finite components.
func (p Personality) Validate() error {
	for _, t := range p.traits() {
		if math.IsNaN(t.value) || math.IsInf(t.value, 0) {
			return fmt.Errorf("registry: personality trait %s is not finite", t.name)
		}
	}
	return nil
}

// Clamped returns a copy with every component pulled into [0,1]. Non-finite
// components become 0.5.
func (p Personality) Clamped() Personality {
	clamp := func(v float64) float64 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0.5
		}
		return math.Min(1, math.Max(0, v))
	}
	return Personality{
		Curiosity:  clamp(p.Curiosity),
		Patience:   clamp(p.Patience),
		Motivation: clamp(p.Motivation),
		Empathy:    clamp(p.Empathy),
		Aggression: clamp(p.Aggression),
		Creativity: clamp(p.Creativity),
		Loyalty:    clamp(p.Loyalty),
	}
}

// RandomPersonality samples a fresh vector with every trait uniform in [0,1].
func RandomPersonality() Personality {
	return Personality{
		Curiosity:  rand.Float64(),
		Patience:   rand.Float64(),
		Motivation: rand.Float64(),
		Empathy:    rand.Float64(),
		Aggression: rand.Float64(),
		Creativity: rand.Float64(),
		Loyalty:    rand.Float64(),
	}
}

// Bundle derives the archetype, dominant-trait strings, and summary for the
// vector. Archetype rules are checked in priority order.
func (p Personality) Bundle() PersonalityBundle {
	archetype := ArchetypeBalanced
	switch {
	case p.Aggression >= traitHigh:
		archetype = ArchetypeAggressive
	case p.Curiosity >= traitHigh && p.Patience < 0.5:
		archetype = ArchetypeAdventurous
	case p.Patience >= traitHigh && p.Aggression <= traitLow:
		archetype = ArchetypeCautious
	case p.Empathy >= traitHigh || p.Loyalty >= traitHigh:
		archetype = ArchetypeSupportive
	}

	var dominant []string
	for _, t := range p.traits() {
		switch {
		case t.value >= traitVeryHigh:
			dominant = append(dominant, "very high "+t.name)
		case t.value >= traitHigh:
			dominant = append(dominant, "high "+t.name)
		case t.value <= traitVeryLow:
			dominant = append(dominant, "very low "+t.name)
		case t.value <= traitLow:
			dominant = append(dominant, "low "+t.name)
		}
	}

	summary := archetype
	if len(dominant) > 0 {
		summary = fmt.Sprintf("%s (%s)", archetype, strings.Join(dominant, ", "))
	}

	return PersonalityBundle{
		Archetype: archetype,
		Traits:    dominant,
		Summary:   summary,
	}
}
