package registry

import (
	"math"
	"strings"
	"testing"
)

func TestClampedPullsTraitsIntoRange(t *testing.T) {
	p := Personality{
		Curiosity:  -0.5,
		Patience:   1.5,
		Motivation: math.NaN(),
		Empathy:    math.Inf(1),
		Aggression: 0.3,
	}
	c := p.Clamped()

	if c.Curiosity != 0 {
		t.Errorf("curiosity = %v, want 0", c.Curiosity)
	}
	if c.Patience != 1 {
		t.Errorf("patience = %v, want 1", c.Patience)
	}
	if c.Motivation != 0.5 {
		t.Errorf("motivation = %v, want 0.5", c.Motivation)
	}
	if c.Empathy != 0.5 {
		t.Errorf("empathy = %v, want 0.5", c.Empathy)
	}
	if c.Aggression != 0.3 {
		t.Errorf("aggression = %v, want 0.3", c.Aggression)
	}
}

func TestValidateRejectsNonFinite(t *testing.T) {
	good := Personality{Curiosity: 0.5}
	if err := good.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}

	bad := Personality{Loyalty: math.NaN()}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for NaN trait")
	}
	worse := Personality{Patience: math.Inf(-1)}
	if err := worse.Validate(); err == nil {
		t.Error("expected error for infinite trait")
	}
}

func TestArchetypePriority(t *testing.T) {
	tests := []struct {
		name string
		p    Personality
		want string
	}{
		{"aggression wins first", Personality{Aggression: 0.6, Curiosity: 0.9, Empathy: 0.9}, ArchetypeAggressive},
		{"curious and impatient", Personality{Curiosity: 0.7, Patience: 0.2}, ArchetypeAdventurous},
		{"curious but patient falls through", Personality{Curiosity: 0.7, Patience: 0.8}, ArchetypeCautious},
		{"patient and calm", Personality{Patience: 0.6, Aggression: 0.4}, ArchetypeCautious},
		{"patient but aggressive-ish", Personality{Patience: 0.8, Aggression: 0.45}, ArchetypeBalanced},
		{"empathetic", Personality{Empathy: 0.6}, ArchetypeSupportive},
		{"loyal", Personality{Loyalty: 0.9}, ArchetypeSupportive},
		{"middling everything", Personality{Curiosity: 0.5, Patience: 0.5, Aggression: 0.5}, ArchetypeBalanced},
	}

	for _, tt := range tests {
		if got := tt.p.Bundle().Archetype; got != tt.want {
			t.Errorf("%s: archetype = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestBundleDominantTraits(t *testing.T) {
	p := Personality{
		Curiosity:  0.9,
		Patience:   0.1,
		Motivation: 0.5,
		Empathy:    0.65,
		Aggression: 0.35,
	}
	b := p.Bundle()

	want := []string{"very high curiosity", "very low patience", "high empathy", "low aggression", "very low creativity", "very low loyalty"}
	if len(b.Traits) != len(want) {
		t.Fatalf("traits = %v, want %v", b.Traits, want)
	}
	for i, s := range want {
		if b.Traits[i] != s {
			t.Errorf("traits[%d] = %q, want %q", i, b.Traits[i], s)
		}
	}

	if !strings.HasPrefix(b.Summary, b.Archetype+" (") {
		t.Errorf("summary %q does not lead with archetype", b.Summary)
	}
	if !strings.Contains(b.Summary, "very high curiosity") {
		t.Errorf("summary %q missing dominant trait", b.Summary)
	}
}

func TestBundleSummaryWithoutDominantTraits(t *testing.T) {
	p := Personality{
		Curiosity:  0.5,
		Patience:   0.5,
		Motivation: 0.5,
		Empathy:    0.5,
		Aggression: 0.5,
		Creativity: 0.5,
		Loyalty:    0.5,
	}
	b := p.Bundle()
	if b.Summary != ArchetypeBalanced {
		t.Errorf("summary = %q, want %q", b.Summary, ArchetypeBalanced)
	}
	if len(b.Traits) != 0 {
		t.Errorf("traits = %v, want none", b.Traits)
	}
}

func TestRandomPersonalityStaysInRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		p := RandomPersonality()
		if err := p.Validate(); err != nil {
			t.Fatalf("Validate() = %v", err)
		}
		for _, tr := range p.traits() {
			if tr.value < 0 || tr.value > 1 {
				t.Fatalf("trait %s = %v, out of range", tr.name, tr.value)
			}
		}
	}
}
