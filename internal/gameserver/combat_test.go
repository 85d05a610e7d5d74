package gameserver

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func newTestTracker(friendlies ...string) *tracker {
	set := make(map[string]bool, len(friendlies))
	for _, f := range friendlies {
		set[NormalizeEntityID(f)] = true
	}
	return newTracker(trackerConfig{
		HistoryLimit: 5,
		EventTTL:     time.Minute,
		CombatantTTL: time.Minute,
		DamageWindow: 10 * time.Second,
		DedupWindow:  2 * time.Second,
	}, func(id string) bool {
		return set[id] || strings.HasPrefix(id, "npc") || strings.HasPrefix(id, "ally")
	})
}

func attackEvent(source, target string, damage float64, at time.Time) CombatEvent {
	return CombatEvent{
		Type:   EventAttack,
		Source: source,
		Target: target,
		Damage: damage,
		Raw:    fmt.Sprintf("%s hits %s for %v damage", source, target, damage),
		At:     at,
	}
}

func TestApplyAttackUpdatesBothSides(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()

	evt := attackEvent("zombie", "steve", 3, now)
	evt.Health = 17
	evt.MaxHealth = 20
	res := tr.apply(evt)
	if !res.accepted {
		t.Fatal("expected event to be accepted")
	}
	if len(res.updated) != 2 {
		t.Fatalf("expected 2 updated combatants, got %v", res.updated)
	}

	tgt, ok := tr.combatant("steve")
	if !ok {
		t.Fatal("target not tracked")
	}
	if tgt.Health != 17 || tgt.MaxHealth != 20 || tgt.LastDamage != 3 {
		t.Errorf("unexpected target state: %+v", tgt)
	}
	if tgt.DamageTaken.Total != 3 || tgt.DamageTaken.Samples != 1 {
		t.Errorf("unexpected taken window: %+v", tgt.DamageTaken)
	}

	src, ok := tr.combatant("zombie")
	if !ok {
		t.Fatal("source not tracked")
	}
	if src.LastAction != "attack" || src.DamageDealt.Total != 3 {
		t.Errorf("unexpected source state: %+v", src)
	}
}

func TestDedupDropsRepeats(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()
	evt := attackEvent("zombie", "steve", 3, now)

	if res := tr.apply(evt); !res.accepted {
		t.Fatal("first apply should be accepted")
	}
	evt.At = now.Add(500 * time.Millisecond)
	if res := tr.apply(evt); res.accepted {
		t.Fatal("repeat inside the dedup window should be dropped")
	}
	evt.At = now.Add(3 * time.Second)
	if res := tr.apply(evt); !res.accepted {
		t.Fatal("repeat after the window should be accepted")
	}

	if _, _, deduped := tr.counts(); deduped != 1 {
		t.Errorf("expected 1 deduped event, got %d", deduped)
	}
}

func TestHealthSubtractionAndFloor(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()

	tr.apply(CombatEvent{Type: EventHealth, Target: "steve", Health: 10, MaxHealth: 20, Raw: "steve's health is 10/20", At: now})
	tr.apply(attackEvent("zombie", "steve", 4, now.Add(time.Second)))

	c, _ := tr.combatant("steve")
	if c.Health != 6 {
		t.Fatalf("expected health 6 after subtraction, got %v", c.Health)
	}

	tr.apply(attackEvent("zombie", "steve", 50, now.Add(2*time.Second)))
	c, _ = tr.combatant("steve")
	if c.Health != 0 {
		t.Errorf("health must floor at 0, got %v", c.Health)
	}
	if c.Status != StatusDown {
		t.Errorf("expected down status at 0 health, got %s", c.Status)
	}
}

func TestHealClampsToMaxHealth(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()

	tr.apply(CombatEvent{Type: EventHealth, Target: "steve", Health: 15, MaxHealth: 20, Raw: "steve's health is 15/20", At: now})
	tr.apply(CombatEvent{Type: EventHeal, Target: "steve", Amount: 10, Raw: "steve heals 10 hp", At: now.Add(time.Second)})

	c, _ := tr.combatant("steve")
	if c.Health != 20 {
		t.Errorf("heal must clamp to max health, got %v", c.Health)
	}
}

func TestDefeatedAndRevive(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()

	tr.apply(CombatEvent{Type: EventDefeated, Target: "steve", Source: "zombie", Raw: "steve was slain by zombie", At: now})
	c, _ := tr.combatant("steve")
	if c.Status != StatusDefeated || c.Health != 0 {
		t.Fatalf("expected defeated at 0 health, got %+v", c)
	}
	killer, _ := tr.combatant("zombie")
	if killer.Kills != 1 {
		t.Errorf("expected kill credit, got %d", killer.Kills)
	}

	tr.apply(CombatEvent{Type: EventHealth, Target: "steve", Health: 5, Raw: "steve's health is 5", At: now.Add(time.Second)})
	c, _ = tr.combatant("steve")
	if c.Status != StatusActive || c.Health != 5 {
		t.Errorf("positive health report should revive, got %+v", c)
	}
}

func TestDefensiveActionsRecordCounter(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()

	tr.apply(CombatEvent{Type: EventDodge, Target: "steve", Source: "zombie", Raw: "steve dodges zombie", At: now})

	defender, _ := tr.combatant("steve")
	if defender.LastDodgeAt == nil {
		t.Fatal("expected dodge timestamp on the defender")
	}
	if defender.LastAction != "dodge" {
		t.Errorf("expected dodge action, got %q", defender.LastAction)
	}
	attacker, _ := tr.combatant("zombie")
	if attacker.LastCounteredBy != "steve" {
		t.Errorf("expected counter credit, got %q", attacker.LastCounteredBy)
	}
}

func TestFriendlyFireDetection(t *testing.T) {
	tr := newTestTracker("trusted")
	now := time.Now()

	if res := tr.apply(attackEvent("npc_miner", "npc_guard", 2, now)); !res.friendlyFire {
		t.Error("npc-on-npc attack should flag friendly fire")
	}
	if res := tr.apply(attackEvent("npc_miner", "zombie", 2, now.Add(time.Second))); res.friendlyFire {
		t.Error("npc-on-hostile attack should not flag friendly fire")
	}
	if res := tr.apply(attackEvent("trusted", "ally_dog", 1, now.Add(2*time.Second))); !res.friendlyFire {
		t.Error("explicit friendly attacking an ally should flag friendly fire")
	}
}

func TestHistoryBoundAndOrder(t *testing.T) {
	tr := newTestTracker() // history limit 5
	now := time.Now()
	for i := 0; i < 7; i++ {
		tr.apply(attackEvent("zombie", "steve", float64(i+1), now.Add(time.Duration(i)*3*time.Second)))
	}

	hist := tr.history(0)
	if len(hist) != 5 {
		t.Fatalf("expected history capped at 5, got %d", len(hist))
	}
	if hist[0].Damage != 7 {
		t.Errorf("expected newest first, got damage %v", hist[0].Damage)
	}
	if hist[len(hist)-1].Damage != 3 {
		t.Errorf("expected oldest surviving entry to be 3, got %v", hist[len(hist)-1].Damage)
	}

	if limited := tr.history(2); len(limited) != 2 || limited[0].Damage != 7 {
		t.Errorf("unexpected limited history: %+v", limited)
	}
}

func TestCleanupExpiresStaleState(t *testing.T) {
	tr := newTestTracker()
	old := time.Now().Add(-2 * time.Minute) // beyond both TTLs

	tr.apply(attackEvent("zombie", "steve", 3, old))
	tr.apply(attackEvent("creeper", "steve", 2, time.Now()))

	// zombie was last seen two minutes ago; steve was refreshed by the
	// second hit.
	expired, dropped := tr.cleanup(time.Now())
	if expired != 1 {
		t.Errorf("expected 1 expired combatant, got %d", expired)
	}
	if _, ok := tr.combatant("zombie"); ok {
		t.Error("stale combatant should have been expired")
	}
	if _, ok := tr.combatant("steve"); !ok {
		t.Error("fresh combatant should survive cleanup")
	}
	if dropped != 1 {
		t.Errorf("expected 1 expired history entry, got %d", dropped)
	}
}

func TestDamageWindowPrunesOldSamples(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()

	old := attackEvent("zombie", "steve", 5, now.Add(-15*time.Second))
	old.Raw = "old strike"
	tr.apply(old)
	tr.apply(attackEvent("zombie", "steve", 3, now))

	c, _ := tr.combatant("zombie")
	if c.DamageDealt.Samples != 1 || c.DamageDealt.Total != 3 {
		t.Errorf("expected only the in-window sample, got %+v", c.DamageDealt)
	}
	wantDPS := 3.0 / 10.0
	if diff := c.DamageDealt.PerSecond - wantDPS; diff > 0.001 || diff < -0.001 {
		t.Errorf("expected %.2f dps, got %v", wantDPS, c.DamageDealt.PerSecond)
	}
}

func TestDurabilityTracking(t *testing.T) {
	tr := newTestTracker()
	tr.apply(CombatEvent{Type: EventDurability, Target: "steve", Item: "iron sword", Amount: 55, Raw: "steve's iron sword durability is now 55", At: time.Now()})

	c, _ := tr.combatant("steve")
	if c.Durability["iron sword"] != 55 {
		t.Errorf("expected durability recorded, got %+v", c.Durability)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	tr := newTestTracker()
	tr.apply(attackEvent("zombie", "steve", 3, time.Now()))

	snap := tr.snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 combatants, got %d", len(snap))
	}
	entry := snap["steve"]
	entry.Health = 999
	snap["steve"] = entry

	fresh, _ := tr.combatant("steve")
	if fresh.Health == 999 {
		t.Error("snapshot mutation must not leak into tracker state")
	}
}
