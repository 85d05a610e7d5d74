package gameserver

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// EventType classifies a parsed combat event.
type EventType string

const (
	EventAttack     EventType = "attack"
	EventDodge      EventType = "dodge"
	EventBlock      EventType = "block"
	EventParry      EventType = "parry"
	EventDamage     EventType = "damage"
	EventHealth     EventType = "health"
	EventDefeated   EventType = "defeated"
	EventHeal       EventType = "heal"
	EventDurability EventType = "durability"
)

// CombatEvent is one parsed line of combat feedback. Source and Target are
// normalized entity ids; Raw keeps the original line for dedup and logs.
type CombatEvent struct {
	Type      EventType `json:"type"`
	Source    string    `json:"source,omitempty"`
	Target    string    `json:"target,omitempty"`
	Damage    float64   `json:"damage,omitempty"`
	Amount    float64   `json:"amount,omitempty"`
	Health    float64   `json:"health,omitempty"`
	MaxHealth float64   `json:"maxHealth,omitempty"`
	Item      string    `json:"item,omitempty"`
	Critical  bool      `json:"critical,omitempty"`
	Raw       string    `json:"raw"`
	At        time.Time `json:"at"`
}

// feedback patterns, tried in order; the first match wins. Critical hits
// come before plain attacks, "defeated by" before the bare defeat form.
var feedbackPatterns = []struct {
	kind  EventType
	re    *regexp.Regexp
	build func(evt *CombatEvent, m []string)
}{
	{EventAttack, regexp.MustCompile(`(?i)^(.+?) lands? a critical hit on (.+?) for (\d+(?:\.\d+)?)(?: damage)?`),
		func(evt *CombatEvent, m []string) {
			evt.Source = NormalizeEntityID(m[1])
			evt.Target = NormalizeEntityID(m[2])
			evt.Damage = parseNumber(m[3])
			evt.Critical = true
		}},
	{EventAttack, regexp.MustCompile(`(?i)^(.+?) (?:hits?|attacks?|attacked|strikes?|struck) (.+?) for (\d+(?:\.\d+)?)(?: damage)?(?:\s*\((\d+(?:\.\d+)?)/(\d+(?:\.\d+)?)\s*hp\))?`),
		func(evt *CombatEvent, m []string) {
			evt.Source = NormalizeEntityID(m[1])
			evt.Target = NormalizeEntityID(m[2])
			evt.Damage = parseNumber(m[3])
			if m[4] != "" {
				evt.Health = parseNumber(m[4])
				evt.MaxHealth = parseNumber(m[5])
			}
		}},
	{EventDodge, regexp.MustCompile(`(?i)^(.+?) dodg(?:es|ed) (?:an attack from |the attack of )?(.+?)(?:'s attack)?[.!]?$`),
		func(evt *CombatEvent, m []string) {
			evt.Target = NormalizeEntityID(m[1])
			evt.Source = NormalizeEntityID(m[2])
		}},
	{EventBlock, regexp.MustCompile(`(?i)^(.+?) block(?:s|ed)? (?:an attack from |the attack of )?(.+?)(?:'s attack)?[.!]?$`),
		func(evt *CombatEvent, m []string) {
			evt.Target = NormalizeEntityID(m[1])
			evt.Source = NormalizeEntityID(m[2])
		}},
	{EventParry, regexp.MustCompile(`(?i)^(.+?) parr(?:ies|ied) (?:an attack from |the attack of )?(.+?)(?:'s attack)?[.!]?$`),
		func(evt *CombatEvent, m []string) {
			evt.Target = NormalizeEntityID(m[1])
			evt.Source = NormalizeEntityID(m[2])
		}},
	{EventDamage, regexp.MustCompile(`(?i)^(.+?) (?:takes?|took|suffers?|suffered|receives?|received) (\d+(?:\.\d+)?) damage`),
		func(evt *CombatEvent, m []string) {
			evt.Target = NormalizeEntityID(m[1])
			evt.Damage = parseNumber(m[2])
		}},
	{EventHealth, regexp.MustCompile(`(?i)^(.+?)(?:'s health(?: is(?: now)?|:)?|: health) (\d+(?:\.\d+)?)(?:/(\d+(?:\.\d+)?))?`),
		func(evt *CombatEvent, m []string) {
			evt.Target = NormalizeEntityID(m[1])
			evt.Health = parseNumber(m[2])
			if m[3] != "" {
				evt.MaxHealth = parseNumber(m[3])
			}
		}},
	{EventDefeated, regexp.MustCompile(`(?i)^(.+?) (?:was |is |has been )?(?:defeated|slain|killed) by (.+?)[.!]?$`),
		func(evt *CombatEvent, m []string) {
			evt.Target = NormalizeEntityID(m[1])
			evt.Source = NormalizeEntityID(m[2])
		}},
	{EventDefeated, regexp.MustCompile(`(?i)^(.+?) (?:was defeated|has been defeated|died|has died|has fallen|perished)[.!]?$`),
		func(evt *CombatEvent, m []string) {
			evt.Target = NormalizeEntityID(m[1])
		}},
	{EventHeal, regexp.MustCompile(`(?i)^(.+?) (?:heals?|healed|regenerates?|regenerated|recovers?|recovered) (?:for )?(\d+(?:\.\d+)?)(?:\s*(?:hp|health))?`),
		func(evt *CombatEvent, m []string) {
			evt.Target = NormalizeEntityID(m[1])
			evt.Amount = parseNumber(m[2])
		}},
	{EventDurability, regexp.MustCompile(`(?i)^(.+?)'s (.+?) (?:durability|condition) (?:is (?:now )?|at |dropped to )?(\d+(?:\.\d+)?)`),
		func(evt *CombatEvent, m []string) {
			evt.Target = NormalizeEntityID(m[1])
			evt.Item = strings.ToLower(strings.TrimSpace(m[2]))
			evt.Amount = parseNumber(m[3])
		}},
}

// linePrefix strips server log decorations like "[12:03:04] [Server/INFO]:"
// so the patterns see bare feedback text.
var linePrefix = regexp.MustCompile(`^(?:\[[^\]]*\]:?\s*)+`)

// ParseFeedback splits text into lines and matches each against the pattern
// set. Lines that match no pattern are ignored.
func ParseFeedback(text string) []CombatEvent {
	var out []CombatEvent
	now := time.Now()
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(linePrefix.ReplaceAllString(strings.TrimSpace(line), ""))
		if line == "" {
			continue
		}
		for _, p := range feedbackPatterns {
			m := p.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			evt := CombatEvent{Type: p.kind, Raw: line, At: now}
			p.build(&evt, m)
			out = append(out, evt)
			break
		}
	}
	return out
}

var entityIDStrip = regexp.MustCompile(`[^a-z0-9_:-]+`)

// NormalizeEntityID lowercases an entity name and strips every character
// outside [a-z0-9_:-], so "Zombie King" and "zombie king!" collapse to the
// same id.
func NormalizeEntityID(raw string) string {
	return entityIDStrip.ReplaceAllString(strings.ToLower(strings.TrimSpace(raw)), "")
}

func parseNumber(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
