// Package emotion tracks a persona's mood and conflict state per user so
// replies stay emotionally continuous across turns and sessions.
package emotion

import "strings"

// Mood is the persona's current emotional tone. Replies from the model
// carry one as their "emotion" field.
type Mood string

const (
	MoodAngry   Mood = "angry"
	MoodHurt    Mood = "hurt"
	MoodSad     Mood = "sad"
	MoodGuarded Mood = "guarded"
	MoodNeutral Mood = "neutral"
	MoodHappy   Mood = "happy"
	MoodPlayful Mood = "playful"
	MoodShy     Mood = "shy"
	MoodLoving  Mood = "loving"
)

// Moods lists every known mood.
var Moods = []Mood{
	MoodAngry, MoodHurt, MoodSad, MoodGuarded, MoodNeutral,
	MoodHappy, MoodPlayful, MoodShy, MoodLoving,
}

// Strength levels. Moods at the same level are interchangeable for
// consistency checks.
const (
	StrengthNegative = 0
	StrengthGuarded  = 1
	StrengthNeutral  = 2
	StrengthPositive = 3
	StrengthLoving   = 4
)

var strength = map[Mood]int{
	MoodAngry:   StrengthNegative,
	MoodHurt:    StrengthNegative,
	MoodSad:     StrengthNegative,
	MoodGuarded: StrengthGuarded,
	MoodNeutral: StrengthNeutral,
	MoodHappy:   StrengthPositive,
	MoodPlayful: StrengthPositive,
	MoodShy:     StrengthPositive,
	MoodLoving:  StrengthLoving,
}

// canonical is the representative mood of each strength level.
var canonical = [...]Mood{MoodHurt, MoodGuarded, MoodNeutral, MoodHappy, MoodLoving}

// ParseMood normalizes s to a known mood. ok is false for unknown values,
// in which case MoodNeutral is returned.
func ParseMood(s string) (Mood, bool) {
	m := Mood(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := strength[m]; ok {
		return m, true
	}
	return MoodNeutral, false
}

// Strength returns how positive m is, from StrengthNegative to
// StrengthLoving. Unknown moods count as neutral.
func (m Mood) Strength() int {
	if s, ok := strength[m]; ok {
		return s
	}
	return StrengthNeutral
}

// IsNegative reports whether m is angry, hurt or sad.
func (m Mood) IsNegative() bool { return m.Strength() == StrengthNegative }

// Cap returns m if it is no stronger than ceiling, otherwise ceiling.
func (m Mood) Cap(ceiling Mood) Mood {
	if m.Strength() > ceiling.Strength() {
		return ceiling
	}
	return m
}

// stepToward moves from one strength level toward target's, returning
// target when it is within one step.
func stepToward(from, target Mood) Mood {
	fs, ts := from.Strength(), target.Strength()
	switch {
	case ts > fs+1:
		return canonical[fs+1]
	case ts < fs-1:
		return canonical[fs-1]
	}
	return target
}

// Conflict is the orthogonal conflict flag.
type Conflict string

const (
	ConflictNone      Conflict = "none"
	ConflictActive    Conflict = "active"
	ConflictResolving Conflict = "resolving"
	ConflictResolved  Conflict = "resolved"
)

// Unresolved reports whether c blocks positive moods.
func (c Conflict) Unresolved() bool {
	return c == ConflictActive || c == ConflictResolving
}
