package emotion

import "time"

// Snapshot is the emotional state of one (persona, user) pair.
type Snapshot struct {
	Mood     Mood     `msgpack:"mood" json:"mood"`
	Conflict Conflict `msgpack:"conflict" json:"conflict"`

	// ConflictKind names what started the current conflict, usually the
	// negative mood that opened it.
	ConflictKind  string    `msgpack:"conflict_kind,omitempty" json:"conflict_kind,omitempty"`
	ConflictSince time.Time `msgpack:"conflict_since" json:"conflict_since,omitzero"`
	ResolvedAt    time.Time `msgpack:"resolved_at" json:"resolved_at,omitzero"`

	Turns     int       `msgpack:"turns" json:"turns"`
	UpdatedAt time.Time `msgpack:"updated_at" json:"updated_at,omitzero"`
}

// Initial is the first-contact state.
func Initial() Snapshot {
	return Snapshot{Mood: MoodNeutral, Conflict: ConflictNone}
}

// Ceiling returns the strongest mood a reply may carry given s.
//
// While a conflict is active or resolving the ceiling is guarded, or
// neutral if the user's latest message carries a resolution signal. After
// a conflict is resolved the mood recovers one step per turn.
func (s Snapshot) Ceiling(resolution bool) Mood {
	switch s.Conflict {
	case ConflictActive, ConflictResolving:
		if resolution {
			return MoodNeutral
		}
		return MoodGuarded
	case ConflictResolved:
		return stepToward(s.Mood, MoodLoving)
	}
	return MoodLoving
}

// DecayStep is the gap between sessions that moves mood one level back
// toward baseline.
const DecayStep = 6 * time.Hour

// Decay pulls the mood toward baseline for the time elapsed since the last
// update. Baseline is neutral, or guarded while a conflict is unresolved.
func Decay(s Snapshot, now time.Time) Snapshot {
	if s.UpdatedAt.IsZero() || !now.After(s.UpdatedAt) {
		return s
	}
	steps := int(now.Sub(s.UpdatedAt) / DecayStep)
	baseline := MoodNeutral
	if s.Conflict.Unresolved() {
		baseline = MoodGuarded
	}
	for range steps {
		if s.Mood.Strength() == baseline.Strength() {
			break
		}
		s.Mood = stepToward(s.Mood, baseline)
	}
	return s
}
