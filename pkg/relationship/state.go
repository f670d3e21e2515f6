package relationship

import (
	"time"
)

// EventKind classifies a relationship event.
type EventKind string

const (
	// EventPositiveResolution is a conflict that ended well. It is the only
	// event that builds trust.
	EventPositiveResolution EventKind = "positive_resolution"
	EventConflict           EventKind = "conflict"
	EventMilestone          EventKind = "milestone"
	EventGift               EventKind = "gift"
	EventAffection          EventKind = "affection"
)

// maxEvents bounds the stored history per pair. Stats are derived from
// [EventCounts], which are never trimmed.
const maxEvents = 200

// EventCounts is the lifetime number of events per kind.
type EventCounts map[EventKind]int

// CountEvents tallies events by kind.
func CountEvents(events []Event) EventCounts {
	c := make(EventCounts, len(events))
	for _, e := range events {
		c[e.Kind]++
	}
	return c
}

// Event is one entry of relationship history.
type Event struct {
	Kind  EventKind `msgpack:"kind" json:"kind"`
	Delta int       `msgpack:"delta" json:"delta"`
	Note  string    `msgpack:"note,omitempty" json:"note,omitempty"`
	At    time.Time `msgpack:"at" json:"at"`
}

// NicknameSetter identifies who chose a nickname.
type NicknameSetter string

const (
	SetByUser    NicknameSetter = "user"
	SetByPersona NicknameSetter = "persona"
)

// NicknameChange is one entry of nickname history. An empty Nickname
// records a cleared nickname.
type NicknameChange struct {
	Nickname string         `msgpack:"nickname" json:"nickname"`
	SetBy    NicknameSetter `msgpack:"set_by" json:"set_by"`
	At       time.Time      `msgpack:"at" json:"at"`
}

// Stats are the numeric relationship stats, each in [0,100].
type Stats struct {
	Affection int `msgpack:"affection" json:"affection"`
	Trust     int `msgpack:"trust" json:"trust"`
	Intimacy  int `msgpack:"intimacy" json:"intimacy"`
}

// State is the relationship between one user and one persona.
//
// Stage always equals CalculateStage(Affection).
type State struct {
	PersonaID string `msgpack:"persona_id" json:"persona_id"`
	UserID    string `msgpack:"user_id" json:"user_id"`

	Stats
	Stage Stage `msgpack:"stage" json:"stage"`

	// Nickname is what the persona chose to call the user. UserNickname is
	// what the user asked to be called; it takes precedence and the persona
	// never overwrites it. Nil means unset.
	Nickname        *string          `msgpack:"nickname" json:"nickname"`
	UserNickname    *string          `msgpack:"user_nickname" json:"user_nickname"`
	NicknameHistory []NicknameChange `msgpack:"nickname_history" json:"nickname_history,omitempty"`

	// Events is the recent history, newest last, at most maxEvents long.
	// EventCounts covers the whole lifetime of the pair.
	Events      []Event     `msgpack:"events" json:"events,omitempty"`
	EventCounts EventCounts `msgpack:"event_counts" json:"event_counts,omitempty"`

	Version   int64     `msgpack:"version" json:"version"`
	UpdatedAt time.Time `msgpack:"updated_at" json:"updated_at"`
}

// NewState returns the first-contact state for a pair.
func NewState(personaID, userID string) State {
	return State{
		PersonaID: personaID,
		UserID:    userID,
		Stage:     StageStranger,
	}
}

// EffectiveNickname returns the name the persona should use, preferring
// the user's own choice.
func (s *State) EffectiveNickname() string {
	if s.UserNickname != nil {
		return *s.UserNickname
	}
	if s.Nickname != nil {
		return *s.Nickname
	}
	return ""
}

// ApplyAffectionChange returns s with delta applied, affection clamped to
// [0,100] and the stage recomputed. s is not modified.
func ApplyAffectionChange(s State, delta int) State {
	s.Affection = clamp(s.Affection+delta, MinAffection, MaxAffection)
	s.Stage = CalculateStage(s.Affection)
	return s
}

// Trust and intimacy weights.
const (
	trustPerResolution   = 10
	trustPerConflict     = 3
	intimacyPerMilestone = 5
	intimacyPerGift      = 2
)

// CalculateStats derives trust and intimacy from affection and the
// lifetime event counts.
//
// Trust rises only through positive resolutions and is eroded by
// conflicts. Intimacy is zero below StageClose and otherwise grows with
// affection above the close floor, milestones and gifts.
func CalculateStats(affection int, counts EventCounts) Stats {
	affection = clamp(affection, MinAffection, MaxAffection)
	resolutions := counts[EventPositiveResolution]
	conflicts := counts[EventConflict]
	st := Stats{
		Affection: affection,
		Trust:     clamp(resolutions*trustPerResolution-conflicts*trustPerConflict, 0, 100),
	}
	if CalculateStage(affection).AtLeast(StageClose) {
		above := affection - MinAffectionFor(StageClose)
		bonus := counts[EventMilestone]*intimacyPerMilestone + counts[EventGift]*intimacyPerGift
		st.Intimacy = clamp(2*above+bonus, 0, 100)
	}
	return st
}

// appendEvents adds events to history, keeping the newest maxEvents.
func appendEvents(history, events []Event) []Event {
	history = append(history, events...)
	if n := len(history) - maxEvents; n > 0 {
		history = append(history[:0:0], history[n:]...)
	}
	return history
}
