// Package memory is the long-term memory of a persona about one user.
//
// A [Memory] is a discrete remembered fact or event. The [Service] saves
// memories with an embedding and retrieves them by a blend of semantic
// similarity, importance and recency. Memories are never deleted by normal
// operation: [Service.Decay] lowers the importance of decayable types and
// marks memories past their expiry so retrieval skips them, but the record
// stays for history.
//
// Short-term dialogue lives in a [Conversation]. When a session closes its
// messages are condensed by a [Summarizer] into a summary memory, and an
// [Extractor] turns recent turns into new memory candidates.
//
// # Key layout
//
//	mem:{persona}:{user}:{id}          → msgpack Memory
//	conv:{persona}:{user}:msg:{ts_ns}  → msgpack Message
//	conv:{persona}:{user}:revert       → timestamp string
//	conv:{persona}:{user}:session      → timestamp string (open session start)
package memory

import (
	"fmt"
	"time"
)

// Type classifies a memory.
type Type string

const (
	TypeEpisodic   Type = "episodic"
	TypePreference Type = "preference"
	TypeFact       Type = "fact"
	TypeSmallTalk  Type = "small_talk"
	TypeSecret     Type = "secret"
	TypeMilestone  Type = "milestone"
	TypeSummary    Type = "summary"
)

// Types lists every memory type.
var Types = []Type{
	TypeEpisodic, TypePreference, TypeFact, TypeSmallTalk,
	TypeSecret, TypeMilestone, TypeSummary,
}

// halfLives is the importance half-life of each decayable type. Types not
// listed keep their importance forever.
var halfLives = map[Type]time.Duration{
	TypeSmallTalk:  7 * 24 * time.Hour,
	TypeEpisodic:   30 * 24 * time.Hour,
	TypeFact:       90 * 24 * time.Hour,
	TypePreference: 90 * 24 * time.Hour,
}

// defaultImportance is used when SaveOptions.Importance is zero.
var defaultImportance = map[Type]float64{
	TypeSmallTalk:  0.2,
	TypeEpisodic:   0.5,
	TypeFact:       0.5,
	TypePreference: 0.6,
	TypeSummary:    0.6,
	TypeSecret:     0.8,
	TypeMilestone:  0.9,
}

// Decayable reports whether memories of type t lose importance over time.
func (t Type) Decayable() bool {
	_, ok := halfLives[t]
	return ok
}

// HalfLife returns t's importance half-life, or 0 if t does not decay.
func (t Type) HalfLife() time.Duration { return halfLives[t] }

// ParseType validates s as a memory type.
func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("memory: unknown type %q", s)
}

// Source records how a memory was produced.
type Source string

const (
	// SourceExplicit is extracted from what the user actually said.
	SourceExplicit Source = "explicit"

	// SourceInferred is the model's interpretation.
	SourceInferred Source = "inferred"

	SourceSummary Source = "summary"
	SourceManual  Source = "manual"
)

// Memory is one remembered fact or event.
type Memory struct {
	ID        string `msgpack:"id" json:"id"`
	PersonaID string `msgpack:"persona_id" json:"persona_id"`
	UserID    string `msgpack:"user_id" json:"user_id"`
	Type      Type   `msgpack:"type" json:"type"`
	Content   string `msgpack:"content" json:"content"`

	// Embedding is nil when embedding failed at save time.
	Embedding []float32 `msgpack:"embedding" json:"-"`

	// Importance in [0, 1] is the current, possibly decayed, weight.
	Importance float64 `msgpack:"importance" json:"importance"`

	// BaseImportance is the weight at save time. Decay is always computed
	// from it, so repeated decay passes do not compound.
	BaseImportance float64 `msgpack:"base_importance" json:"base_importance"`

	Source      Source    `msgpack:"source" json:"source"`
	Tags        []string  `msgpack:"tags,omitempty" json:"tags,omitempty"`
	CreatedAt   time.Time `msgpack:"created_at" json:"created_at"`
	AccessedAt  time.Time `msgpack:"accessed_at" json:"accessed_at"`
	AccessCount int       `msgpack:"access_count" json:"access_count"`

	// ExpiresAt is zero for memories that never expire.
	ExpiresAt time.Time `msgpack:"expires_at" json:"expires_at,omitzero"`

	// Expired is set by Decay once ExpiresAt has passed.
	Expired bool `msgpack:"expired" json:"expired,omitempty"`

	// Locked memories are hidden from prompts until unlocked.
	Locked bool `msgpack:"locked" json:"locked,omitempty"`
}

// HasEmbedding reports whether m can take part in semantic search.
func (m *Memory) HasEmbedding() bool { return len(m.Embedding) > 0 }

// ExpiredAt reports whether m is expired at t.
func (m *Memory) ExpiredAt(t time.Time) bool {
	return m.Expired || (!m.ExpiresAt.IsZero() && !t.Before(m.ExpiresAt))
}

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation turn stored in short-term memory.
type Message struct {
	Role    Role   `json:"role" msgpack:"role"`
	Content string `json:"content" msgpack:"content"`

	// Emotion and InnerThought are set on assistant messages from the
	// structured reply.
	Emotion      string `json:"emotion,omitempty" msgpack:"emotion,omitempty"`
	InnerThought string `json:"innerThought,omitempty" msgpack:"inner_thought,omitempty"`

	// Timestamp is the Unix timestamp in nanoseconds when this message
	// was created.
	Timestamp int64 `json:"ts" msgpack:"ts"`
}

// Time returns the message timestamp.
func (m Message) Time() time.Time { return time.Unix(0, m.Timestamp) }
