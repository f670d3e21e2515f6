package relationship

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haivivi/companion/pkg/kv"
)

// Change is a single update applied after a committed turn.
type Change struct {
	// Delta is added to affection.
	Delta int

	// Events are appended to history. When Delta is non-zero and Events is
	// empty an EventAffection entry is recorded.
	Events []Event
}

// ManagerConfig configures a [Manager].
type ManagerConfig struct {
	// Prefix is the kv key prefix. Default {"rel"}.
	Prefix kv.Key
	Now    func() time.Time
	Logger *slog.Logger
}

// Manager persists relationship state per (persona, user) pair.
type Manager struct {
	store  kv.Store
	prefix kv.Key
	now    func() time.Time
	logger *slog.Logger
}

// NewManager creates a Manager on store.
func NewManager(store kv.Store, cfg ManagerConfig) *Manager {
	m := &Manager{store: store, prefix: cfg.Prefix, now: cfg.Now, logger: cfg.Logger}
	if len(m.prefix) == 0 {
		m.prefix = kv.Key{"rel"}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

func (m *Manager) key(personaID, userID string) kv.Key {
	return m.prefix.Append(personaID, userID)
}

// Get returns the stored state, or the first-contact state if none exists.
func (m *Manager) Get(ctx context.Context, personaID, userID string) (*State, error) {
	s, err := kv.GetValue[State](ctx, m.store, m.key(personaID, userID))
	if errors.Is(err, kv.ErrNotFound) {
		st := NewState(personaID, userID)
		return &st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("relationship: get %s/%s: %w", personaID, userID, err)
	}
	return s, nil
}

// Apply atomically applies c and returns the new state.
func (m *Manager) Apply(ctx context.Context, personaID, userID string, c Change) (*State, error) {
	var (
		st     *State
		before Stage
	)
	err := m.store.Txn(ctx, func(tx kv.Txn) (err error) {
		st, before, err = m.apply(tx, personaID, userID, c)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("relationship: apply %s/%s: %w", personaID, userID, err)
	}
	m.LogStageChange(personaID, userID, before, st)
	return st, nil
}

// ApplyIn applies c inside tx, so it commits together with the caller's
// other writes. It also returns the stage before the change; callers log
// with LogStageChange once tx commits.
func (m *Manager) ApplyIn(tx kv.Txn, personaID, userID string, c Change) (st *State, before Stage, err error) {
	st, before, err = m.apply(tx, personaID, userID, c)
	if err != nil {
		return nil, "", fmt.Errorf("relationship: apply %s/%s: %w", personaID, userID, err)
	}
	return st, before, nil
}

func (m *Manager) apply(tx kv.Txn, personaID, userID string, c Change) (*State, Stage, error) {
	now := m.now()
	events := c.Events
	if c.Delta != 0 && len(events) == 0 {
		events = []Event{{Kind: EventAffection, Delta: c.Delta}}
	}
	var before Stage
	st, err := kv.UpdateValueIn(tx, m.key(personaID, userID), func(s *State, found bool) error {
		if !found {
			*s = NewState(personaID, userID)
		}
		if s.EventCounts == nil {
			// Records written before counters existed.
			s.EventCounts = CountEvents(s.Events)
		}
		before = s.Stage
		*s = ApplyAffectionChange(*s, c.Delta)
		for _, e := range events {
			if e.At.IsZero() {
				e.At = now
			}
			s.Events = appendEvents(s.Events, []Event{e})
			s.EventCounts[e.Kind]++
		}
		s.Stats = CalculateStats(s.Affection, s.EventCounts)
		s.Version++
		s.UpdatedAt = now
		return nil
	})
	return st, before, err
}

// LogStageChange logs the move from before to st.Stage, if any.
func (m *Manager) LogStageChange(personaID, userID string, before Stage, st *State) {
	if st.Stage != before {
		m.logger.Info("relationship stage changed",
			"persona", personaID, "user", userID,
			"from", before, "to", st.Stage, "affection", st.Affection)
	}
}

// ErrNicknameLocked is returned when the persona tries to rename a user who
// chose their own nickname.
var ErrNicknameLocked = errors.New("relationship: nickname set by user")

const maxNicknameLen = 32

// SetNickname records a nickname change.
//
// A user may set or clear (empty name) their own nickname at any time.
// The persona may only set its nickname for the user while the user has
// not chosen one; otherwise ErrNicknameLocked is returned and nothing
// changes.
func (m *Manager) SetNickname(ctx context.Context, personaID, userID, name string, by NicknameSetter) (*State, error) {
	name = strings.TrimSpace(name)
	if len([]rune(name)) > maxNicknameLen {
		return nil, fmt.Errorf("relationship: nickname longer than %d characters", maxNicknameLen)
	}
	if by != SetByUser && by != SetByPersona {
		return nil, fmt.Errorf("relationship: unknown nickname setter %q", by)
	}
	now := m.now()
	st, err := kv.UpdateValue(ctx, m.store, m.key(personaID, userID), func(s *State, found bool) error {
		if !found {
			*s = NewState(personaID, userID)
		}
		var target **string
		switch by {
		case SetByUser:
			target = &s.UserNickname
		case SetByPersona:
			if s.UserNickname != nil {
				return ErrNicknameLocked
			}
			target = &s.Nickname
		}
		if name == "" {
			if *target == nil {
				return kv.ErrSkipWrite
			}
			*target = nil
		} else {
			if *target != nil && **target == name {
				return kv.ErrSkipWrite
			}
			v := name
			*target = &v
		}
		s.NicknameHistory = append(s.NicknameHistory, NicknameChange{Nickname: name, SetBy: by, At: now})
		s.Version++
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("relationship: set nickname %s/%s: %w", personaID, userID, err)
	}
	return st, nil
}
