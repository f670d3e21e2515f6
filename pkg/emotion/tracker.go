package emotion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haivivi/companion/pkg/kv"
)

// Turn is what the tracker observes from one committed exchange.
type Turn struct {
	// Reply is the validated mood of the persona's reply.
	Reply Mood

	// Resolution is true when the user's message carried an apology or
	// reconciliation signal.
	Resolution bool

	// Hostile is true when the user's message read as hostile. It is
	// ignored when Resolution is set.
	Hostile bool
}

// Transition applies one turn to s.
//
//   - A negative reply with no unresolved conflict opens one. A hostile
//     user message counts as a hurt reply unless the reply is already
//     negative.
//   - A resolution signal during an active conflict moves it to resolving;
//     the next non-negative turn resolves it.
//   - A negative reply during resolving or resolved reopens the conflict.
//   - After resolution the mood climbs at most one level per turn; the
//     conflict is cleared once the mood catches up with the reply.
func Transition(s Snapshot, t Turn, now time.Time) Snapshot {
	reply := t.Reply
	if _, ok := strength[reply]; !ok {
		reply = MoodNeutral
	}
	if t.Hostile && !t.Resolution && !reply.IsNegative() {
		reply = MoodHurt
	}

	switch {
	case reply.IsNegative():
		if s.Conflict != ConflictActive {
			s.Conflict = ConflictActive
			s.ConflictKind = string(reply)
			s.ConflictSince = now
		}
		s.Mood = reply

	case s.Conflict == ConflictActive:
		if t.Resolution {
			s.Conflict = ConflictResolving
		}
		s.Mood = reply.Cap(s.Ceiling(t.Resolution))

	case s.Conflict == ConflictResolving:
		s.Conflict = ConflictResolved
		s.ResolvedAt = now
		s.Mood = stepToward(s.Mood, reply)

	case s.Conflict == ConflictResolved:
		s.Mood = stepToward(s.Mood, reply)
		if s.Mood == reply {
			s.Conflict = ConflictNone
			s.ConflictKind = ""
			s.ConflictSince = time.Time{}
		}

	default:
		s.Mood = reply
	}
	s.Turns++
	s.UpdatedAt = now
	return s
}

// TrackerConfig configures a [Tracker].
type TrackerConfig struct {
	Prefix kv.Key
	Now    func() time.Time
	Logger *slog.Logger
}

// Tracker persists snapshots per (persona, user) pair.
type Tracker struct {
	store  kv.Store
	prefix kv.Key
	now    func() time.Time
	logger *slog.Logger
}

// NewTracker creates a Tracker on store.
func NewTracker(store kv.Store, cfg TrackerConfig) *Tracker {
	t := &Tracker{store: store, prefix: cfg.Prefix, now: cfg.Now, logger: cfg.Logger}
	if len(t.prefix) == 0 {
		t.prefix = kv.Key{"emo"}
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

func (t *Tracker) key(personaID, userID string) kv.Key {
	return t.prefix.Append(personaID, userID)
}

// Load returns the current snapshot with time decay applied. A pair with
// no history starts at Initial.
func (t *Tracker) Load(ctx context.Context, personaID, userID string) (Snapshot, error) {
	s, err := kv.GetValue[Snapshot](ctx, t.store, t.key(personaID, userID))
	if errors.Is(err, kv.ErrNotFound) {
		return Initial(), nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("emotion: load %s/%s: %w", personaID, userID, err)
	}
	return Decay(*s, t.now()), nil
}

// Observe atomically decays the stored snapshot, applies turn and stores
// the result.
func (t *Tracker) Observe(ctx context.Context, personaID, userID string, turn Turn) (Snapshot, error) {
	var s, before Snapshot
	err := t.store.Txn(ctx, func(tx kv.Txn) (err error) {
		s, before, err = t.observe(tx, personaID, userID, turn)
		return err
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("emotion: observe %s/%s: %w", personaID, userID, err)
	}
	t.LogConflictChange(personaID, userID, before, s)
	return s, nil
}

// ObserveIn is Observe inside tx. It returns the snapshot before and
// after the turn; the caller logs once tx commits.
func (t *Tracker) ObserveIn(tx kv.Txn, personaID, userID string, turn Turn) (after, before Snapshot, err error) {
	after, before, err = t.observe(tx, personaID, userID, turn)
	if err != nil {
		return Snapshot{}, Snapshot{}, fmt.Errorf("emotion: observe %s/%s: %w", personaID, userID, err)
	}
	return after, before, nil
}

func (t *Tracker) observe(tx kv.Txn, personaID, userID string, turn Turn) (Snapshot, Snapshot, error) {
	now := t.now()
	var before Snapshot
	s, err := kv.UpdateValueIn(tx, t.key(personaID, userID), func(s *Snapshot, found bool) error {
		if !found {
			*s = Initial()
		}
		before = Decay(*s, now)
		*s = Transition(before, turn, now)
		return nil
	})
	if err != nil {
		return Snapshot{}, Snapshot{}, err
	}
	return *s, before, nil
}

// LogConflictChange logs the move from before to s, if the conflict
// state changed.
func (t *Tracker) LogConflictChange(personaID, userID string, before, s Snapshot) {
	if s.Conflict != before.Conflict {
		t.logger.Info("conflict state changed",
			"persona", personaID, "user", userID,
			"from", before.Conflict, "to", s.Conflict, "mood", s.Mood)
	}
}

// Reset returns the pair to the first-contact state.
func (t *Tracker) Reset(ctx context.Context, personaID, userID string) error {
	return t.store.Delete(ctx, t.key(personaID, userID))
}
