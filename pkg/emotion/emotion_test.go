package emotion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haivivi/companion/pkg/kv"
)

var t0 = time.Date(2025, 5, 1, 20, 0, 0, 0, time.UTC)

func TestParseMood(t *testing.T) {
	if m, ok := ParseMood(" Loving "); !ok || m != MoodLoving {
		t.Fatalf("ParseMood(Loving) = %s, %v", m, ok)
	}
	if m, ok := ParseMood("ecstatic"); ok || m != MoodNeutral {
		t.Fatalf("ParseMood(unknown) = %s, %v", m, ok)
	}
}

func TestStrengthOrdering(t *testing.T) {
	order := []Mood{MoodAngry, MoodGuarded, MoodNeutral, MoodHappy, MoodLoving}
	for i := 1; i < len(order); i++ {
		if order[i].Strength() <= order[i-1].Strength() {
			t.Fatalf("%s should be stronger than %s", order[i], order[i-1])
		}
	}
	if MoodHurt.Strength() != MoodAngry.Strength() {
		t.Fatal("hurt and angry should share a level")
	}
}

func TestCeiling(t *testing.T) {
	active := Snapshot{Mood: MoodAngry, Conflict: ConflictActive}
	if c := active.Ceiling(false); c != MoodGuarded {
		t.Errorf("active ceiling = %s, want guarded", c)
	}
	if c := active.Ceiling(true); c != MoodNeutral {
		t.Errorf("active ceiling with resolution = %s, want neutral", c)
	}
	resolved := Snapshot{Mood: MoodNeutral, Conflict: ConflictResolved}
	if c := resolved.Ceiling(false); c != MoodHappy {
		t.Errorf("resolved ceiling = %s, want happy", c)
	}
	if c := Initial().Ceiling(false); c != MoodLoving {
		t.Errorf("no conflict ceiling = %s, want loving", c)
	}
}

func TestTransitionConflictLifecycle(t *testing.T) {
	s := Initial()

	s = Transition(s, Turn{Reply: MoodHappy}, t0)
	if s.Mood != MoodHappy || s.Conflict != ConflictNone {
		t.Fatalf("turn 1: %+v", s)
	}

	// Negative reply opens a conflict.
	s = Transition(s, Turn{Reply: MoodAngry}, t0.Add(time.Minute))
	if s.Mood != MoodAngry || s.Conflict != ConflictActive || s.ConflictKind != "angry" {
		t.Fatalf("turn 2: %+v", s)
	}

	// Positive reply without apology is capped at guarded.
	s = Transition(s, Turn{Reply: MoodLoving}, t0.Add(2*time.Minute))
	if s.Mood != MoodGuarded || s.Conflict != ConflictActive {
		t.Fatalf("turn 3: %+v", s)
	}

	// Apology moves to resolving, mood at most neutral.
	s = Transition(s, Turn{Reply: MoodHappy, Resolution: true}, t0.Add(3*time.Minute))
	if s.Mood != MoodNeutral || s.Conflict != ConflictResolving {
		t.Fatalf("turn 4: %+v", s)
	}

	// Next calm turn resolves it, recovery is gradual.
	s = Transition(s, Turn{Reply: MoodLoving}, t0.Add(4*time.Minute))
	if s.Conflict != ConflictResolved || s.Mood != MoodHappy {
		t.Fatalf("turn 5: %+v", s)
	}
	s = Transition(s, Turn{Reply: MoodLoving}, t0.Add(5*time.Minute))
	if s.Conflict != ConflictNone || s.Mood != MoodLoving {
		t.Fatalf("turn 6: %+v", s)
	}
	if s.Turns != 6 {
		t.Fatalf("Turns = %d", s.Turns)
	}
}

func TestTransitionReopensConflict(t *testing.T) {
	s := Snapshot{Mood: MoodNeutral, Conflict: ConflictResolving}
	s = Transition(s, Turn{Reply: MoodHurt}, t0)
	if s.Conflict != ConflictActive || s.Mood != MoodHurt {
		t.Fatalf("reopen: %+v", s)
	}
}

func TestDecay(t *testing.T) {
	s := Snapshot{Mood: MoodLoving, Conflict: ConflictNone, UpdatedAt: t0}
	if got := Decay(s, t0.Add(5*time.Hour)); got.Mood != MoodLoving {
		t.Fatalf("decayed too early: %s", got.Mood)
	}
	if got := Decay(s, t0.Add(6*time.Hour)); got.Mood != MoodHappy {
		t.Fatalf("after 6h: %s, want happy", got.Mood)
	}
	if got := Decay(s, t0.Add(72*time.Hour)); got.Mood != MoodNeutral {
		t.Fatalf("after 72h: %s, want neutral", got.Mood)
	}

	angry := Snapshot{Mood: MoodAngry, Conflict: ConflictActive, UpdatedAt: t0}
	if got := Decay(angry, t0.Add(72*time.Hour)); got.Mood != MoodGuarded {
		t.Fatalf("unresolved conflict decayed to %s, want guarded", got.Mood)
	}
}

func TestTransitionHostileMessage(t *testing.T) {
	s := Transition(Initial(), Turn{Reply: MoodHappy, Hostile: true}, t0)
	if s.Mood != MoodHurt || s.Conflict != ConflictActive || s.ConflictKind != string(MoodHurt) {
		t.Fatalf("hostile message = %+v, want hurt and active", s)
	}

	// An angry reply keeps its own mood.
	s = Transition(Initial(), Turn{Reply: MoodAngry, Hostile: true}, t0)
	if s.Mood != MoodAngry || s.Conflict != ConflictActive {
		t.Fatalf("angry reply = %+v", s)
	}

	// An apology wins over hostile wording.
	s = Transition(Initial(), Turn{Reply: MoodNeutral, Hostile: true, Resolution: true}, t0)
	if s.Conflict != ConflictNone || s.Mood != MoodNeutral {
		t.Fatalf("apology = %+v", s)
	}

	// Hostility after a resolution reopens the conflict.
	resolved := Snapshot{Mood: MoodNeutral, Conflict: ConflictResolved}
	s = Transition(resolved, Turn{Reply: MoodHappy, Hostile: true}, t0)
	if s.Conflict != ConflictActive {
		t.Fatalf("reopen = %+v", s)
	}
}

func TestDetectSignals(t *testing.T) {
	if !DetectResolution("I'm so sorry about yesterday") {
		t.Error("apology not detected")
	}
	if !DetectResolution("对不起，是我不好") {
		t.Error("Chinese apology not detected")
	}
	if DetectResolution("what's for dinner?") {
		t.Error("false resolution")
	}
	if !DetectHostility("just shut up") {
		t.Error("hostility not detected")
	}
	if DetectHostility("whatever you like") {
		t.Error("single weak phrase should not count")
	}
}

func TestTrackerPersists(t *testing.T) {
	ctx := context.Background()
	now := t0
	tr := NewTracker(kv.NewMemory(nil), TrackerConfig{Now: func() time.Time { return now }})

	s, err := tr.Load(ctx, "mika", "u1")
	if err != nil || s.Mood != MoodNeutral || s.Conflict != ConflictNone {
		t.Fatalf("Load initial = %+v, %v", s, err)
	}

	if _, err := tr.Observe(ctx, "mika", "u1", Turn{Reply: MoodHurt}); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	s, _ = tr.Load(ctx, "mika", "u1")
	if s.Mood != MoodHurt || s.Conflict != ConflictActive {
		t.Fatalf("after Observe = %+v", s)
	}

	// A day later the mood has settled but the conflict is still open.
	now = now.Add(24 * time.Hour)
	s, _ = tr.Load(ctx, "mika", "u1")
	if s.Mood != MoodGuarded || s.Conflict != ConflictActive {
		t.Fatalf("after a day = %+v", s)
	}

	// ObserveIn writes nothing when the surrounding transaction aborts.
	boom := errors.New("boom")
	err = tr.store.Txn(ctx, func(tx kv.Txn) error {
		if _, _, err := tr.ObserveIn(tx, "mika", "u1", Turn{Reply: MoodHappy, Resolution: true}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Txn err = %v", err)
	}
	if s, _ = tr.Load(ctx, "mika", "u1"); s.Conflict != ConflictActive {
		t.Fatalf("aborted ObserveIn persisted: %+v", s)
	}

	if err := tr.Reset(ctx, "mika", "u1"); err != nil {
		t.Fatal(err)
	}
	s, _ = tr.Load(ctx, "mika", "u1")
	if s.Conflict != ConflictNone {
		t.Fatalf("after Reset = %+v", s)
	}
}
