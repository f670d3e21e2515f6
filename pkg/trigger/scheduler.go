package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haivivi/companion/pkg/kv"
)

// SchedulerConfig configures a [Scheduler].
type SchedulerConfig struct {
	Rules []Rule

	// Prefix is the kv key prefix for fire records. Default {"trigger"}.
	Prefix kv.Key

	// Location defines the day boundary for MaxPerDay. Default UTC.
	Location *time.Location

	Now    func() time.Time
	Logger *slog.Logger
}

// Scheduler evaluates rules for a pair and fires at most one per pass.
//
// Firing claims the rule's fire record in a single kv.Update that re-checks
// cooldown and the daily cap, so concurrent passes cannot fire the same
// rule twice. If the action then fails the claim is rolled back and the
// rule stays eligible.
type Scheduler struct {
	store    kv.Store
	dispatch *Dispatcher
	rules    []Rule
	prefix   kv.Key
	loc      *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler. Rules must already be validated.
func NewScheduler(store kv.Store, d *Dispatcher, cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		store:    store,
		dispatch: d,
		rules:    cfg.Rules,
		prefix:   cfg.Prefix,
		loc:      cfg.Location,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
	if len(s.prefix) == 0 {
		s.prefix = kv.Key{"trigger"}
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Rules returns the configured rules.
func (s *Scheduler) Rules() []Rule { return s.rules }

func (s *Scheduler) key(t Target, ruleID string) kv.Key {
	return s.prefix.Append(t.PersonaID, t.UserID, ruleID)
}

// History returns the fire records of t by rule id.
func (s *Scheduler) History(ctx context.Context, t Target) (map[string]FireRecord, error) {
	recs, err := kv.ListValues[FireRecord](ctx, s.store, s.prefix.Append(t.PersonaID, t.UserID))
	if err != nil {
		return nil, fmt.Errorf("trigger: history %s: %w", t, err)
	}
	out := make(map[string]FireRecord, len(recs))
	for _, r := range recs {
		out[r.RuleID] = r
	}
	return out, nil
}

// Failure is a rule whose action failed during a pass.
type Failure struct {
	RuleID string
	Err    error
}

// Pass is the outcome of one [Scheduler.Check].
type Pass struct {
	// Candidates are the ids of eligible rules, highest priority first.
	Candidates []string

	// Fired is the rule that fired, or nil.
	Fired *Rule

	// Failures are candidates whose action failed. They were not marked
	// as fired.
	Failures []Failure
}

// Check evaluates the rules for t and fires the highest-priority eligible
// one. If its action fails the next candidate is tried. Condition errors
// are logged and skip the rule. The returned error is for store failures
// only.
func (s *Scheduler) Check(ctx context.Context, t Target, st State, act Activity) (*Pass, error) {
	now := s.now().In(s.loc)
	if st.Fired == nil {
		fired, err := s.History(ctx, t)
		if err != nil {
			return nil, err
		}
		st.Fired = fired
	}

	var rules []Rule
	for _, r := range s.rules {
		if r.AppliesTo(t.PersonaID) {
			rules = append(rules, r)
		}
	}
	candidates, err := Evaluate(rules, st, act, now)
	if err != nil {
		s.logger.Warn("trigger condition failed", "target", t.String(), "err", err)
	}

	pass := &Pass{}
	for _, r := range candidates {
		pass.Candidates = append(pass.Candidates, r.ID)
	}
	for i := range candidates {
		r := &candidates[i]
		claim, prev, ok, err := s.claim(ctx, t, r, now)
		if err != nil {
			return pass, err
		}
		if !ok {
			// Another pass fired it first; that pass owns this round.
			s.logger.Debug("trigger already claimed", "rule", r.ID, "target", t.String())
			return pass, nil
		}
		if err := s.dispatch.Dispatch(ctx, t, r.Then.Action); err != nil {
			s.logger.Warn("trigger action failed",
				"rule", r.ID, "action", string(r.Then.Kind()), "target", t.String(), "err", err)
			pass.Failures = append(pass.Failures, Failure{RuleID: r.ID, Err: err})
			if rerr := s.release(ctx, t, r.ID, claim, prev); rerr != nil {
				return pass, rerr
			}
			continue
		}
		s.logger.Info("trigger fired",
			"rule", r.ID, "action", string(r.Then.Kind()), "target", t.String(), "priority", r.Priority)
		pass.Fired = r
		return pass, nil
	}
	return pass, nil
}

// claim marks r as fired at now if it is still eligible. prev is the
// record before the claim.
func (s *Scheduler) claim(ctx context.Context, t Target, r *Rule, now time.Time) (claim string, prev FireRecord, ok bool, err error) {
	claim = uuid.NewString()
	day := dayKey(now)
	_, err = kv.UpdateValue(ctx, s.store, s.key(t, r.ID), func(rec *FireRecord, found bool) error {
		ok = false
		if !Eligible(r, *rec, now) {
			return kv.ErrSkipWrite
		}
		prev = *rec
		rec.RuleID = r.ID
		if rec.Day != day {
			rec.Day = day
			rec.Today = 0
		}
		rec.Today++
		rec.Total++
		rec.LastFired = now
		rec.Claim = claim
		ok = true
		return nil
	})
	if err != nil {
		return "", prev, false, fmt.Errorf("trigger: claim %s for %s: %w", r.ID, t, err)
	}
	return claim, prev, ok, nil
}

// release restores prev if the record still carries claim.
func (s *Scheduler) release(ctx context.Context, t Target, ruleID, claim string, prev FireRecord) error {
	_, err := kv.UpdateValue(ctx, s.store, s.key(t, ruleID), func(rec *FireRecord, found bool) error {
		if !found || rec.Claim != claim {
			return kv.ErrSkipWrite
		}
		*rec = prev
		rec.RuleID = ruleID
		return nil
	})
	if err != nil && !errors.Is(err, kv.ErrSkipWrite) {
		return fmt.Errorf("trigger: release %s for %s: %w", ruleID, t, err)
	}
	return nil
}
