// Package trigger decides when scripted events fire for a (persona, user)
// pair: rules with typed conditions and actions, a pure evaluator, and a
// scheduler that fires at most one rule per pass with an atomic
// cooldown and daily-cap check.
package trigger

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/haivivi/companion/pkg/emotion"
	"github.com/haivivi/companion/pkg/relationship"
)

// State is what rules are evaluated against.
type State struct {
	Relationship relationship.State
	Mood         emotion.Mood

	// Fired holds the fire record of each rule for this pair, by rule id.
	Fired map[string]FireRecord
}

// Activity describes recent user activity.
type Activity struct {
	// LastActive is the time of the user's last message. Zero if unknown.
	LastActive time.Time

	// RecentMessages are the user's latest messages, oldest first.
	RecentMessages []string
}

// FireRecord tracks firings of one rule for one pair.
type FireRecord struct {
	RuleID    string    `msgpack:"rule_id" json:"rule_id"`
	LastFired time.Time `msgpack:"last_fired" json:"last_fired"`

	// Day is the date (2006-01-02, scheduler location) Today counts for.
	Day   string `msgpack:"day" json:"day"`
	Today int    `msgpack:"today" json:"today"`
	Total int    `msgpack:"total" json:"total"`

	// Claim identifies the firing in progress or last completed.
	Claim string `msgpack:"claim,omitempty" json:"claim,omitempty"`
}

func dayKey(t time.Time) string { return t.Format(time.DateOnly) }

// FiredToday returns how many times the rule fired on now's date.
func (r FireRecord) FiredToday(now time.Time) int {
	if r.Day != dayKey(now) {
		return 0
	}
	return r.Today
}

// Eligible reports whether rule may fire at now given its record. It
// checks cooldown and the daily cap, not conditions.
func Eligible(rule *Rule, rec FireRecord, now time.Time) bool {
	if !rec.LastFired.IsZero() && rule.Cooldown > 0 && now.Sub(rec.LastFired) < time.Duration(rule.Cooldown) {
		return false
	}
	if rule.MaxPerDay > 0 && rec.FiredToday(now) >= rule.MaxPerDay {
		return false
	}
	return true
}

// Evaluate returns the rules whose conditions all hold, whose cooldown has
// elapsed and whose daily cap is not reached, highest priority first. Ties
// keep input order.
//
// now's location defines the day boundary. A rule whose condition fails
// to evaluate is left out and its error is joined into err.
func Evaluate(rules []Rule, st State, act Activity, now time.Time) ([]Rule, error) {
	var out []Rule
	var errs []error
	for i := range rules {
		r := &rules[i]
		if r.Disabled || !Eligible(r, st.Fired[r.ID], now) {
			continue
		}
		ok, err := matchAll(r, st, act, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("trigger: rule %s: %w", r.ID, err))
			continue
		}
		if ok {
			out = append(out, *r)
		}
	}
	slices.SortStableFunc(out, func(a, b Rule) int { return cmp.Compare(b.Priority, a.Priority) })
	return out, errors.Join(errs...)
}

func matchAll(r *Rule, st State, act Activity, now time.Time) (bool, error) {
	for _, c := range r.When {
		ok, err := Match(c.Condition, st, act, now)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
