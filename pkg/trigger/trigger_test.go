package trigger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/haivivi/companion/pkg/jsontime"
	"github.com/haivivi/companion/pkg/kv"
	"github.com/haivivi/companion/pkg/relationship"
)

const rulesDoc = `
rules:
  - id: miss-you
    priority: 10
    cooldown: 24h
    max_per_day: 1
    when:
      - type: inactivity
        for: 48h
      - type: stage
        min: friend
    then:
      type: send_dm
      message: "Haven't heard from you..."
  - id: good-morning
    priority: 5
    cooldown: 1h
    when:
      - type: schedule_hour
        hours: [8, 9]
    then:
      type: push_notification
      title: Morning!
  - id: birthday
    priority: 20
    when:
      - type: keyword
        words: [birthday]
      - type: affection_range
        min: 30
    then:
      type: start_scenario
      scenario: birthday-surprise
  - id: loyal
    priority: 1
    personas: [mika]
    when:
      - type: custom
        expr: '.trust >= 10 and .affection > 40'
    then:
      type: update_state
      affection_delta: 2
      event: milestone
`

func mustRules(t *testing.T) []Rule {
	t.Helper()
	rules, err := Parse([]byte(rulesDoc))
	if err != nil {
		t.Fatal(err)
	}
	return rules
}

func stateAt(affection int) State {
	return State{Relationship: relationship.ApplyAffectionChange(relationship.NewState("mika", "u1"), affection)}
}

func ids(rules []Rule) []string {
	var out []string
	for _, r := range rules {
		out = append(out, r.ID)
	}
	return out
}

func TestParseRules(t *testing.T) {
	rules := mustRules(t)
	if len(rules) != 4 {
		t.Fatalf("rules = %d", len(rules))
	}
	r := rules[0]
	if r.Cooldown != jsontime.Duration(24*time.Hour) || r.MaxPerDay != 1 {
		t.Errorf("miss-you = %+v", r)
	}
	if c, ok := r.When[0].Condition.(*Inactivity); !ok || time.Duration(c.For) != 48*time.Hour {
		t.Errorf("condition 0 = %#v", r.When[0].Condition)
	}
	if a, ok := r.Then.Action.(*SendDM); !ok || a.Message == "" {
		t.Errorf("action = %#v", r.Then.Action)
	}
	if c := rules[2].When[1].Condition.(*AffectionRange); c.Max != relationship.MaxAffection {
		t.Errorf("affection_range max default = %d", c.Max)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown condition", `
rules:
  - id: a
    when: [{type: weather, sky: blue}]
    then: {type: send_dm, message: hi}`, "unknown condition type"},
		{"unknown field", `
rules:
  - id: a
    when: [{type: keyword, words: [x], wrods: [y]}]
    then: {type: send_dm, message: hi}`, "wrods"},
		{"unknown rule field", `
rules:
  - id: a
    cooldwn: 1h
    when: [{type: keyword, words: [x]}]
    then: {type: send_dm, message: hi}`, "cooldwn"},
		{"missing type", `
rules:
  - id: a
    when: [{words: [x]}]
    then: {type: send_dm, message: hi}`, "missing type"},
		{"bad jq", `
rules:
  - id: a
    when: [{type: custom, expr: '.affection >'}]
    then: {type: send_dm, message: hi}`, "jq"},
		{"bad stage", `
rules:
  - id: a
    when: [{type: stage, min: soulmate}]
    then: {type: send_dm, message: hi}`, "unknown stage"},
		{"bad hour", `
rules:
  - id: a
    when: [{type: schedule_hour, hours: [24]}]
    then: {type: send_dm, message: hi}`, "out of range"},
		{"no action", `
rules:
  - id: a
    when: [{type: keyword, words: [x]}]`, "no action"},
		{"duplicate", `
rules:
  - id: a
    when: [{type: keyword, words: [x]}]
    then: {type: send_dm, message: hi}
  - id: a
    when: [{type: keyword, words: [y]}]
    then: {type: send_dm, message: hi}`, "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestRuleMarshalRoundTrip(t *testing.T) {
	rules := mustRules(t)
	data, err := yaml.Marshal(File{Rules: rules})
	if err != nil {
		t.Fatal(err)
	}
	again, err := Parse(data)
	if err != nil {
		t.Fatalf("reparse: %v\n%s", err, data)
	}
	if got := ids(again); strings.Join(got, ",") != "miss-you,good-morning,birthday,loyal" {
		t.Fatalf("ids = %v", got)
	}
}

func TestMatchConditions(t *testing.T) {
	now := time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC)
	st := stateAt(50)
	st.Relationship.Trust = 12
	act := Activity{
		LastActive:     now.Add(-72 * time.Hour),
		RecentMessages: []string{"old message about my Birthday", "a", "b", "c", "d", "e"},
	}
	custom, err := NewCustom(`.stage == "close" and .inactive_seconds > 3600`)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		c    Condition
		want bool
	}{
		{"affection in range", &AffectionRange{Min: 40, Max: 60}, true},
		{"affection out of range", &AffectionRange{Min: 60, Max: 100}, false},
		{"stage min", &StageMatch{Min: relationship.StageFriend}, true},
		{"stage max", &StageMatch{Max: relationship.StageFriend}, false},
		{"stage list", &StageMatch{Stages: []relationship.Stage{relationship.StageClose}}, true},
		{"inactive long enough", &Inactivity{For: jsontime.Duration(48 * time.Hour)}, true},
		{"not inactive enough", &Inactivity{For: jsontime.Duration(96 * time.Hour)}, false},
		{"keyword outside window", &Keyword{Words: []string{"birthday"}}, false},
		{"keyword inside window", &Keyword{Words: []string{"BIRTHDAY"}, Recent: 6}, true},
		{"hour", &ScheduleHour{Hours: []int{8}}, true},
		{"other hour", &ScheduleHour{Hours: []int{20}}, false},
		{"custom", custom, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Match(tt.c, st, act, now)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}

	// Never-active users are not inactive.
	if ok, _ := Match(&Inactivity{For: 1}, st, Activity{}, now); ok {
		t.Error("zero LastActive matched inactivity")
	}
}

func TestScheduleHourTimezone(t *testing.T) {
	rules, err := Parse([]byte(`
rules:
  - id: tz
    when: [{type: schedule_hour, hours: [9], tz: Asia/Tokyo}]
    then: {type: send_dm, message: ohayo}`))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 5, 4, 0, 15, 0, 0, time.UTC) // 09:15 in Tokyo
	got, err := Evaluate(rules, stateAt(0), Activity{}, now)
	if err != nil || len(got) != 1 {
		t.Fatalf("got %v, err %v", ids(got), err)
	}
}

func TestEvaluateOrderAndEligibility(t *testing.T) {
	rules := mustRules(t)
	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	st := stateAt(50)
	st.Relationship.Trust = 20
	act := Activity{LastActive: now.Add(-50 * time.Hour), RecentMessages: []string{"my birthday is today"}}

	got, err := Evaluate(rules, st, act, now)
	if err != nil {
		t.Fatal(err)
	}
	if want := "birthday,miss-you,good-morning,loyal"; strings.Join(ids(got), ",") != want {
		t.Fatalf("order = %v, want %s", ids(got), want)
	}

	// Cooldown and daily cap exclude rules.
	st.Fired = map[string]FireRecord{
		"birthday":     {RuleID: "birthday", LastFired: now.Add(-time.Minute), Day: dayKey(now), Today: 1},
		"good-morning": {RuleID: "good-morning", LastFired: now.Add(-30 * time.Minute), Day: dayKey(now), Today: 1},
		"miss-you":     {RuleID: "miss-you", LastFired: now.Add(-25 * time.Hour), Day: dayKey(now.Add(-25 * time.Hour)), Today: 1},
	}
	got, _ = Evaluate(rules, st, act, now)
	// birthday has no cooldown or cap; good-morning is cooling down;
	// miss-you fired yesterday so today's cap is fresh.
	if want := "birthday,miss-you,loyal"; strings.Join(ids(got), ",") != want {
		t.Fatalf("eligible = %v, want %s", ids(got), want)
	}
}

func TestMaxPerDayBoundary(t *testing.T) {
	rule := Rule{ID: "once", MaxPerDay: 1}
	now := time.Date(2026, 5, 4, 23, 59, 0, 0, time.UTC)
	rec := FireRecord{LastFired: now.Add(-time.Hour), Day: dayKey(now), Today: 1}
	if Eligible(&rule, rec, now) {
		t.Fatal("fired once today but still eligible")
	}
	if !Eligible(&rule, rec, now.Add(2*time.Minute)) {
		t.Fatal("not eligible after the day rolled over")
	}
}

type fakeExec struct {
	mu    sync.Mutex
	fail  map[ActionKind]error
	calls []ActionKind
}

func (f *fakeExec) record(k ActionKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, k)
	return f.fail[k]
}

func (f *fakeExec) SendDM(context.Context, Target, *SendDM) error {
	return f.record(KindSendDM)
}

func (f *fakeExec) StartScenario(context.Context, Target, *StartScenario) error {
	return f.record(KindStartScenario)
}

func (f *fakeExec) PushNotification(context.Context, Target, *PushNotification) error {
	return f.record(KindPushNotification)
}

func newScheduler(t *testing.T, exec Executor, now time.Time) (*Scheduler, *relationship.Manager) {
	t.Helper()
	store := kv.NewMemory(nil)
	rel := relationship.NewManager(store, relationship.ManagerConfig{Now: func() time.Time { return now }})
	s := NewScheduler(store, &Dispatcher{Exec: exec, State: rel}, SchedulerConfig{
		Rules: mustRules(t),
		Now:   func() time.Time { return now },
	})
	return s, rel
}

var target = Target{PersonaID: "mika", UserID: "u1"}

func TestSchedulerFiresOnlyTopRule(t *testing.T) {
	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	exec := &fakeExec{}
	s, _ := newScheduler(t, exec, now)
	act := Activity{LastActive: now.Add(-50 * time.Hour), RecentMessages: []string{"birthday!"}}

	pass, err := s.Check(context.Background(), target, stateAt(50), act)
	if err != nil {
		t.Fatal(err)
	}
	if pass.Fired == nil || pass.Fired.ID != "birthday" {
		t.Fatalf("fired = %+v", pass.Fired)
	}
	if len(exec.calls) != 1 || exec.calls[0] != KindStartScenario {
		t.Fatalf("calls = %v", exec.calls)
	}
	if len(pass.Candidates) < 2 {
		t.Fatalf("candidates = %v", pass.Candidates)
	}
}

func TestSchedulerIdempotent(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	exec := &fakeExec{}
	s, _ := newScheduler(t, exec, now)
	act := Activity{LastActive: now.Add(-50 * time.Hour)}
	ctx := context.Background()

	first, err := s.Check(ctx, target, stateAt(30), act)
	if err != nil {
		t.Fatal(err)
	}
	if first.Fired == nil || first.Fired.ID != "miss-you" {
		t.Fatalf("first = %+v", first)
	}
	second, err := s.Check(ctx, target, stateAt(30), act)
	if err != nil {
		t.Fatal(err)
	}
	if second.Fired != nil || len(second.Candidates) != 0 {
		t.Fatalf("second pass fired again: %+v", second)
	}

	hist, err := s.History(ctx, target)
	if err != nil {
		t.Fatal(err)
	}
	if rec := hist["miss-you"]; rec.Today != 1 || !rec.LastFired.Equal(now) {
		t.Fatalf("record = %+v", rec)
	}
}

func TestSchedulerFailedActionNotMarked(t *testing.T) {
	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	exec := &fakeExec{fail: map[ActionKind]error{KindStartScenario: errors.New("scenario service down")}}
	s, _ := newScheduler(t, exec, now)
	act := Activity{LastActive: now.Add(-50 * time.Hour), RecentMessages: []string{"birthday"}}
	ctx := context.Background()

	pass, err := s.Check(ctx, target, stateAt(50), act)
	if err != nil {
		t.Fatal(err)
	}
	if len(pass.Failures) != 1 || pass.Failures[0].RuleID != "birthday" {
		t.Fatalf("failures = %+v", pass.Failures)
	}
	// The pass moves on to the next rule.
	if pass.Fired == nil || pass.Fired.ID != "miss-you" {
		t.Fatalf("fired = %+v", pass.Fired)
	}
	hist, _ := s.History(ctx, target)
	if rec := hist["birthday"]; !rec.LastFired.IsZero() || rec.Today != 0 {
		t.Fatalf("failed rule marked as fired: %+v", rec)
	}

	// Once the executor recovers the rule fires.
	exec.fail = nil
	pass, err = s.Check(ctx, target, stateAt(50), act)
	if err != nil {
		t.Fatal(err)
	}
	if pass.Fired == nil || pass.Fired.ID != "birthday" {
		t.Fatalf("retry fired = %+v", pass.Fired)
	}
}

func TestSchedulerConcurrentNoDoubleFire(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	exec := &fakeExec{}
	s, _ := newScheduler(t, exec, now)
	act := Activity{LastActive: now.Add(-50 * time.Hour)}

	var fired atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Every pass sees the same stale empty history.
			st := stateAt(30)
			st.Fired = map[string]FireRecord{}
			pass, err := s.Check(context.Background(), target, st, act)
			if err != nil {
				t.Error(err)
				return
			}
			if pass.Fired != nil {
				fired.Add(1)
			}
		}()
	}
	wg.Wait()
	if n := fired.Load(); n != 1 {
		t.Fatalf("fired %d times, want 1", n)
	}
	if len(exec.calls) != 1 {
		t.Fatalf("executor called %d times", len(exec.calls))
	}
}

func TestSchedulerUpdateState(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	s, rel := newScheduler(t, &fakeExec{}, now)
	ctx := context.Background()
	st := stateAt(50)
	st.Relationship.Trust = 15

	pass, err := s.Check(ctx, target, st, Activity{})
	if err != nil {
		t.Fatal(err)
	}
	if pass.Fired == nil || pass.Fired.ID != "loyal" {
		t.Fatalf("fired = %+v", pass.Fired)
	}
	got, err := rel.Get(ctx, "mika", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Affection != 2 || len(got.Events) != 1 || got.Events[0].Kind != relationship.EventMilestone {
		t.Fatalf("state = %+v", got)
	}

	// Persona-scoped rules do not apply elsewhere.
	pass, _ = s.Check(ctx, Target{PersonaID: "other", UserID: "u1"}, st, Activity{})
	if pass.Fired != nil {
		t.Fatalf("scoped rule fired for another persona: %s", pass.Fired.ID)
	}
}

func TestDispatcherWithoutExecutor(t *testing.T) {
	d := &Dispatcher{}
	if err := d.Dispatch(context.Background(), target, &SendDM{Message: "x"}); !errors.Is(err, ErrNoExecutor) {
		t.Fatalf("err = %v", err)
	}
}
