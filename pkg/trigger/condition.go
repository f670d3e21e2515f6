package trigger

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/itchyny/gojq"

	"github.com/haivivi/companion/pkg/jsontime"
	"github.com/haivivi/companion/pkg/relationship"
)

// ConditionKind discriminates condition payloads in rule files.
type ConditionKind string

const (
	KindAffectionRange ConditionKind = "affection_range"
	KindStage          ConditionKind = "stage"
	KindInactivity     ConditionKind = "inactivity"
	KindKeyword        ConditionKind = "keyword"
	KindScheduleHour   ConditionKind = "schedule_hour"
	KindCustom         ConditionKind = "custom"
)

// Condition is one of the condition payload types below. The set is
// closed; [Match] handles every member.
type Condition interface {
	Kind() ConditionKind
	condition()
}

// AffectionRange holds when Min <= affection <= Max.
type AffectionRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// StageMatch holds when the stage is listed in Stages (if any) and lies
// within [Min, Max] (each bound optional).
type StageMatch struct {
	Stages []relationship.Stage `yaml:"stages,omitempty"`
	Min    relationship.Stage   `yaml:"min,omitempty"`
	Max    relationship.Stage   `yaml:"max,omitempty"`
}

// Inactivity holds when the user has been silent for at least For. A user
// with no recorded activity never matches.
type Inactivity struct {
	For jsontime.Duration `yaml:"for"`
}

// Keyword holds when one of Words appears, case-insensitively, in the last
// Recent user messages.
type Keyword struct {
	Words  []string `yaml:"words"`
	Recent int      `yaml:"recent,omitempty"`
}

// ScheduleHour holds when the local hour in TZ is one of Hours.
type ScheduleHour struct {
	Hours []int  `yaml:"hours"`
	TZ    string `yaml:"tz,omitempty"`

	loc *time.Location
}

// Custom holds when the jq expression's first result is truthy. The input
// document has the fields affection, trust, intimacy, stage, nickname,
// mood, hour, weekday, inactive_seconds and recent.
type Custom struct {
	Expr string `yaml:"expr"`

	code *gojq.Code
}

func (AffectionRange) Kind() ConditionKind { return KindAffectionRange }
func (StageMatch) Kind() ConditionKind     { return KindStage }
func (Inactivity) Kind() ConditionKind     { return KindInactivity }
func (Keyword) Kind() ConditionKind        { return KindKeyword }
func (ScheduleHour) Kind() ConditionKind   { return KindScheduleHour }
func (Custom) Kind() ConditionKind         { return KindCustom }

func (*AffectionRange) condition() {}
func (*StageMatch) condition()     {}
func (*Inactivity) condition()     {}
func (*Keyword) condition()        {}
func (*ScheduleHour) condition()   {}
func (*Custom) condition()         {}

// DefaultKeywordWindow is Keyword.Recent when unset.
const DefaultKeywordWindow = 5

// NewCustom compiles expr.
func NewCustom(expr string) (*Custom, error) {
	c := &Custom{Expr: expr}
	if err := c.compile(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Custom) compile() error {
	q, err := gojq.Parse(c.Expr)
	if err != nil {
		return fmt.Errorf("invalid jq expression %q: %w", c.Expr, err)
	}
	code, err := gojq.Compile(q)
	if err != nil {
		return fmt.Errorf("compile jq expression %q: %w", c.Expr, err)
	}
	c.code = code
	return nil
}

func (s *ScheduleHour) location() *time.Location {
	if s.loc == nil {
		return time.UTC
	}
	return s.loc
}

// Match reports whether c holds for the pair at now.
func Match(c Condition, st State, act Activity, now time.Time) (bool, error) {
	rel := st.Relationship
	switch c := c.(type) {
	case *AffectionRange:
		return rel.Affection >= c.Min && rel.Affection <= c.Max, nil

	case *StageMatch:
		stage := rel.Stage
		if len(c.Stages) > 0 && !slices.Contains(c.Stages, stage) {
			return false, nil
		}
		if c.Min != "" && !stage.AtLeast(c.Min) {
			return false, nil
		}
		if c.Max != "" && !c.Max.AtLeast(stage) {
			return false, nil
		}
		return true, nil

	case *Inactivity:
		if act.LastActive.IsZero() {
			return false, nil
		}
		return now.Sub(act.LastActive) >= time.Duration(c.For), nil

	case *Keyword:
		n := c.Recent
		if n <= 0 {
			n = DefaultKeywordWindow
		}
		recent := act.RecentMessages[max(0, len(act.RecentMessages)-n):]
		for _, msg := range recent {
			lower := strings.ToLower(msg)
			for _, w := range c.Words {
				if w != "" && strings.Contains(lower, strings.ToLower(w)) {
					return true, nil
				}
			}
		}
		return false, nil

	case *ScheduleHour:
		return slices.Contains(c.Hours, now.In(c.location()).Hour()), nil

	case *Custom:
		if c.code == nil {
			return false, fmt.Errorf("trigger: custom condition %q not compiled", c.Expr)
		}
		iter := c.code.Run(customInput(st, act, now))
		v, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if err, ok := v.(error); ok {
			return false, fmt.Errorf("jq error: %w", err)
		}
		return v != nil && v != false, nil
	}
	return false, fmt.Errorf("trigger: unknown condition %T", c)
}

func customInput(st State, act Activity, now time.Time) map[string]any {
	rel := st.Relationship
	inactive := -1.0
	if !act.LastActive.IsZero() {
		inactive = now.Sub(act.LastActive).Seconds()
	}
	recent := make([]any, len(act.RecentMessages))
	for i, m := range act.RecentMessages {
		recent[i] = m
	}
	return map[string]any{
		"affection":        rel.Affection,
		"trust":            rel.Trust,
		"intimacy":         rel.Intimacy,
		"stage":            string(rel.Stage),
		"nickname":         rel.EffectiveNickname(),
		"mood":             string(st.Mood),
		"hour":             now.Hour(),
		"weekday":          now.Weekday().String(),
		"inactive_seconds": inactive,
		"recent":           recent,
	}
}

// validateCondition checks payload invariants after decoding.
func validateCondition(c Condition) error {
	switch c := c.(type) {
	case *AffectionRange:
		if c.Min > c.Max {
			return fmt.Errorf("affection_range: min %d > max %d", c.Min, c.Max)
		}
	case *StageMatch:
		for _, s := range append(slices.Clone(c.Stages), c.Min, c.Max) {
			if s == "" {
				continue
			}
			if _, err := relationship.ParseStage(string(s)); err != nil {
				return err
			}
		}
	case *Inactivity:
		if c.For <= 0 {
			return fmt.Errorf("inactivity: for must be positive")
		}
	case *Keyword:
		if len(c.Words) == 0 {
			return fmt.Errorf("keyword: words is empty")
		}
	case *ScheduleHour:
		if len(c.Hours) == 0 {
			return fmt.Errorf("schedule_hour: hours is empty")
		}
		for _, h := range c.Hours {
			if h < 0 || h > 23 {
				return fmt.Errorf("schedule_hour: hour %d out of range", h)
			}
		}
		if c.TZ != "" {
			loc, err := time.LoadLocation(c.TZ)
			if err != nil {
				return fmt.Errorf("schedule_hour: %w", err)
			}
			c.loc = loc
		}
	case *Custom:
		return c.compile()
	default:
		return fmt.Errorf("unknown condition %T", c)
	}
	return nil
}
