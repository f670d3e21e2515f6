package trigger

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/haivivi/companion/pkg/jsontime"
	"github.com/haivivi/companion/pkg/relationship"
)

// Rule maps conditions to an action. All conditions in When must hold.
// Rules are configuration: evaluation never mutates them.
//
//	rules:
//	  - id: miss-you
//	    priority: 10
//	    cooldown: 24h
//	    max_per_day: 1
//	    when:
//	      - type: inactivity
//	        for: 48h
//	      - type: stage
//	        min: friend
//	    then:
//	      type: send_dm
//	      message: "Haven't heard from you in a while..."
type Rule struct {
	ID          string            `yaml:"id"`
	Description string            `yaml:"description,omitempty"`
	Priority    int               `yaml:"priority"`
	Cooldown    jsontime.Duration `yaml:"cooldown,omitempty"`

	// MaxPerDay caps firings per pair per day. Zero means no cap.
	MaxPerDay int `yaml:"max_per_day,omitempty"`

	// Personas restricts the rule to these persona ids. Empty means all.
	Personas []string `yaml:"personas,omitempty"`
	Disabled bool     `yaml:"disabled,omitempty"`

	When []ConditionSpec `yaml:"when"`
	Then ActionSpec      `yaml:"then"`
}

// AppliesTo reports whether the rule is enabled for personaID.
func (r *Rule) AppliesTo(personaID string) bool {
	if r.Disabled {
		return false
	}
	return len(r.Personas) == 0 || slices.Contains(r.Personas, personaID)
}

// Validate checks the rule and prepares its conditions for evaluation.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return errors.New("trigger: rule id is required")
	}
	if r.MaxPerDay < 0 {
		return fmt.Errorf("trigger: rule %s: max_per_day is negative", r.ID)
	}
	if len(r.When) == 0 {
		return fmt.Errorf("trigger: rule %s: no conditions", r.ID)
	}
	for i, c := range r.When {
		if c.Condition == nil {
			return fmt.Errorf("trigger: rule %s: condition %d is empty", r.ID, i)
		}
		if err := validateCondition(c.Condition); err != nil {
			return fmt.Errorf("trigger: rule %s: condition %d: %w", r.ID, i, err)
		}
	}
	if r.Then.Action == nil {
		return fmt.Errorf("trigger: rule %s: no action", r.ID)
	}
	if err := validateAction(r.Then.Action); err != nil {
		return fmt.Errorf("trigger: rule %s: %w", r.ID, err)
	}
	return nil
}

// ConditionSpec carries a Condition in rule files, discriminated by its
// "type" key.
type ConditionSpec struct {
	Condition
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *ConditionSpec) UnmarshalYAML(node *yaml.Node) error {
	kind, body, err := splitType(node)
	if err != nil {
		return err
	}
	var c Condition
	switch ConditionKind(kind) {
	case KindAffectionRange:
		c = &AffectionRange{Max: relationship.MaxAffection}
	case KindStage:
		c = &StageMatch{}
	case KindInactivity:
		c = &Inactivity{}
	case KindKeyword:
		c = &Keyword{}
	case KindScheduleHour:
		c = &ScheduleHour{}
	case KindCustom:
		c = &Custom{}
	default:
		return fmt.Errorf("line %d: unknown condition type %q", node.Line, kind)
	}
	if err := decodeStrict(body, c); err != nil {
		return fmt.Errorf("line %d: %s: %w", node.Line, kind, err)
	}
	s.Condition = c
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s ConditionSpec) MarshalYAML() (any, error) {
	if s.Condition == nil {
		return nil, nil
	}
	return withType(string(s.Kind()), s.Condition)
}

// ActionSpec carries an Action in rule files, discriminated by its "type"
// key.
type ActionSpec struct {
	Action
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *ActionSpec) UnmarshalYAML(node *yaml.Node) error {
	kind, body, err := splitType(node)
	if err != nil {
		return err
	}
	var a Action
	switch ActionKind(kind) {
	case KindSendDM:
		a = &SendDM{}
	case KindStartScenario:
		a = &StartScenario{}
	case KindPushNotification:
		a = &PushNotification{}
	case KindUpdateState:
		a = &UpdateState{}
	default:
		return fmt.Errorf("line %d: unknown action type %q", node.Line, kind)
	}
	if err := decodeStrict(body, a); err != nil {
		return fmt.Errorf("line %d: %s: %w", node.Line, kind, err)
	}
	s.Action = a
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s ActionSpec) MarshalYAML() (any, error) {
	if s.Action == nil {
		return nil, nil
	}
	return withType(string(s.Kind()), s.Action)
}

// splitType returns the "type" value of a mapping node and a copy of the
// mapping without it.
func splitType(node *yaml.Node) (string, *yaml.Node, error) {
	if node.Kind != yaml.MappingNode {
		return "", nil, fmt.Errorf("line %d: expected a mapping", node.Line)
	}
	body := &yaml.Node{Kind: yaml.MappingNode, Tag: node.Tag, Line: node.Line, Column: node.Column}
	var kind string
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if k.Value == "type" {
			kind = v.Value
			continue
		}
		body.Content = append(body.Content, k, v)
	}
	if kind == "" {
		return "", nil, fmt.Errorf("line %d: missing type", node.Line)
	}
	return kind, body, nil
}

// decodeStrict decodes node into v rejecting unknown fields. Node.Decode
// does not carry the outer decoder's KnownFields setting.
func decodeStrict(node *yaml.Node, v any) error {
	data, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func withType(kind string, v any) (*yaml.Node, error) {
	var n yaml.Node
	if err := n.Encode(v); err != nil {
		return nil, err
	}
	n.Content = append([]*yaml.Node{
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: "type"},
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: kind},
	}, n.Content...)
	return &n, nil
}

// File is the document layout of a rules file.
type File struct {
	Rules []Rule `yaml:"rules"`
}

// Parse decodes and validates a rules document. Unknown fields are errors.
func Parse(data []byte) ([]Rule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("trigger: decode rules: %w", err)
	}
	seen := make(map[string]bool, len(f.Rules))
	for i := range f.Rules {
		r := &f.Rules[i]
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("trigger: duplicate rule id %s", r.ID)
		}
		seen[r.ID] = true
	}
	return f.Rules, nil
}

// LoadFile reads and parses a rules file.
func LoadFile(name string) ([]Rule, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("trigger: %w", err)
	}
	return Parse(data)
}
