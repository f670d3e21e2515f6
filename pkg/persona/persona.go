// Package persona holds the identity a companion character is played from.
// Personas are authored as YAML documents, never mutated by the agent, and
// read through a TTL cache.
package persona

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrNotFound is returned when no persona exists for an id.
var ErrNotFound = errors.New("persona: not found")

// Persona is the immutable identity of one character.
type Persona struct {
	ID              string    `yaml:"id" json:"id"`
	Name            string    `yaml:"name" json:"name"`
	Role            string    `yaml:"role,omitempty" json:"role,omitempty"`
	Age             int       `yaml:"age,omitempty" json:"age,omitempty"`
	Appearance      string    `yaml:"appearance,omitempty" json:"appearance,omitempty"`
	Voice           string    `yaml:"voice,omitempty" json:"voice,omitempty"`
	BaseInstruction string    `yaml:"base_instruction" json:"base_instruction"`
	Likes           []string  `yaml:"likes,omitempty" json:"likes,omitempty"`
	Dislikes        []string  `yaml:"dislikes,omitempty" json:"dislikes,omitempty"`
	AbsoluteRules   []string  `yaml:"absolute_rules,omitempty" json:"absolute_rules,omitempty"`
	Worldview       Worldview `yaml:"worldview,omitempty" json:"worldview,omitzero"`
	Traits          Traits    `yaml:"traits,omitempty" json:"traits,omitzero"`

	// Lore is background knowledge injected into the system prompt.
	Lore []string `yaml:"lore,omitempty" json:"lore,omitempty"`

	// Examples are few-shot dialogues the prompt engine samples from.
	Examples []Example `yaml:"examples,omitempty" json:"examples,omitempty"`

	// Template selects a prompt template version; empty means the engine
	// default.
	Template string `yaml:"template,omitempty" json:"template,omitempty"`
}

// Worldview is the setting the character lives in.
type Worldview struct {
	Setting     string   `yaml:"setting,omitempty" json:"setting,omitempty"`
	Conflict    string   `yaml:"conflict,omitempty" json:"conflict,omitempty"`
	OpeningLine string   `yaml:"opening_line,omitempty" json:"opening_line,omitempty"`
	Boundaries  []string `yaml:"boundaries,omitempty" json:"boundaries,omitempty"`
}

// Traits separates what the character performs in public from what the
// user discovers as the relationship deepens.
type Traits struct {
	Surface        string                   `yaml:"surface,omitempty" json:"surface,omitempty"`
	Hidden         string                   `yaml:"hidden,omitempty" json:"hidden,omitempty"`
	Speech         SpeechPatterns           `yaml:"speech,omitempty" json:"speech,omitzero"`
	StageBehaviors map[string]StageBehavior `yaml:"stage_behaviors,omitempty" json:"stage_behaviors,omitempty"`
}

// SpeechPatterns describe how the character talks.
type SpeechPatterns struct {
	Formality  string   `yaml:"formality,omitempty" json:"formality,omitempty"`
	PetNames   []string `yaml:"pet_names,omitempty" json:"pet_names,omitempty"`
	VerbalTics []string `yaml:"verbal_tics,omitempty" json:"verbal_tics,omitempty"`
}

// StageBehavior is how the character acts at one relationship stage.
type StageBehavior struct {
	Tone            string `yaml:"tone,omitempty" json:"tone,omitempty"`
	Distance        string `yaml:"distance,omitempty" json:"distance,omitempty"`
	AllowedIntimacy string `yaml:"allowed_intimacy,omitempty" json:"allowed_intimacy,omitempty"`
}

// Example is one tagged few-shot dialogue.
type Example struct {
	Tags  []string      `yaml:"tags,omitempty" json:"tags,omitempty"`
	Turns []ExampleTurn `yaml:"turns" json:"turns"`
}

// ExampleTurn is a line of an example dialogue. Role is "user" or
// "assistant".
type ExampleTurn struct {
	Role    string `yaml:"role" json:"role"`
	Content string `yaml:"content" json:"content"`
}

// BehaviorAt returns the stage behavior for stage, if declared.
func (p *Persona) BehaviorAt(stage string) (StageBehavior, bool) {
	b, ok := p.Traits.StageBehaviors[stage]
	return b, ok
}

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Validate checks the fields every prompt depends on.
func (p *Persona) Validate() error {
	if !idPattern.MatchString(p.ID) {
		return fmt.Errorf("persona: invalid id %q", p.ID)
	}
	if p.Name == "" {
		return fmt.Errorf("persona %s: name is required", p.ID)
	}
	if p.BaseInstruction == "" {
		return fmt.Errorf("persona %s: base_instruction is required", p.ID)
	}
	for i, ex := range p.Examples {
		if len(ex.Turns) == 0 {
			return fmt.Errorf("persona %s: example %d has no turns", p.ID, i)
		}
		for _, t := range ex.Turns {
			if t.Role != "user" && t.Role != "assistant" {
				return fmt.Errorf("persona %s: example %d: bad role %q", p.ID, i, t.Role)
			}
		}
	}
	return nil
}
