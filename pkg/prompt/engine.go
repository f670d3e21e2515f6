// Package prompt assembles the system and response prompts for a dialogue
// turn from a persona, the relationship and emotional state, retrieved
// memories and recent history.
//
// The system prompt is a pure function of its [Context]. The response
// prompt additionally samples few-shot examples through an
// [ExampleSelector].
package prompt

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"github.com/haivivi/companion/pkg/emotion"
	"github.com/haivivi/companion/pkg/memory"
	"github.com/haivivi/companion/pkg/persona"
	"github.com/haivivi/companion/pkg/relationship"
	"github.com/haivivi/companion/pkg/validate"
)

// Defaults.
const (
	DefaultHistoryTurns = 10
	DefaultMemoryTopK   = 5
)

// Context is everything a prompt is built from.
type Context struct {
	Persona      *persona.Persona
	Relationship relationship.State
	Emotion      emotion.Snapshot

	// Memories are retrieved memories, best first.
	Memories []memory.Memory

	// History is the conversation so far, oldest first.
	History []memory.Message

	// Now places the conversation in the day. Zero omits it.
	Now time.Time
}

// Config configures an [Engine].
type Config struct {
	// Templates resolves Persona.Template. Nil uses a registry holding only
	// the built-in template.
	Templates *Registry

	// Examples samples few-shot dialogues. Nil uses a randomly seeded
	// selector.
	Examples *ExampleSelector

	HistoryTurns int
	MemoryTopK   int

	// MaxAffection is the affectionModifier bound stated in the output
	// format. Default 10.
	MaxAffection int

	Logger *slog.Logger
}

// Engine builds prompts. It is safe for concurrent use.
type Engine struct {
	templates    *Registry
	examples     *ExampleSelector
	historyTurns int
	memoryTopK   int
	maxAffection int
	logger       *slog.Logger
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	e := &Engine{
		templates:    cfg.Templates,
		examples:     cfg.Examples,
		historyTurns: cfg.HistoryTurns,
		memoryTopK:   cfg.MemoryTopK,
		maxAffection: cfg.MaxAffection,
		logger:       cfg.Logger,
	}
	if e.templates == nil {
		r, err := NewRegistry()
		if err != nil {
			return nil, err
		}
		e.templates = r
	}
	if e.examples == nil {
		e.examples = NewExampleSelector(nil, DefaultExampleCount)
	}
	if e.historyTurns <= 0 {
		e.historyTurns = DefaultHistoryTurns
	}
	if e.memoryTopK <= 0 {
		e.memoryTopK = DefaultMemoryTopK
	}
	if e.maxAffection <= 0 {
		e.maxAffection = 10
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

var errNoPersona = errors.New("prompt: context has no persona")

// BuildSystemPrompt renders the identity, current situation, knowledge,
// tone rules and output format blocks. The same Context always yields the
// same prompt.
func (e *Engine) BuildSystemPrompt(c *Context) (string, error) {
	tpl, err := e.template(c)
	if err != nil {
		return "", err
	}
	return render(tpl.system, e.systemData(c))
}

// BuildResponsePrompt renders sampled example dialogues, the top memories,
// the last turns of history and the live user message.
func (e *Engine) BuildResponsePrompt(c *Context, userMessage string) (string, error) {
	tpl, err := e.template(c)
	if err != nil {
		return "", err
	}
	data := e.responseData(c, userMessage)
	e.logger.Debug("response prompt",
		"template", tpl.Ref(),
		"persona", c.Persona.ID,
		"examples", len(data.Examples),
		"memories", len(data.Memories),
		"history", len(data.History))
	return render(tpl.response, data)
}

func (e *Engine) template(c *Context) (*Template, error) {
	if c == nil || c.Persona == nil {
		return nil, errNoPersona
	}
	return e.templates.Lookup(c.Persona.Template)
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("prompt: render: %w", err)
	}
	return buf.String(), nil
}

type fieldNames struct {
	Content           string
	Emotion           string
	InnerThought      string
	AffectionModifier string
}

var outputFields = fieldNames{
	Content:           validate.FieldContent,
	Emotion:           validate.FieldEmotion,
	InnerThought:      validate.FieldInnerThought,
	AffectionModifier: validate.FieldAffectionModifier,
}

type systemData struct {
	Persona       *persona.Persona
	UserName      string
	Nickname      string
	Stage         relationship.Stage
	Affection     int
	Trust         int
	Intimacy      int
	Behavior      *persona.StageBehavior
	ShowHidden    bool
	AllowPetNames bool
	TimeOfDay     string

	Mood         emotion.Mood
	Conflict     emotion.Conflict
	ConflictKind string
	InConflict   bool
	Recovering   bool
	Ceiling      emotion.Mood

	Moods        []string
	Fields       fieldNames
	MaxAffection int
}

func (e *Engine) systemData(c *Context) systemData {
	rel := c.Relationship
	stage := rel.Stage
	if stage == "" {
		stage = relationship.CalculateStage(rel.Affection)
	}
	snap := c.Emotion
	if snap.Mood == "" {
		snap = emotion.Initial()
	}
	d := systemData{
		Persona:       c.Persona,
		UserName:      userName(&rel),
		Nickname:      rel.EffectiveNickname(),
		Stage:         stage,
		Affection:     rel.Affection,
		Trust:         rel.Trust,
		Intimacy:      rel.Intimacy,
		ShowHidden:    c.Persona.Traits.Hidden != "" && stage.AtLeast(relationship.StageClose),
		AllowPetNames: stage.AtLeast(relationship.StageFriend),
		TimeOfDay:     timeOfDay(c.Now),
		Mood:          snap.Mood,
		Conflict:      snap.Conflict,
		ConflictKind:  snap.ConflictKind,
		InConflict:    snap.Conflict.Unresolved(),
		Recovering:    snap.Conflict == emotion.ConflictResolved,
		Ceiling:       snap.Ceiling(false),
		Fields:        outputFields,
		MaxAffection:  e.maxAffection,
	}
	if b, ok := c.Persona.BehaviorAt(string(stage)); ok {
		d.Behavior = &b
	}
	for _, m := range emotion.Moods {
		d.Moods = append(d.Moods, string(m))
	}
	return d
}

type line struct {
	Speaker string
	Text    string
}

type responseData struct {
	UserName    string
	Examples    [][]line
	Memories    []memory.Memory
	History     []line
	UserMessage string
}

func (e *Engine) responseData(c *Context, userMessage string) responseData {
	rel := c.Relationship
	d := responseData{
		UserName:    userName(&rel),
		UserMessage: userMessage,
	}

	stage := rel.Stage
	if stage == "" {
		stage = relationship.CalculateStage(rel.Affection)
	}
	tags := []string{string(stage)}
	if c.Emotion.Mood != "" {
		tags = append(tags, string(c.Emotion.Mood))
	}
	if c.Emotion.Conflict.Unresolved() {
		tags = append(tags, "conflict")
	}
	for _, ex := range e.examples.Select(c.Persona.Examples, tags...) {
		var turns []line
		for _, t := range ex.Turns {
			turns = append(turns, line{Speaker: speaker(t.Role, c.Persona.Name, "User"), Text: t.Content})
		}
		d.Examples = append(d.Examples, turns)
	}

	d.Memories = c.Memories[:min(len(c.Memories), e.memoryTopK)]

	label := rel.EffectiveNickname()
	if label == "" {
		label = "User"
	}
	hist := c.History[max(0, len(c.History)-e.historyTurns):]
	for _, m := range hist {
		d.History = append(d.History, line{Speaker: speaker(string(m.Role), c.Persona.Name, label), Text: m.Content})
	}
	return d
}

func speaker(role, personaName, userName string) string {
	if role == string(memory.RoleAssistant) {
		return personaName
	}
	return userName
}

func userName(s *relationship.State) string {
	if n := s.EffectiveNickname(); n != "" {
		return n
	}
	return "the user"
}

func timeOfDay(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return "morning"
	case h >= 12 && h < 17:
		return "afternoon"
	case h >= 17 && h < 22:
		return "evening"
	default:
		return "late at night"
	}
}
