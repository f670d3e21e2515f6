// Package modelselect picks the LLM configuration for a turn and enforces
// per-user token budgets.
//
// The [Selector] always prefers the default model. It escalates to the
// higher-quality model only when the task asks for it (first meetings, key
// emotional beats) or when a previous reply failed validation, and only if
// the [BudgetGuard] allows the extra spend. A denied or failed budget check
// falls back to the default model instead of failing the turn.
package modelselect

import (
	"context"
	"errors"
	"log/slog"
	"math"
)

// Capability is the quality class of a model.
type Capability string

const (
	CapabilityDefault    Capability = "default"
	CapabilityEscalation Capability = "escalation"
)

// ModelConfig describes one selectable model.
type ModelConfig struct {
	// ID is the provider model name passed to the LLM client.
	ID string `json:"id" yaml:"id"`

	Capability Capability `json:"capability" yaml:"capability"`

	// CostPer1KTokens is used to weigh budget consumption across models.
	CostPer1KTokens float64 `json:"cost_per_1k_tokens" yaml:"cost_per_1k_tokens"`

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// TaskKind is the capability a call needs.
type TaskKind string

const (
	TaskDialogue   TaskKind = "dialogue"
	TaskExtraction TaskKind = "structured-extraction"
	TaskSummary    TaskKind = "long-context-summary"
)

// TaskContext describes the call being planned.
type TaskContext struct {
	UserID string
	Kind   TaskKind

	// HighQuality marks scenes that deserve the better model.
	HighQuality bool

	// PriorFailure is set when the previous attempt failed validation.
	PriorFailure bool

	// EstimatedTokens is the projected prompt plus completion size.
	EstimatedTokens int
}

// Reason explains a selection in the audit log.
type Reason string

const (
	ReasonDefault      Reason = "default"
	ReasonHighQuality  Reason = "high_quality"
	ReasonPriorFailure Reason = "prior_failure"
	ReasonBudgetDenied Reason = "budget_denied"
	ReasonBudgetError  Reason = "budget_error"
	ReasonNoEscalation Reason = "no_escalation_model"
)

// Selection is the outcome of [Selector.Select].
type Selection struct {
	Model  ModelConfig
	Reason Reason

	// Escalated is true when the escalation model was chosen.
	Escalated bool

	// Fallback is true when escalation was wanted but refused.
	Fallback bool

	// BudgetTokens is EstimatedTokens weighed for the chosen model, in
	// default-model tokens.
	BudgetTokens int64
}

// BudgetChecker is the read-only side of [BudgetGuard].
type BudgetChecker interface {
	CheckBudget(ctx context.Context, userID string, estimated int64) (Decision, error)
}

// SelectorConfig configures a [Selector].
type SelectorConfig struct {
	Default    ModelConfig
	Escalation ModelConfig

	// Budget gates escalation. Nil allows every escalation.
	Budget BudgetChecker

	Logger *slog.Logger
}

// Selector chooses between the default and the escalation model.
type Selector struct {
	def    ModelConfig
	esc    ModelConfig
	budget BudgetChecker
	logger *slog.Logger
}

// NewSelector creates a Selector. The default model is required.
func NewSelector(cfg SelectorConfig) (*Selector, error) {
	if cfg.Default.ID == "" {
		return nil, errors.New("modelselect: default model id is required")
	}
	s := &Selector{
		def:    cfg.Default,
		esc:    cfg.Escalation,
		budget: cfg.Budget,
		logger: cfg.Logger,
	}
	if s.def.Capability == "" {
		s.def.Capability = CapabilityDefault
	}
	if s.esc.ID != "" && s.esc.Capability == "" {
		s.esc.Capability = CapabilityEscalation
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Default returns the default-tier model.
func (s *Selector) Default() ModelConfig { return s.def }

// Escalation returns the escalation model. Its ID is empty if none is
// configured.
func (s *Selector) Escalation() ModelConfig { return s.esc }

// Select picks a model for tc and logs the decision.
func (s *Selector) Select(ctx context.Context, tc TaskContext) Selection {
	sel := s.choose(ctx, tc)
	sel.BudgetTokens = s.Weigh(sel.Model, tc.EstimatedTokens)
	s.logger.Info("model selected",
		"model", sel.Model.ID,
		"reason", string(sel.Reason),
		"user", tc.UserID,
		"task", string(tc.Kind),
		"escalated", sel.Escalated,
		"fallback", sel.Fallback)
	return sel
}

func (s *Selector) choose(ctx context.Context, tc TaskContext) Selection {
	var want Reason
	switch {
	case tc.PriorFailure:
		want = ReasonPriorFailure
	case tc.HighQuality:
		want = ReasonHighQuality
	default:
		return Selection{Model: s.def, Reason: ReasonDefault}
	}
	if s.esc.ID == "" {
		return Selection{Model: s.def, Reason: ReasonNoEscalation, Fallback: true}
	}
	if s.budget == nil {
		return Selection{Model: s.esc, Reason: want, Escalated: true}
	}
	d, err := s.budget.CheckBudget(ctx, tc.UserID, s.Weigh(s.esc, tc.EstimatedTokens))
	if err != nil {
		s.logger.Warn("budget check failed, using default model", "user", tc.UserID, "err", err)
		return Selection{Model: s.def, Reason: ReasonBudgetError, Fallback: true}
	}
	if !d.Allowed {
		return Selection{Model: s.def, Reason: ReasonBudgetDenied, Fallback: true}
	}
	return Selection{Model: s.esc, Reason: want, Escalated: true}
}

// Weigh converts tokens spent on m into default-model tokens, the unit
// budgets are counted in. Models without a cost count one to one.
func (s *Selector) Weigh(m ModelConfig, tokens int) int64 {
	if tokens <= 0 {
		return 0
	}
	if m.CostPer1KTokens <= 0 || s.def.CostPer1KTokens <= 0 || m.ID == s.def.ID {
		return int64(tokens)
	}
	return int64(math.Ceil(float64(tokens) * m.CostPer1KTokens / s.def.CostPer1KTokens))
}
