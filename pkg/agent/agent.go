// Package agent orchestrates one conversational turn: load the persona,
// relationship, emotional state, memories and history; build the prompt;
// pick a model within the user's budget; call the LLM; validate the reply;
// then commit relationship, emotion, conversation and memory updates and
// check event triggers.
//
// Turns for the same (persona, user) pair run one at a time in arrival
// order. Different pairs run concurrently. Nothing is committed unless a
// validated reply was produced.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/haivivi/companion/pkg/emotion"
	"github.com/haivivi/companion/pkg/kv"
	"github.com/haivivi/companion/pkg/llm"
	"github.com/haivivi/companion/pkg/memory"
	"github.com/haivivi/companion/pkg/modelselect"
	"github.com/haivivi/companion/pkg/persona"
	"github.com/haivivi/companion/pkg/prompt"
	"github.com/haivivi/companion/pkg/relationship"
	"github.com/haivivi/companion/pkg/trigger"
	"github.com/haivivi/companion/pkg/validate"
)

// Personas resolves persona ids. *persona.Catalog implements it.
type Personas interface {
	Get(ctx context.Context, id string) (*persona.Persona, error)
}

// Defaults.
const (
	DefaultLLMTimeout     = 30 * time.Second
	DefaultMaxReplyTokens = 512
	DefaultSessionGap     = 6 * time.Hour
)

// Config wires an [Agent]. Store, Personas, Relationships, Emotions,
// Memories, Conversations, Prompts, Models and LLM are required.
type Config struct {
	// Store is the store Relationships, Emotions and Conversations were
	// created on. A turn's updates to them commit in one transaction.
	Store kv.Store

	Personas      Personas
	Relationships *relationship.Manager
	Emotions      *emotion.Tracker
	Memories      *memory.Service
	Conversations *memory.Log
	Prompts       *prompt.Engine
	Models        *modelselect.Selector
	LLM           llm.Client

	// Validator defaults to validate.New with default settings.
	Validator *validate.Validator

	// Optional collaborators. Nil disables the feature.
	Budget     *modelselect.BudgetGuard
	RateLimit  *modelselect.RateLimiter
	Extractor  *memory.Extractor
	Summarizer *memory.Summarizer
	Triggers   *trigger.Scheduler

	// LLMTimeout bounds each completion call.
	LLMTimeout time.Duration

	// MaxReplyTokens caps reply length and feeds the budget estimate.
	MaxReplyTokens int

	// MemoryTopK and HistoryTurns size the loaded context. They default to
	// the prompt engine defaults.
	MemoryTopK   int
	HistoryTurns int

	// SessionGap is the silence after which the previous session is
	// summarized before a new turn. Zero means DefaultSessionGap.
	SessionGap time.Duration

	// LockWait bounds how long a turn waits behind another turn for the
	// same pair before failing with ErrBusy. Zero waits for the context.
	LockWait time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// Agent runs turns. It is safe for concurrent use.
type Agent struct {
	cfg    Config
	locks  *pairLocks
	now    func() time.Time
	logger *slog.Logger
}

// New creates an Agent.
func New(cfg Config) (*Agent, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("agent: Store is required")
	case cfg.Personas == nil:
		return nil, errors.New("agent: Personas is required")
	case cfg.Relationships == nil:
		return nil, errors.New("agent: Relationships is required")
	case cfg.Emotions == nil:
		return nil, errors.New("agent: Emotions is required")
	case cfg.Memories == nil:
		return nil, errors.New("agent: Memories is required")
	case cfg.Conversations == nil:
		return nil, errors.New("agent: Conversations is required")
	case cfg.Prompts == nil:
		return nil, errors.New("agent: Prompts is required")
	case cfg.Models == nil:
		return nil, errors.New("agent: Models is required")
	case cfg.LLM == nil:
		return nil, errors.New("agent: LLM is required")
	}
	if cfg.Validator == nil {
		cfg.Validator = validate.New(validate.Config{Logger: cfg.Logger})
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = DefaultLLMTimeout
	}
	if cfg.MaxReplyTokens <= 0 {
		cfg.MaxReplyTokens = DefaultMaxReplyTokens
	}
	if cfg.MemoryTopK <= 0 {
		cfg.MemoryTopK = prompt.DefaultMemoryTopK
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = prompt.DefaultHistoryTurns
	}
	if cfg.SessionGap <= 0 {
		cfg.SessionGap = DefaultSessionGap
	}
	a := &Agent{cfg: cfg, locks: newPairLocks(), now: cfg.Now, logger: cfg.Logger}
	if a.now == nil {
		a.now = time.Now
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a, nil
}

func pairKey(personaID, userID string) string {
	return personaID + "\x1f" + userID
}

// EndSession closes the open conversation session, summarizing it into a
// memory when a summarizer is configured.
func (a *Agent) EndSession(ctx context.Context, personaID, userID string) (*memory.Summary, error) {
	unlock, err := a.acquire(ctx, personaID, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return a.cfg.Conversations.Open(personaID, userID).Close(ctx, a.cfg.Summarizer)
}

func (a *Agent) acquire(ctx context.Context, personaID, userID string) (func(), error) {
	wait := ctx
	if a.cfg.LockWait > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, a.cfg.LockWait)
		defer cancel()
	}
	unlock, err := a.locks.lock(wait, pairKey(personaID, userID))
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrBusy
		}
		return nil, err
	}
	return unlock, nil
}
