package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

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

// Turn is one inbound user message.
type Turn struct {
	PersonaID string
	UserID    string
	Message   string

	// HighQuality asks for the escalation model, e.g. for a key emotional
	// beat. First meetings are always treated as high quality.
	HighQuality bool
}

// Result is the outcome of a turn.
type Result struct {
	Reply        string
	Emotion      emotion.Mood
	InnerThought string

	// AffectionDelta is the applied (possibly corrected) affection change.
	AffectionDelta int

	Relationship *relationship.State
	Snapshot     emotion.Snapshot

	Model       string
	Escalated   bool
	Regenerated bool
	Usage       llm.Usage

	// Corrected and Issues report validator corrections.
	Corrected bool
	Issues    []validate.Issue

	// Degraded is true when the budget refused the call. Reply then holds
	// the tier's limit message and nothing was committed.
	Degraded bool
	Tier     modelselect.Tier

	// Memories are memories extracted from this turn.
	Memories []*memory.Memory

	// Event is the trigger rule fired after the turn, if any.
	Event *trigger.Rule
}

// turnState is everything loaded before the prompt is built.
type turnState struct {
	persona  *persona.Persona
	rel      *relationship.State
	snap     emotion.Snapshot
	memories []memory.Memory
	history  []memory.Message
}

// Chat runs one turn. Errors are *TurnError; budget exhaustion is not an
// error but a degraded Result.
func (a *Agent) Chat(ctx context.Context, t Turn) (*Result, error) {
	t.Message = strings.TrimSpace(t.Message)
	if t.Message == "" {
		return nil, internal(ErrEmptyMessage)
	}
	unlock, err := a.acquire(ctx, t.PersonaID, t.UserID)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			return nil, transient(err)
		}
		return nil, internal(err)
	}
	defer unlock()

	if rl := a.cfg.RateLimit; rl != nil && !rl.Allow(t.UserID) {
		return nil, transient(ErrThrottled)
	}

	conv := a.cfg.Conversations.Open(t.PersonaID, t.UserID)
	a.maybeCloseSession(ctx, conv)

	st, err := a.load(ctx, conv, t)
	if err != nil {
		return nil, internal(err)
	}

	pc := &prompt.Context{
		Persona:      st.persona,
		Relationship: *st.rel,
		Emotion:      st.snap,
		Memories:     st.memories,
		History:      st.history,
		Now:          a.now(),
	}
	system, err := a.cfg.Prompts.BuildSystemPrompt(pc)
	if err != nil {
		return nil, internal(err)
	}
	user, err := a.cfg.Prompts.BuildResponsePrompt(pc, t.Message)
	if err != nil {
		return nil, internal(err)
	}

	task := modelselect.TaskContext{
		UserID:          t.UserID,
		Kind:            modelselect.TaskDialogue,
		HighQuality:     t.HighQuality || len(st.history) == 0,
		EstimatedTokens: estimateTokens(system, user) + a.cfg.MaxReplyTokens,
	}
	vctx := validate.Context{Snapshot: st.snap, UserMessage: t.Message}

	gen, res, err := a.generate(ctx, task, system, user, vctx)
	if err != nil {
		return nil, err
	}
	if res.Degraded {
		return res, nil
	}
	return a.commit(ctx, conv, t, st, gen, res)
}

// maybeCloseSession summarizes the previous session when the pair has
// been silent longer than SessionGap. Failures are logged; the session
// stays open and is retried on a later turn.
func (a *Agent) maybeCloseSession(ctx context.Context, conv *memory.Conversation) {
	if a.cfg.Summarizer == nil {
		return
	}
	last, err := conv.LastActivity(ctx)
	if err != nil || last.IsZero() || a.now().Sub(last) < a.cfg.SessionGap {
		return
	}
	sum, err := conv.Close(ctx, a.cfg.Summarizer)
	if err != nil {
		a.logger.Warn("session summary failed",
			"persona", conv.PersonaID(), "user", conv.UserID(), "err", err)
		return
	}
	if sum != nil {
		a.logger.Info("session closed",
			"persona", conv.PersonaID(), "user", conv.UserID(), "topics", len(sum.Topics))
	}
}

// load reads persona, relationship, emotion, memories and history
// concurrently.
func (a *Agent) load(ctx context.Context, conv *memory.Conversation, t Turn) (*turnState, error) {
	var (
		st   turnState
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("agent: load %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}

	run("persona", func() (err error) {
		st.persona, err = a.cfg.Personas.Get(ctx, t.PersonaID)
		return err
	})
	run("relationship", func() (err error) {
		st.rel, err = a.cfg.Relationships.Get(ctx, t.PersonaID, t.UserID)
		return err
	})
	run("emotion", func() (err error) {
		st.snap, err = a.cfg.Emotions.Load(ctx, t.PersonaID, t.UserID)
		return err
	})
	// Access is recorded in commit, once the turn succeeded.
	run("memories", func() error {
		scored, err := a.cfg.Memories.Retrieve(ctx, t.PersonaID, t.UserID, t.Message, memory.RetrieveOptions{Limit: a.cfg.MemoryTopK})
		if err != nil {
			return err
		}
		for _, s := range scored {
			st.memories = append(st.memories, s.Memory)
		}
		return nil
	})
	run("history", func() (err error) {
		st.history, err = conv.Recent(ctx, a.cfg.HistoryTurns)
		return err
	})
	wg.Wait()
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &st, nil
}

// generation is a validated reply ready to commit.
type generation struct {
	vr    *validate.Result
	model string
}

// generate calls the model and validates the reply, regenerating once with
// a prior-failure selection when the reply is unusable or asks for it.
func (a *Agent) generate(ctx context.Context, task modelselect.TaskContext, system, user string, vctx validate.Context) (*generation, *Result, error) {
	res := &Result{}
	var fallback *generation

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			task.PriorFailure = true
			res.Regenerated = true
		}
		sel, dec, ok, err := a.reserve(ctx, task)
		if err != nil {
			return nil, nil, internal(err)
		}
		if !ok {
			if fallback != nil {
				break
			}
			res.Degraded = true
			res.Tier = dec.Tier
			res.Reply = modelselect.LimitMessage(dec.Tier)
			return nil, res, nil
		}

		comp, err := a.complete(ctx, task.UserID, sel, dec.Period, system, user)
		if err != nil {
			switch {
			case fallback != nil:
				a.logger.Warn("regeneration failed, keeping corrected reply", "user", task.UserID, "err", err)
				return fallback, res, nil
			case llm.IsRetryable(err):
				return nil, nil, transient(err)
			case errors.Is(err, llm.ErrTruncated), errors.Is(err, llm.ErrEmpty):
				if attempt == 0 {
					continue
				}
				return nil, nil, parseFailure(err)
			case errors.Is(err, context.Canceled):
				return nil, nil, transient(err)
			default:
				return nil, nil, internal(err)
			}
		}
		res.Usage.PromptTokens += comp.Usage.PromptTokens
		res.Usage.CompletionTokens += comp.Usage.CompletionTokens
		res.Model = sel.Model.ID
		res.Escalated = sel.Escalated

		vr, err := a.cfg.Validator.Validate(comp.Content, vctx)
		if err != nil {
			if !validate.IsParseError(err) {
				return nil, nil, internal(err)
			}
			a.logger.Warn("reply unparseable", "user", task.UserID, "model", sel.Model.ID, "attempt", attempt, "err", err)
			if fallback != nil {
				return fallback, res, nil
			}
			if attempt == 1 {
				return nil, nil, parseFailure(err)
			}
			continue
		}
		g := &generation{vr: vr, model: sel.Model.ID}
		if vr.NeedsRegeneration() && attempt == 0 {
			fallback = g
			continue
		}
		return g, res, nil
	}
	if fallback != nil {
		return fallback, res, nil
	}
	return nil, nil, parseFailure(validate.ErrUnparseable)
}

// reserve selects a model and reserves its cost. If the escalation model
// does not fit the budget the default model is tried before giving up.
func (a *Agent) reserve(ctx context.Context, task modelselect.TaskContext) (modelselect.Selection, modelselect.Decision, bool, error) {
	sel := a.cfg.Models.Select(ctx, task)
	if a.cfg.Budget == nil {
		return sel, modelselect.Decision{Allowed: true}, true, nil
	}
	dec, err := a.cfg.Budget.Reserve(ctx, task.UserID, sel.BudgetTokens)
	if err != nil {
		return sel, dec, false, err
	}
	if !dec.Allowed && sel.Escalated {
		task.HighQuality, task.PriorFailure = false, false
		sel = a.cfg.Models.Select(ctx, task)
		dec, err = a.cfg.Budget.Reserve(ctx, task.UserID, sel.BudgetTokens)
		if err != nil {
			return sel, dec, false, err
		}
	}
	if !dec.Allowed {
		return sel, dec, false, nil
	}
	return sel, dec, true, nil
}

// complete calls the LLM under the configured timeout and settles the
// budget reservation made in period with the real usage.
func (a *Agent) complete(ctx context.Context, userID string, sel modelselect.Selection, period, system, user string) (*llm.Completion, error) {
	cctx, cancel := context.WithTimeout(ctx, a.cfg.LLMTimeout)
	defer cancel()
	comp, err := a.cfg.LLM.Complete(cctx, &llm.Request{
		Model:    sel.Model.ID,
		System:   system,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: user}},
		Schema: &llm.Schema{
			Name:        "reply",
			Description: "the character's reply",
			Schema:      validate.ReplySchema,
		},
		MaxTokens: a.cfg.MaxReplyTokens,
	})
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, llm.ErrTimeout) {
		err = fmt.Errorf("%w: %w", llm.ErrTimeout, err)
	}

	if a.cfg.Budget != nil {
		// A failed call refunds the whole reservation.
		var actual int64
		if comp != nil {
			actual = a.cfg.Models.Weigh(sel.Model, int(comp.Usage.Total()))
		}
		if serr := a.cfg.Budget.Settle(context.WithoutCancel(ctx), userID, period, sel.BudgetTokens, actual); serr != nil {
			a.logger.Warn("budget settle failed", "user", userID, "err", serr)
		}
	}
	return comp, err
}

// commit applies the validated reply to relationship, emotion and
// conversation in one transaction, then records memory access, extracts
// memories and checks triggers. Once the reply is valid the commit runs to
// completion even if ctx is canceled.
func (a *Agent) commit(ctx context.Context, conv *memory.Conversation, t Turn, st *turnState, g *generation, res *Result) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	vr := g.vr
	reply := vr.Response
	now := a.now()

	var events []relationship.Event
	switch {
	case vr.Resolution && st.snap.Conflict == emotion.ConflictActive && !vr.Mood.IsNegative():
		events = append(events, relationship.Event{Kind: relationship.EventPositiveResolution, Delta: reply.AffectionModifier})
	case (vr.Mood.IsNegative() || vr.Hostile) && !st.snap.Conflict.Unresolved():
		events = append(events, relationship.Event{Kind: relationship.EventConflict, Delta: reply.AffectionModifier})
	}

	var (
		rel             *relationship.State
		stage           relationship.Stage
		snap, before    emotion.Snapshot
		userMsg, botMsg memory.Message
	)
	err := a.cfg.Store.Txn(ctx, func(tx kv.Txn) error {
		var err error
		rel, stage, err = a.cfg.Relationships.ApplyIn(tx, t.PersonaID, t.UserID, relationship.Change{
			Delta:  reply.AffectionModifier,
			Events: events,
		})
		if err != nil {
			return err
		}
		snap, before, err = a.cfg.Emotions.ObserveIn(tx, t.PersonaID, t.UserID, emotion.Turn{
			Reply:      vr.Mood,
			Resolution: vr.Resolution,
			Hostile:    vr.Hostile,
		})
		if err != nil {
			return err
		}
		userMsg, err = conv.AppendIn(tx, memory.Message{Role: memory.RoleUser, Content: t.Message, Timestamp: now.UnixNano()})
		if err != nil {
			return fmt.Errorf("agent: append user message: %w", err)
		}
		botMsg, err = conv.AppendIn(tx, memory.Message{
			Role:         memory.RoleAssistant,
			Content:      reply.Content,
			Emotion:      string(vr.Mood),
			InnerThought: reply.Thought(),
			Timestamp:    now.UnixNano() + 1,
		})
		if err != nil {
			return fmt.Errorf("agent: append reply: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, internal(fmt.Errorf("agent: commit turn: %w", err))
	}
	a.cfg.Relationships.LogStageChange(t.PersonaID, t.UserID, stage, rel)
	a.cfg.Emotions.LogConflictChange(t.PersonaID, t.UserID, before, snap)

	if len(st.memories) > 0 {
		ids := make([]string, len(st.memories))
		for i, m := range st.memories {
			ids[i] = m.ID
		}
		if err := a.cfg.Memories.Touch(ctx, t.PersonaID, t.UserID, ids...); err != nil {
			a.logger.Warn("memory touch failed", "persona", t.PersonaID, "user", t.UserID, "err", err)
		}
	}

	res.Reply = reply.Content
	res.Emotion = vr.Mood
	res.InnerThought = reply.Thought()
	res.AffectionDelta = reply.AffectionModifier
	res.Relationship = rel
	res.Snapshot = snap
	res.Model = g.model
	res.Corrected = vr.Corrected
	res.Issues = vr.Issues

	if x := a.cfg.Extractor; x != nil {
		saved, usage, err := x.Extract(ctx, t.PersonaID, t.UserID, []memory.Message{userMsg, botMsg})
		if err != nil {
			a.logger.Warn("memory extraction failed", "persona", t.PersonaID, "user", t.UserID, "err", err)
		}
		res.Memories = saved
		if a.cfg.Budget != nil && usage.Total() > 0 {
			if err := a.cfg.Budget.Settle(ctx, t.UserID, "", 0, usage.Total()); err != nil {
				a.logger.Warn("budget settle failed", "user", t.UserID, "err", err)
			}
		}
	}

	if s := a.cfg.Triggers; s != nil {
		recent := a.recentUserMessages(ctx, conv)
		pass, err := s.Check(ctx, trigger.Target{PersonaID: t.PersonaID, UserID: t.UserID}, trigger.State{
			Relationship: *rel,
			Mood:         snap.Mood,
		}, trigger.Activity{LastActive: now, RecentMessages: recent})
		if err != nil {
			a.logger.Warn("trigger check failed", "persona", t.PersonaID, "user", t.UserID, "err", err)
		} else {
			res.Event = pass.Fired
		}
	}

	a.logger.Debug("turn committed",
		"persona", t.PersonaID,
		"user", t.UserID,
		"model", res.Model,
		"emotion", string(res.Emotion),
		"affection", rel.Affection,
		"stage", string(rel.Stage),
		"corrected", res.Corrected,
		"regenerated", res.Regenerated)
	return res, nil
}

func (a *Agent) recentUserMessages(ctx context.Context, conv *memory.Conversation) []string {
	msgs, err := conv.Recent(ctx, a.cfg.HistoryTurns)
	if err != nil {
		return nil
	}
	var out []string
	for _, m := range msgs {
		if m.Role == memory.RoleUser {
			out = append(out, m.Content)
		}
	}
	return out
}

// estimateTokens approximates token count at four bytes per token.
func estimateTokens(parts ...string) int {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	return (n + 3) / 4
}
