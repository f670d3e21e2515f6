package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
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
)

type personas map[string]*persona.Persona

func (p personas) Get(_ context.Context, id string) (*persona.Persona, error) {
	if v, ok := p[id]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("%w: %s", persona.ErrNotFound, id)
}

var mika = &persona.Persona{
	ID:              "mika",
	Name:            "Mika",
	Role:            "barista at a night cafe",
	BaseInstruction: "You are warm but teasing.",
	Likes:           []string{"rainy days"},
}

func reply(content, emotion string, delta int) string {
	return fmt.Sprintf(`{"content":%q,"emotion":%q,"innerThought":"hm","affectionModifier":%d}`, content, emotion, delta)
}

type step struct {
	content string
	err     error
	wait    chan struct{}
}

// scriptLLM replays steps in order, then answers with a neutral reply.
type scriptLLM struct {
	mu    sync.Mutex
	steps []step
	reqs  []*llm.Request
}

func (s *scriptLLM) push(steps ...step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

func (s *scriptLLM) models() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.reqs {
		out = append(out, r.Model)
	}
	return out
}

func (s *scriptLLM) Complete(ctx context.Context, req *llm.Request) (*llm.Completion, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	st := step{content: reply("Okay.", "neutral", 0)}
	if len(s.steps) > 0 {
		st, s.steps = s.steps[0], s.steps[1:]
	}
	s.mu.Unlock()

	if st.wait != nil {
		select {
		case <-st.wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if st.err != nil {
		return nil, st.err
	}
	return &llm.Completion{
		Model:   req.Model,
		Content: st.content,
		Usage:   llm.Usage{PromptTokens: 100, CompletionTokens: 20},
	}, nil
}

type bowEmbedder struct{}

func (bowEmbedder) EmbedOne(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, 32)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := 0
		for _, r := range w {
			h = h*31 + int(r)
		}
		v[(h%32+32)%32]++
	}
	return v, nil
}

type fixture struct {
	agent  *Agent
	llm    *scriptLLM
	rel    *relationship.Manager
	emo    *emotion.Tracker
	log    *memory.Log
	mem    *memory.Service
	budget *modelselect.BudgetGuard
	now    time.Time
}

func newFixture(t *testing.T, mod func(*Config)) *fixture {
	t.Helper()
	f := &fixture{llm: &scriptLLM{}, now: time.Date(2026, 5, 4, 20, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	store := kv.NewMemory(nil)

	f.rel = relationship.NewManager(store, relationship.ManagerConfig{Now: clock})
	f.emo = emotion.NewTracker(store, emotion.TrackerConfig{Now: clock})
	f.mem = memory.NewService(store, bowEmbedder{}, memory.ServiceConfig{Now: clock})
	f.log = memory.NewLog(store, nil)
	f.budget = modelselect.NewBudgetGuard(modelselect.NewKVUsage(store, nil), modelselect.GuardConfig{
		Ceilings: map[modelselect.Tier]int64{modelselect.TierFree: 1_000_000},
		Now:      clock,
	})
	sel, err := modelselect.NewSelector(modelselect.SelectorConfig{
		Default:    modelselect.ModelConfig{ID: "small", CostPer1KTokens: 1},
		Escalation: modelselect.ModelConfig{ID: "large", CostPer1KTokens: 10},
		Budget:     f.budget,
	})
	if err != nil {
		t.Fatal(err)
	}
	engine, err := prompt.New(prompt.Config{Examples: prompt.NewExampleSelector(nil, 0)})
	if err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		Store:         store,
		Personas:      personas{"mika": mika},
		Relationships: f.rel,
		Emotions:      f.emo,
		Memories:      f.mem,
		Conversations: f.log,
		Prompts:       engine,
		Models:        sel,
		LLM:           f.llm,
		Budget:        f.budget,
		LLMTimeout:    time.Second,
		Now:           clock,
	}
	if mod != nil {
		mod(&cfg)
	}
	f.agent, err = New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) chat(t *testing.T, msg string) *Result {
	t.Helper()
	res, err := f.agent.Chat(context.Background(), Turn{PersonaID: "mika", UserID: "u1", Message: msg})
	if err != nil {
		t.Fatalf("chat %q: %v", msg, err)
	}
	return res
}

func (f *fixture) history(t *testing.T) []memory.Message {
	t.Helper()
	msgs, err := f.log.Open("mika", "u1").All(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func TestChatCommitsTurn(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.push(step{content: reply("Welcome in! Rainy night, huh?", "happy", 3)})

	res := f.chat(t, "Hi, I love rainy days")
	if res.Reply != "Welcome in! Rainy night, huh?" || res.Emotion != emotion.MoodHappy {
		t.Fatalf("res = %+v", res)
	}
	if res.AffectionDelta != 3 || res.Relationship.Affection != 3 {
		t.Errorf("affection = %d / %d", res.AffectionDelta, res.Relationship.Affection)
	}
	if res.InnerThought != "hm" {
		t.Errorf("inner thought = %q", res.InnerThought)
	}
	// First meeting goes to the escalation model.
	if res.Model != "large" || !res.Escalated {
		t.Errorf("model = %s escalated=%v", res.Model, res.Escalated)
	}

	msgs := f.history(t)
	if len(msgs) != 2 || msgs[0].Role != memory.RoleUser || msgs[1].Emotion != "happy" || msgs[1].InnerThought != "hm" {
		t.Fatalf("history = %+v", msgs)
	}
	snap, err := f.emo.Load(context.Background(), "mika", "u1")
	if err != nil || snap.Mood != emotion.MoodHappy {
		t.Fatalf("snapshot = %+v, %v", snap, err)
	}
	used, _ := f.budget.Used(context.Background(), "u1")
	if used != 1200 {
		t.Errorf("budget used = %d, want 1200", used)
	}

	res = f.chat(t, "What's good today?")
	if res.Model != "small" || res.Escalated {
		t.Errorf("second turn model = %s", res.Model)
	}
	req := f.llm.reqs[1]
	if !strings.Contains(req.Messages[0].Content, "Hi, I love rainy days") {
		t.Error("history missing from prompt")
	}
	if req.Schema == nil || req.Schema.Name != "reply" {
		t.Errorf("schema = %+v", req.Schema)
	}
}

func TestChatTransientFailureCommitsNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.push(step{err: fmt.Errorf("openai: %w", llm.ErrRateLimited)})

	_, err := f.agent.Chat(context.Background(), Turn{PersonaID: "mika", UserID: "u1", Message: "hello"})
	te, ok := AsTurnError(err)
	if !ok || te.Kind != KindTransient || !te.Retryable() || te.UserMessage != MsgTrouble {
		t.Fatalf("err = %v", err)
	}
	if msgs := f.history(t); len(msgs) != 0 {
		t.Fatalf("history = %+v", msgs)
	}
	st, _ := f.rel.Get(context.Background(), "mika", "u1")
	if st.Version != 0 {
		t.Errorf("relationship committed: %+v", st)
	}
	if used, _ := f.budget.Used(context.Background(), "u1"); used != 0 {
		t.Errorf("reservation not refunded: %d", used)
	}
}

func TestChatTimeout(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.LLMTimeout = 20 * time.Millisecond })
	f.llm.push(step{wait: make(chan struct{})})

	_, err := f.agent.Chat(context.Background(), Turn{PersonaID: "mika", UserID: "u1", Message: "hello"})
	te, ok := AsTurnError(err)
	if !ok || te.Kind != KindTransient || !errors.Is(err, llm.ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
	if msgs := f.history(t); len(msgs) != 0 {
		t.Fatalf("history = %+v", msgs)
	}
}

func TestChatRegeneratesUnparseableReply(t *testing.T) {
	f := newFixture(t, nil)
	f.chat(t, "hi")
	f.llm.push(
		step{content: "Sure! I'd love to."},
		step{content: reply("Sure, I'd love to.", "happy", 2)},
	)

	res := f.chat(t, "Want to get coffee?")
	if !res.Regenerated || res.Reply != "Sure, I'd love to." {
		t.Fatalf("res = %+v", res)
	}
	got := f.llm.models()
	if len(got) != 3 || got[1] != "small" || got[2] != "large" {
		t.Errorf("models = %v", got)
	}
	if msgs := f.history(t); len(msgs) != 4 {
		t.Errorf("history = %d messages", len(msgs))
	}
}

func TestChatParseFailureTwice(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.push(step{content: "not json"}, step{content: `{"content":"hi"}`})

	_, err := f.agent.Chat(context.Background(), Turn{PersonaID: "mika", UserID: "u1", Message: "hello"})
	te, ok := AsTurnError(err)
	if !ok || te.Kind != KindParse || !te.Retryable() {
		t.Fatalf("err = %v", err)
	}
	if msgs := f.history(t); len(msgs) != 0 {
		t.Fatalf("history = %+v", msgs)
	}
}

func TestChatBudgetExhausted(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Budget = modelselect.NewBudgetGuard(modelselect.NewKVUsage(kv.NewMemory(nil), nil), modelselect.GuardConfig{
			Ceilings: map[modelselect.Tier]int64{modelselect.TierFree: 10},
		})
	})

	res := f.chat(t, "hello")
	if !res.Degraded || res.Tier != modelselect.TierFree {
		t.Fatalf("res = %+v", res)
	}
	if res.Reply != modelselect.LimitMessage(modelselect.TierFree) {
		t.Errorf("reply = %q", res.Reply)
	}
	if len(f.llm.models()) != 0 {
		t.Error("llm called despite exhausted budget")
	}
	if msgs := f.history(t); len(msgs) != 0 {
		t.Fatalf("history = %+v", msgs)
	}
}

func TestChatConflictGuard(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.push(step{content: reply("Leave then.", "angry", -5)})
	res := f.chat(t, "you're annoying")
	if res.Snapshot.Conflict != emotion.ConflictActive {
		t.Fatalf("conflict = %s", res.Snapshot.Conflict)
	}
	before := res.Relationship.Affection

	// A loving reply with a big gain mid-conflict is regenerated; the
	// second attempt is still capped.
	f.llm.push(
		step{content: reply("I adore you!", "loving", 8)},
		step{content: reply("I adore you!", "loving", 8)},
	)
	res = f.chat(t, "what's for dinner")
	if !res.Regenerated || !res.Corrected {
		t.Fatalf("res = %+v", res)
	}
	if res.Emotion.Strength() > emotion.MoodGuarded.Strength() {
		t.Errorf("emotion = %s", res.Emotion)
	}
	if res.Relationship.Affection > before {
		t.Errorf("affection rose during conflict: %d -> %d", before, res.Relationship.Affection)
	}

	f.llm.push(step{content: reply("...Fine. Apology accepted.", "neutral", 2)})
	res = f.chat(t, "I'm sorry, I was wrong")
	if res.Snapshot.Conflict != emotion.ConflictResolving {
		t.Errorf("conflict = %s", res.Snapshot.Conflict)
	}
	var resolved bool
	for _, e := range res.Relationship.Events {
		resolved = resolved || e.Kind == relationship.EventPositiveResolution
	}
	if !resolved {
		t.Errorf("events = %+v", res.Relationship.Events)
	}
}

func TestChatHostileMessage(t *testing.T) {
	f := newFixture(t, nil)
	// The model misses the tone and answers warmly.
	f.llm.push(step{content: reply("Aww, you're sweet!", "happy", 3)})

	res := f.chat(t, "Shut up, I hate you")
	if res.Emotion.Strength() > emotion.MoodGuarded.Strength() || res.AffectionDelta != 0 {
		t.Fatalf("emotion = %s, delta = %d", res.Emotion, res.AffectionDelta)
	}
	if res.Snapshot.Conflict != emotion.ConflictActive {
		t.Fatalf("conflict = %s", res.Snapshot.Conflict)
	}
	if res.Relationship.Affection != 0 {
		t.Errorf("affection = %d", res.Relationship.Affection)
	}
	if n := res.Relationship.EventCounts[relationship.EventConflict]; n != 1 {
		t.Errorf("conflict events = %d, want 1", n)
	}
	snap, _ := f.emo.Load(context.Background(), "mika", "u1")
	if snap.Conflict != emotion.ConflictActive {
		t.Errorf("stored conflict = %s", snap.Conflict)
	}
}

var errStoreDown = errors.New("store down")

// flakyStore fails transactional writes to keys under prefix while fail
// is set.
type flakyStore struct {
	kv.Store
	prefix string
	fail   bool
}

func (s *flakyStore) Txn(ctx context.Context, fn kv.TxnFunc) error {
	return s.Store.Txn(ctx, func(tx kv.Txn) error {
		if !s.fail {
			return fn(tx)
		}
		return fn(flakyTxn{Txn: tx, prefix: s.prefix})
	})
}

type flakyTxn struct {
	kv.Txn
	prefix string
}

func (t flakyTxn) Set(key kv.Key, value []byte) error {
	if len(key) > 0 && key[0] == t.prefix {
		return errStoreDown
	}
	return t.Txn.Set(key, value)
}

func TestChatCommitFailureWritesNothing(t *testing.T) {
	var fs *flakyStore
	f := newFixture(t, func(c *Config) {
		fs = &flakyStore{Store: c.Store, prefix: "emo", fail: true}
		c.Store = fs
	})
	ctx := context.Background()
	m, err := f.mem.Save(ctx, "mika", "u1", "User loves rainy days", memory.TypePreference, memory.SaveOptions{})
	if err != nil {
		t.Fatal(err)
	}

	f.llm.push(step{content: reply("Rain again!", "happy", 3)})
	_, err = f.agent.Chat(ctx, Turn{PersonaID: "mika", UserID: "u1", Message: "rainy days are nice"})
	te, ok := AsTurnError(err)
	if !ok || te.Kind != KindInternal || !errors.Is(err, errStoreDown) {
		t.Fatalf("err = %v", err)
	}
	st, _ := f.rel.Get(ctx, "mika", "u1")
	if st.Version != 0 || st.Affection != 0 {
		t.Errorf("relationship committed without emotion: %+v", st)
	}
	if msgs := f.history(t); len(msgs) != 0 {
		t.Errorf("history = %+v", msgs)
	}
	if got, _ := f.mem.Get(ctx, "mika", "u1", m.ID); got.AccessCount != 0 {
		t.Errorf("failed turn touched memory: %+v", got)
	}
	// The model call itself is still charged.
	if used, _ := f.budget.Used(ctx, "u1"); used != 1200 {
		t.Errorf("budget used = %d, want 1200", used)
	}

	fs.fail = false
	f.llm.push(step{content: reply("Rain again!", "happy", 3)})
	res := f.chat(t, "rainy days are nice")
	if res.Relationship.Affection != 3 || res.Relationship.Version != 1 {
		t.Errorf("relationship = %+v", res.Relationship)
	}
	if msgs := f.history(t); len(msgs) != 2 {
		t.Errorf("history = %+v", msgs)
	}
	if got, _ := f.mem.Get(ctx, "mika", "u1", m.ID); got.AccessCount != 1 {
		t.Errorf("memory access = %d, want 1", got.AccessCount)
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.agent.Chat(context.Background(), Turn{PersonaID: "mika", UserID: "u1", Message: "  "})
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v", err)
	}
}

func TestChatUnknownPersona(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.agent.Chat(context.Background(), Turn{PersonaID: "nobody", UserID: "u1", Message: "hi"})
	te, ok := AsTurnError(err)
	if !ok || te.Kind != KindInternal || !errors.Is(err, persona.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if strings.Contains(te.UserMessage, "nobody") {
		t.Errorf("user message leaks details: %q", te.UserMessage)
	}
}

func TestChatRateLimited(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.RateLimit = modelselect.NewRateLimiter(modelselect.RateLimitConfig{PerMinute: 1, Burst: 1})
	})
	f.chat(t, "one")
	_, err := f.agent.Chat(context.Background(), Turn{PersonaID: "mika", UserID: "u1", Message: "two"})
	te, ok := AsTurnError(err)
	if !ok || te.Kind != KindTransient || te.UserMessage != MsgThrottle {
		t.Fatalf("err = %v", err)
	}
}

func TestChatSamePairSerialized(t *testing.T) {
	f := newFixture(t, nil)
	release := make(chan struct{})
	f.llm.push(
		step{content: reply("first", "neutral", 0), wait: release},
		step{content: reply("second", "neutral", 0)},
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.chat(t, "one")
	}()
	waitFor(t, func() bool { return len(f.llm.models()) == 1 })

	wg.Add(1)
	go func() {
		defer wg.Done()
		f.chat(t, "two")
	}()
	// The second turn is queued behind the first and never reaches the
	// model while the first is in flight.
	time.Sleep(20 * time.Millisecond)
	if n := len(f.llm.models()); n != 1 {
		t.Fatalf("calls in flight = %d", n)
	}
	close(release)
	wg.Wait()

	var got []string
	for _, m := range f.history(t) {
		got = append(got, m.Content)
	}
	if strings.Join(got, ",") != "one,first,two,second" {
		t.Fatalf("history = %v", got)
	}
}

func TestChatBusy(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.LockWait = 10 * time.Millisecond })
	release := make(chan struct{})
	defer close(release)
	f.llm.push(step{content: reply("slow", "neutral", 0), wait: release})

	go f.agent.Chat(context.Background(), Turn{PersonaID: "mika", UserID: "u1", Message: "one"})
	waitFor(t, func() bool { return len(f.llm.models()) == 1 })

	_, err := f.agent.Chat(context.Background(), Turn{PersonaID: "mika", UserID: "u1", Message: "two"})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v", err)
	}
	// Other pairs are not blocked.
	if _, err := f.agent.Chat(context.Background(), Turn{PersonaID: "mika", UserID: "u2", Message: "hi"}); err != nil {
		t.Fatal(err)
	}
}

type recordingExec struct {
	mu  sync.Mutex
	dms []string
}

func (r *recordingExec) SendDM(_ context.Context, _ trigger.Target, a *trigger.SendDM) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dms = append(r.dms, a.Message)
	return nil
}

func (*recordingExec) StartScenario(context.Context, trigger.Target, *trigger.StartScenario) error {
	return nil
}

func (*recordingExec) PushNotification(context.Context, trigger.Target, *trigger.PushNotification) error {
	return nil
}

func TestChatFiresTrigger(t *testing.T) {
	rules, err := trigger.Parse([]byte(`
rules:
  - id: birthday-wish
    cooldown: 24h
    when:
      - type: keyword
        words: [birthday]
    then:
      type: send_dm
      message: Happy birthday!
`))
	if err != nil {
		t.Fatal(err)
	}
	exec := &recordingExec{}
	f := newFixture(t, func(c *Config) {
		c.Triggers = trigger.NewScheduler(kv.NewMemory(nil), &trigger.Dispatcher{Exec: exec}, trigger.SchedulerConfig{
			Rules: rules,
			Now:   c.Now,
		})
	})

	res := f.chat(t, "It's my birthday today")
	if res.Event == nil || res.Event.ID != "birthday-wish" {
		t.Fatalf("event = %+v", res.Event)
	}
	res = f.chat(t, "Did I mention my birthday?")
	if res.Event != nil {
		t.Errorf("fired again inside cooldown: %+v", res.Event)
	}
	if len(exec.dms) != 1 {
		t.Errorf("dms = %v", exec.dms)
	}
}

func TestChatExtractsMemories(t *testing.T) {
	extract := llm.ClientFunc(func(context.Context, *llm.Request) (*llm.Completion, error) {
		return &llm.Completion{
			Content: `{"memories":[{"type":"preference","content":"User loves rainy days","importance":0.7}]}`,
			Usage:   llm.Usage{PromptTokens: 50, CompletionTokens: 10},
		}, nil
	})
	f := newFixture(t, func(c *Config) {
		c.Extractor = memory.NewExtractor(c.Memories, memory.LLMConfig{Client: extract, Model: "small"})
	})

	res := f.chat(t, "I love rainy days")
	if len(res.Memories) != 1 || res.Memories[0].Type != memory.TypePreference {
		t.Fatalf("memories = %+v", res.Memories)
	}
	if used, _ := f.budget.Used(context.Background(), "u1"); used != 1200+60 {
		t.Errorf("budget used = %d", used)
	}

	f.llm.push(step{content: reply("Me too.", "happy", 1)})
	f.chat(t, "rainy days are the best")
	if !strings.Contains(f.llm.reqs[1].Messages[0].Content, "User loves rainy days") {
		t.Error("memory not recalled into prompt")
	}
}

func TestChatClosesStaleSession(t *testing.T) {
	sumLLM := llm.ClientFunc(func(context.Context, *llm.Request) (*llm.Completion, error) {
		return &llm.Completion{Content: `{"topics":["rain"],"emotionalArc":"calm","summary":"User likes rain."}`}, nil
	})
	f := newFixture(t, func(c *Config) {
		c.Summarizer = memory.NewSummarizer(c.Memories, memory.LLMConfig{Client: sumLLM})
	})
	f.chat(t, "I like rain")
	f.now = f.now.Add(DefaultSessionGap + time.Minute)
	f.chat(t, "back again")

	mems, err := f.mem.List(context.Background(), "mika", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(mems) != 1 || mems[0].Type != memory.TypeSummary {
		t.Fatalf("memories = %+v", mems)
	}
}

func TestEndSession(t *testing.T) {
	f := newFixture(t, nil)
	f.chat(t, "hello")
	sum, err := f.agent.EndSession(context.Background(), "mika", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if sum != nil {
		t.Errorf("summary without summarizer = %+v", sum)
	}
}

func TestPairLocksFIFO(t *testing.T) {
	l := newPairLocks()
	ctx := context.Background()
	unlock, err := l.lock(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, err := l.lock(ctx, "k")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			u()
		}()
		waitFor(t, func() bool {
			l.mu.Lock()
			defer l.mu.Unlock()
			return len(l.slots["k"].waiters) == i+1
		})
	}
	unlock()
	wg.Wait()
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v", order)
		}
	}
	if l.len() != 0 {
		t.Errorf("slots leaked: %d", l.len())
	}
}

func TestPairLocksCancel(t *testing.T) {
	l := newPairLocks()
	unlock, _ := l.lock(context.Background(), "k")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	unlock()
	if l.len() != 0 {
		t.Errorf("slots leaked: %d", l.len())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}
