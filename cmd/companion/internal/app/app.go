// Package app wires the companion services from a config.Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/redis/go-redis/v9"
	"google.golang.org/genai"

	"github.com/haivivi/companion/pkg/agent"
	"github.com/haivivi/companion/pkg/config"
	"github.com/haivivi/companion/pkg/embed"
	"github.com/haivivi/companion/pkg/emotion"
	"github.com/haivivi/companion/pkg/kv"
	"github.com/haivivi/companion/pkg/llm"
	"github.com/haivivi/companion/pkg/memory"
	"github.com/haivivi/companion/pkg/modelselect"
	"github.com/haivivi/companion/pkg/persona"
	"github.com/haivivi/companion/pkg/prompt"
	"github.com/haivivi/companion/pkg/relationship"
	"github.com/haivivi/companion/pkg/storage"
	"github.com/haivivi/companion/pkg/trigger"
	"github.com/haivivi/companion/pkg/validate"
)

// Overrides replace parts of the wiring, mostly for tests.
type Overrides struct {
	Store    kv.Store
	LLM      llm.Client
	Embedder memory.Embedder
	Executor trigger.Executor
	Now      func() time.Time
}

// App holds the wired services.
type App struct {
	Config *config.Config

	Store         kv.Store
	Personas      *persona.Catalog
	Relationships *relationship.Manager
	Emotions      *emotion.Tracker
	Memories      *memory.Service
	Conversations *memory.Log
	Budget        *modelselect.BudgetGuard
	Models        *modelselect.Selector
	Triggers      *trigger.Scheduler
	Agent         *agent.Agent

	Logger *slog.Logger

	closers []func() error
}

// New builds an App from cfg.
func New(ctx context.Context, cfg *config.Config, ov Overrides, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.Store = ov.Store; a.Store == nil {
		if a.Store, err = openStore(cfg.Store, logger); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.Store.Close)
	}

	client := ov.LLM
	if client == nil {
		if client, err = openLLM(ctx, cfg.LLM); err != nil {
			return nil, err
		}
	}

	files, err := openCatalog(ctx, cfg.Personas)
	if err != nil {
		return nil, err
	}
	a.Personas = persona.NewCatalog(files, persona.CatalogConfig{
		CacheTTL: time.Duration(cfg.Personas.CacheTTL),
		Now:      ov.Now,
		Logger:   logger,
	})

	a.Relationships = relationship.NewManager(a.Store, relationship.ManagerConfig{Now: ov.Now, Logger: logger})
	a.Emotions = emotion.NewTracker(a.Store, emotion.TrackerConfig{Now: ov.Now, Logger: logger})

	embedder := ov.Embedder
	if embedder == nil {
		embedder = openEmbedder(cfg.Embedding, logger)
	}
	a.Memories = memory.NewService(a.Store, embedder, memory.ServiceConfig{Now: ov.Now, Logger: logger})
	a.Conversations = memory.NewLog(a.Store, nil)

	if !cfg.Budget.Disabled {
		usage, err := a.openUsage(cfg.Budget)
		if err != nil {
			return nil, err
		}
		a.Budget = modelselect.NewBudgetGuard(usage, modelselect.GuardConfig{
			Ceilings: cfg.Budget.Ceilings,
			Period:   cfg.Budget.Period,
			Tiers:    modelselect.StaticTiers(cfg.Budget.Tiers),
			Now:      ov.Now,
			Logger:   logger,
		})
	}

	selCfg := modelselect.SelectorConfig{
		Default:    cfg.Models.Default,
		Escalation: cfg.Models.Escalation,
		Logger:     logger,
	}
	if a.Budget != nil {
		selCfg.Budget = a.Budget
	}
	if a.Models, err = modelselect.NewSelector(selCfg); err != nil {
		return nil, err
	}

	engine, err := prompt.New(prompt.Config{
		HistoryTurns: cfg.Agent.HistoryTurns,
		MemoryTopK:   cfg.Agent.MemoryTopK,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Triggers.File != "" {
		rules, err := trigger.LoadFile(cfg.Triggers.File)
		if err != nil {
			return nil, err
		}
		loc, err := time.LoadLocation(cfg.Triggers.Timezone)
		if err != nil {
			return nil, fmt.Errorf("app: triggers timezone: %w", err)
		}
		exec := ov.Executor
		if exec == nil {
			exec = trigger.LogExecutor{Logger: logger}
		}
		a.Triggers = trigger.NewScheduler(a.Store, &trigger.Dispatcher{Exec: exec, State: a.Relationships}, trigger.SchedulerConfig{
			Rules:    rules,
			Location: loc,
			Now:      ov.Now,
			Logger:   logger,
		})
	}

	extraction := cfg.LLM.Extraction
	if extraction == "" {
		extraction = cfg.Models.Default.ID
	}
	side := memory.LLMConfig{Client: client, Model: extraction, Logger: logger}

	acfg := agent.Config{
		Store:          a.Store,
		Personas:       a.Personas,
		Relationships:  a.Relationships,
		Emotions:       a.Emotions,
		Memories:       a.Memories,
		Conversations:  a.Conversations,
		Prompts:        engine,
		Models:         a.Models,
		LLM:            client,
		Validator:      validate.New(validate.Config{Logger: logger}),
		Budget:         a.Budget,
		Summarizer:     memory.NewSummarizer(a.Memories, side),
		Triggers:       a.Triggers,
		LLMTimeout:     time.Duration(cfg.Agent.LLMTimeout),
		MaxReplyTokens: cfg.Agent.MaxReplyTokens,
		MemoryTopK:     cfg.Agent.MemoryTopK,
		HistoryTurns:   cfg.Agent.HistoryTurns,
		SessionGap:     time.Duration(cfg.Agent.SessionGap),
		LockWait:       time.Duration(cfg.Agent.LockWait),
		Now:            ov.Now,
		Logger:         logger,
	}
	if cfg.Agent.ExtractMemories {
		acfg.Extractor = memory.NewExtractor(a.Memories, side)
	}
	if cfg.Agent.RatePerMinute > 0 {
		acfg.RateLimit = modelselect.NewRateLimiter(modelselect.RateLimitConfig{PerMinute: cfg.Agent.RatePerMinute, Now: ov.Now})
	}
	if a.Agent, err = agent.New(acfg); err != nil {
		return nil, err
	}
	return a, nil
}

// Close releases the store and any client connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openStore(c config.Store, logger *slog.Logger) (kv.Store, error) {
	switch c.Backend {
	case config.StoreMemory:
		return kv.NewMemory(nil), nil
	case config.StoreSQLite:
		return kv.NewSQLite(kv.SQLiteOptions{Path: c.Path})
	case config.StoreBadger:
		if err := os.MkdirAll(c.Dir, 0755); err != nil {
			return nil, fmt.Errorf("app: create store dir: %w", err)
		}
		return kv.NewBadger(kv.BadgerOptions{Dir: c.Dir, Logger: logger})
	}
	return nil, fmt.Errorf("app: unknown store backend %q", c.Backend)
}

// openLLM registers every provider model on a mux keyed by model name.
func openLLM(ctx context.Context, c config.LLM) (llm.Client, error) {
	mux := llm.NewMux()
	for _, p := range c.Providers {
		var newClient func(model string) llm.Client
		switch p.Kind {
		case config.ProviderOpenAI:
			opts := []option.RequestOption{option.WithAPIKey(p.APIKey)}
			if p.BaseURL != "" {
				opts = append(opts, option.WithBaseURL(p.BaseURL))
			}
			client := openai.NewClient(opts...)
			systemRole := p.SystemRole == nil || *p.SystemRole
			newClient = func(model string) llm.Client {
				return &llm.OpenAI{Client: &client, Model: model, UseSystemRole: systemRole}
			}
		case config.ProviderGemini:
			client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: p.APIKey, Backend: genai.BackendGeminiAPI})
			if err != nil {
				return nil, fmt.Errorf("app: gemini provider %s: %w", p.Name, err)
			}
			newClient = func(model string) llm.Client {
				return &llm.Gemini{Client: client, Model: strings.TrimPrefix(model, "models/")}
			}
		default:
			return nil, fmt.Errorf("app: unknown provider kind %q", p.Kind)
		}
		for _, m := range p.Models {
			if err := mux.Handle(m.Name, newClient(m.Model)); err != nil {
				return nil, err
			}
		}
	}
	return mux, nil
}

func openEmbedder(c config.Embedding, logger *slog.Logger) memory.Embedder {
	var opts []embed.Option
	if c.Model != "" {
		opts = append(opts, embed.WithModel(c.Model))
	}
	if c.Dimension > 0 {
		opts = append(opts, embed.WithDimension(c.Dimension))
	}
	if c.BaseURL != "" {
		opts = append(opts, embed.WithBaseURL(c.BaseURL))
	}
	var remote embed.Embedder
	switch c.Kind {
	case config.EmbedOpenAI:
		remote = embed.NewOpenAI(c.APIKey, opts...)
	case config.EmbedDashScope:
		remote = embed.NewDashScope(c.APIKey, opts...)
	default:
		// Memories are then ranked by importance and recency only.
		return nil
	}
	return embed.NewService(remote, embed.ServiceConfig{
		MaxChars:  c.MaxChars,
		BatchSize: c.BatchSize,
		Logger:    logger,
	})
}

func openCatalog(ctx context.Context, c config.Personas) (storage.FileStore, error) {
	switch c.Backend {
	case config.CatalogLocal:
		return storage.NewLocal(c.Dir)
	case config.CatalogS3:
		var opts []func(*awsconfig.LoadOptions) error
		if c.Region != "" {
			opts = append(opts, awsconfig.WithRegion(c.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("app: aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if c.Endpoint != "" {
				o.BaseEndpoint = aws.String(c.Endpoint)
				o.UsePathStyle = true
			}
		})
		return storage.NewS3(client, c.Bucket, c.Prefix), nil
	}
	return nil, fmt.Errorf("app: unknown persona backend %q", c.Backend)
}

func (a *App) openUsage(c config.Budget) (modelselect.Usage, error) {
	switch c.Backend {
	case config.UsageKV:
		return modelselect.NewKVUsage(a.Store, nil), nil
	case config.UsageRedis:
		rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		a.closers = append(a.closers, rdb.Close)
		return modelselect.NewRedisUsage(rdb, "companion:usage"), nil
	}
	return nil, fmt.Errorf("app: unknown budget backend %q", c.Backend)
}

// ParseLevel maps a config log level to slog.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
