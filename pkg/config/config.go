// Package config loads the companion service configuration.
//
// A config is read from a YAML file, then overridden by COMPANION_*
// environment variables (a .env file next to the working directory is
// loaded first when present). String values of the form $VAR or ${VAR}
// in secrets are expanded from the environment.
//
// Example:
//
//	store:
//	  backend: badger
//	  dir: ./data
//	llm:
//	  providers:
//	    - name: openai
//	      kind: openai
//	      api_key: $OPENAI_API_KEY
//	      models:
//	        - name: small
//	          model: gpt-4o-mini
//	models:
//	  default: {id: small, cost_per_1k_tokens: 0.15}
//	  escalation: {id: large, cost_per_1k_tokens: 2.5}
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"

	"github.com/haivivi/companion/pkg/jsontime"
	"github.com/haivivi/companion/pkg/modelselect"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "COMPANION_"

// Store backends.
const (
	StoreBadger = "badger"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Provider kinds.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Embedding kinds.
const (
	EmbedOpenAI    = "openai"
	EmbedDashScope = "dashscope"
	EmbedNone      = "none"
)

// Budget usage backends.
const (
	UsageKV    = "kv"
	UsageRedis = "redis"
)

// Persona catalog backends.
const (
	CatalogLocal = "local"
	CatalogS3    = "s3"
)

// Config is the full service configuration.
type Config struct {
	Store     Store     `yaml:"store" envPrefix:"STORE_"`
	LLM       LLM       `yaml:"llm" envPrefix:"LLM_"`
	Models    Models    `yaml:"models"`
	Budget    Budget    `yaml:"budget" envPrefix:"BUDGET_"`
	Embedding Embedding `yaml:"embedding" envPrefix:"EMBEDDING_"`
	Personas  Personas  `yaml:"personas" envPrefix:"PERSONAS_"`
	Agent     Agent     `yaml:"agent" envPrefix:"AGENT_"`
	Triggers  Triggers  `yaml:"triggers" envPrefix:"TRIGGERS_"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
}

// Store selects the kv backend holding relationships, emotions, memories
// and conversations.
type Store struct {
	Backend string `yaml:"backend" env:"BACKEND"`

	// Dir is the badger data directory.
	Dir string `yaml:"dir" env:"DIR"`

	// Path is the sqlite database file.
	Path string `yaml:"path" env:"PATH"`
}

// LLM lists the completion providers.
type LLM struct {
	Providers []Provider `yaml:"providers"`

	// Extraction is the model name used for memory extraction and session
	// summaries. Empty means the default model.
	Extraction string `yaml:"extraction" env:"EXTRACTION"`
}

// Provider is one upstream API account.
type Provider struct {
	Name    string  `yaml:"name"`
	Kind    string  `yaml:"kind"`
	APIKey  string  `yaml:"api_key"`
	BaseURL string  `yaml:"base_url,omitempty"`
	Models  []Model `yaml:"models"`

	// SystemRole sends system prompts with the "system" role (openai kind).
	SystemRole *bool `yaml:"system_role,omitempty"`
}

// Model maps a name used across the config to an upstream model id.
type Model struct {
	Name  string `yaml:"name"`
	Model string `yaml:"model"`
}

// Models names the default and escalation models. IDs refer to Model.Name
// entries of some provider.
type Models struct {
	Default    modelselect.ModelConfig `yaml:"default"`
	Escalation modelselect.ModelConfig `yaml:"escalation"`
}

// Budget configures the per-user token guard.
type Budget struct {
	// Disabled turns the guard off.
	Disabled bool `yaml:"disabled" env:"DISABLED"`

	// Ceilings maps tier name to tokens per period.
	Ceilings map[modelselect.Tier]int64 `yaml:"ceilings"`

	Period modelselect.Period `yaml:"period" env:"PERIOD"`

	// Tiers assigns users to tiers. Unlisted users are free.
	Tiers map[string]modelselect.Tier `yaml:"tiers"`

	// Backend is kv (the main store) or redis.
	Backend   string `yaml:"backend" env:"BACKEND"`
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`
}

// Embedding configures the memory embedder.
type Embedding struct {
	Kind      string `yaml:"kind" env:"KIND"`
	APIKey    string `yaml:"api_key" env:"API_KEY"`
	BaseURL   string `yaml:"base_url,omitempty" env:"BASE_URL"`
	Model     string `yaml:"model,omitempty" env:"MODEL"`
	Dimension int    `yaml:"dimension,omitempty" env:"DIMENSION"`
	BatchSize int    `yaml:"batch_size,omitempty" env:"BATCH_SIZE"`
	MaxChars  int    `yaml:"max_chars,omitempty" env:"MAX_CHARS"`
}

// Personas configures the persona catalog.
type Personas struct {
	Backend string `yaml:"backend" env:"BACKEND"`

	// Dir is the local catalog root; documents live in Dir/personas.
	Dir string `yaml:"dir" env:"DIR"`

	Bucket   string `yaml:"bucket" env:"BUCKET"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
	Region   string `yaml:"region" env:"REGION"`
	Endpoint string `yaml:"endpoint,omitempty" env:"ENDPOINT"`

	CacheTTL jsontime.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// Agent tunes the turn orchestrator.
type Agent struct {
	LLMTimeout     jsontime.Duration `yaml:"llm_timeout" env:"LLM_TIMEOUT"`
	MaxReplyTokens int               `yaml:"max_reply_tokens" env:"MAX_REPLY_TOKENS"`
	HistoryTurns   int               `yaml:"history_turns" env:"HISTORY_TURNS"`
	MemoryTopK     int               `yaml:"memory_top_k" env:"MEMORY_TOP_K"`
	SessionGap     jsontime.Duration `yaml:"session_gap" env:"SESSION_GAP"`
	LockWait       jsontime.Duration `yaml:"lock_wait" env:"LOCK_WAIT"`

	// RatePerMinute limits LLM calls per user. Zero disables it.
	RatePerMinute float64 `yaml:"rate_per_minute" env:"RATE_PER_MINUTE"`

	// ExtractMemories runs memory extraction after each turn.
	ExtractMemories bool `yaml:"extract_memories" env:"EXTRACT_MEMORIES"`
}

// Triggers points at the rule file. Empty disables triggers.
type Triggers struct {
	File     string `yaml:"file" env:"FILE"`
	Timezone string `yaml:"timezone" env:"TIMEZONE"`
}

// Load reads path, applies .env and COMPANION_* overrides, fills defaults
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	// A missing .env is normal.
	_ = godotenv.Load()
	return Parse(data)
}

// Parse decodes data and applies environment overrides, defaults and
// validation.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.UnmarshalWithOptions(data, &c, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := env.ParseWithOptions(&c, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	c.expand()
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) expand() {
	for i := range c.LLM.Providers {
		c.LLM.Providers[i].APIKey = expandEnv(c.LLM.Providers[i].APIKey)
		c.LLM.Providers[i].BaseURL = expandEnv(c.LLM.Providers[i].BaseURL)
	}
	c.Embedding.APIKey = expandEnv(c.Embedding.APIKey)
	c.Budget.RedisAddr = expandEnv(c.Budget.RedisAddr)
}

// expandEnv replaces $VAR and ${VAR} with environment values.
func expandEnv(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return os.Expand(s, os.Getenv)
}

func (c *Config) setDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = StoreBadger
	}
	if c.Store.Backend == StoreBadger && c.Store.Dir == "" {
		c.Store.Dir = "data"
	}
	if c.Store.Backend == StoreSQLite && c.Store.Path == "" {
		c.Store.Path = "companion.db"
	}
	for i := range c.LLM.Providers {
		p := &c.LLM.Providers[i]
		if p.Kind == "" {
			p.Kind = ProviderOpenAI
		}
		if p.Name == "" {
			p.Name = p.Kind
		}
		for j := range p.Models {
			if p.Models[j].Model == "" {
				p.Models[j].Model = p.Models[j].Name
			}
		}
	}
	if c.Models.Default.Capability == "" {
		c.Models.Default.Capability = modelselect.CapabilityDefault
	}
	if c.Models.Escalation.ID != "" && c.Models.Escalation.Capability == "" {
		c.Models.Escalation.Capability = modelselect.CapabilityEscalation
	}
	if c.Budget.Period == "" {
		c.Budget.Period = modelselect.PeriodDay
	}
	if c.Budget.Backend == "" {
		c.Budget.Backend = UsageKV
	}
	if c.Embedding.Kind == "" {
		c.Embedding.Kind = EmbedNone
	}
	if c.Personas.Backend == "" {
		c.Personas.Backend = CatalogLocal
	}
	if c.Personas.Backend == CatalogLocal && c.Personas.Dir == "" {
		c.Personas.Dir = "."
	}
	if c.Personas.CacheTTL == 0 {
		c.Personas.CacheTTL = jsontime.Duration(5 * time.Minute)
	}
	if c.Triggers.Timezone == "" {
		c.Triggers.Timezone = "UTC"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// ModelNames returns every model name declared by a provider.
func (c *Config) ModelNames() map[string]string {
	out := make(map[string]string)
	for _, p := range c.LLM.Providers {
		for _, m := range p.Models {
			out[m.Name] = p.Name
		}
	}
	return out
}

// Validate reports every problem found in c.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: "+format, args...))
	}

	switch c.Store.Backend {
	case StoreBadger, StoreSQLite, StoreMemory:
	default:
		add("store.backend %q is not one of badger, sqlite, memory", c.Store.Backend)
	}

	if len(c.LLM.Providers) == 0 {
		add("llm.providers is empty")
	}
	names := make(map[string]bool)
	providers := make(map[string]bool)
	for i, p := range c.LLM.Providers {
		switch p.Kind {
		case ProviderOpenAI, ProviderGemini:
		default:
			add("llm.providers[%d].kind %q is not one of openai, gemini", i, p.Kind)
		}
		if providers[p.Name] {
			add("llm.providers[%d].name %q is duplicated", i, p.Name)
		}
		providers[p.Name] = true
		if p.APIKey == "" {
			add("llm.providers[%d] (%s): api_key is empty", i, p.Name)
		}
		if len(p.Models) == 0 {
			add("llm.providers[%d] (%s): no models", i, p.Name)
		}
		for _, m := range p.Models {
			if m.Name == "" {
				add("llm.providers[%d] (%s): model without name", i, p.Name)
				continue
			}
			if names[m.Name] {
				add("model %q is declared twice", m.Name)
			}
			names[m.Name] = true
		}
	}

	if c.Models.Default.ID == "" {
		add("models.default.id is required")
	} else if len(names) > 0 && !names[c.Models.Default.ID] {
		add("models.default.id %q is not declared by any provider", c.Models.Default.ID)
	}
	if id := c.Models.Escalation.ID; id != "" && len(names) > 0 && !names[id] {
		add("models.escalation.id %q is not declared by any provider", id)
	}
	if id := c.LLM.Extraction; id != "" && len(names) > 0 && !names[id] {
		add("llm.extraction %q is not declared by any provider", id)
	}

	if !c.Budget.Disabled {
		switch c.Budget.Period {
		case modelselect.PeriodDay, modelselect.PeriodMonth:
		default:
			add("budget.period %q is not one of day, month", c.Budget.Period)
		}
		switch c.Budget.Backend {
		case UsageKV:
		case UsageRedis:
			if c.Budget.RedisAddr == "" {
				add("budget.redis_addr is required for the redis backend")
			}
		default:
			add("budget.backend %q is not one of kv, redis", c.Budget.Backend)
		}
		for tier, n := range c.Budget.Ceilings {
			if n <= 0 {
				add("budget.ceilings.%s must be positive", tier)
			}
		}
	}

	switch c.Embedding.Kind {
	case EmbedNone:
	case EmbedOpenAI, EmbedDashScope:
		if c.Embedding.APIKey == "" {
			add("embedding.api_key is required for %s", c.Embedding.Kind)
		}
	default:
		add("embedding.kind %q is not one of openai, dashscope, none", c.Embedding.Kind)
	}

	switch c.Personas.Backend {
	case CatalogLocal:
	case CatalogS3:
		if c.Personas.Bucket == "" {
			add("personas.bucket is required for the s3 backend")
		}
	default:
		add("personas.backend %q is not one of local, s3", c.Personas.Backend)
	}

	if c.Agent.RatePerMinute < 0 {
		add("agent.rate_per_minute must not be negative")
	}
	if _, err := time.LoadLocation(c.Triggers.Timezone); err != nil {
		add("triggers.timezone: %v", err)
	}
	return errors.Join(errs...)
}
