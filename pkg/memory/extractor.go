package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haivivi/companion/pkg/llm"
)

// Candidate is one memory proposed by the extraction model.
type Candidate struct {
	Type       string  `json:"type" jsonschema:"one of episodic, preference, fact, small_talk, secret, milestone"`
	Content    string  `json:"content" jsonschema:"the fact, one sentence, about the user"`
	Importance float64 `json:"importance" jsonschema:"0.1 to 1.0"`
	Inferred   bool    `json:"inferred" jsonschema:"true if not stated explicitly by the user"`
}

type extraction struct {
	Memories []Candidate `json:"memories"`
}

const extractorPrompt = `You extract long-term memories from the latest turns of a chat between a companion character and a user.
Return only facts worth remembering for future conversations: preferences, life events, plans, secrets shared, relationship milestones.
Skip greetings and filler. Return an empty list when there is nothing new.`

// Extractor proposes memories from recent messages and saves them.
type Extractor struct {
	client  llm.Client
	model   string
	service *Service
	logger  *slog.Logger

	// MaxCandidates caps how many memories one call may save. Default 5.
	MaxCandidates int
}

// NewExtractor creates an Extractor that saves into service.
func NewExtractor(service *Service, cfg LLMConfig) *Extractor {
	e := &Extractor{client: cfg.Client, model: cfg.Model, service: service, logger: cfg.Logger, MaxCandidates: 5}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Extract asks the model for memory candidates in msgs and saves the valid
// ones. Invalid candidates are logged and skipped. usage reports tokens
// spent on the call.
func (e *Extractor) Extract(ctx context.Context, personaID, userID string, msgs []Message) (saved []*Memory, usage llm.Usage, err error) {
	if len(msgs) == 0 {
		return nil, usage, nil
	}
	out, comp, err := llm.Generate[extraction](ctx, e.client, "memory_extraction", &llm.Request{
		Model:  e.model,
		System: extractorPrompt,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: "Latest turns:\n" + Transcript(msgs),
		}},
	})
	if comp != nil {
		usage = comp.Usage
	}
	if err != nil {
		return nil, usage, fmt.Errorf("memory: extract: %w", err)
	}

	for i, c := range out.Memories {
		if i >= e.MaxCandidates {
			break
		}
		typ, err := ParseType(strings.TrimSpace(c.Type))
		if err != nil || typ == TypeSummary {
			e.logger.Warn("extracted memory skipped", "type", c.Type, "err", err)
			continue
		}
		src := SourceExplicit
		if c.Inferred {
			src = SourceInferred
		}
		m, err := e.service.Save(ctx, personaID, userID, c.Content, typ, SaveOptions{
			Importance: clamp01(c.Importance),
			Source:     src,
		})
		if err != nil {
			e.logger.Warn("extracted memory not saved", "content", c.Content, "err", err)
			continue
		}
		saved = append(saved, m)
	}
	e.logger.Debug("memories extracted",
		"persona", personaID, "user", userID,
		"proposed", len(out.Memories), "saved", len(saved))
	return saved, usage, nil
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
