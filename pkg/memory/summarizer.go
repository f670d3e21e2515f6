package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haivivi/companion/pkg/llm"
)

// Summary condenses a closed session.
type Summary struct {
	Topics       []string `json:"topics" jsonschema:"main topics discussed, at most 5"`
	EmotionalArc string   `json:"emotionalArc" jsonschema:"how the mood of the conversation developed"`
	Summary      string   `json:"summary" jsonschema:"two or three sentences the persona should remember"`

	// MemoryID is the id of the stored summary memory.
	MemoryID string `json:"-"`
}

// SummaryImportance is the importance of stored session summaries.
const SummaryImportance = 0.6

const summarizerPrompt = `You condense a chat session between a companion character and a user into a compact long-term memory.
Write from the character's point of view about the user. Keep concrete facts (names, plans, preferences, promises).
Do not invent anything that was not said.`

// LLMConfig selects the model used by [Summarizer] and [Extractor].
type LLMConfig struct {
	Client llm.Client

	// Model is the name passed in llm.Request.Model.
	Model string

	Logger *slog.Logger
}

// Summarizer turns a session transcript into a summary memory.
type Summarizer struct {
	client  llm.Client
	model   string
	service *Service
	logger  *slog.Logger
}

// NewSummarizer creates a Summarizer that stores its output in service.
func NewSummarizer(service *Service, cfg LLMConfig) *Summarizer {
	s := &Summarizer{client: cfg.Client, model: cfg.Model, service: service, logger: cfg.Logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Summarize asks the model for a summary of msgs and saves it as a
// non-decaying summary memory.
func (s *Summarizer) Summarize(ctx context.Context, personaID, userID string, msgs []Message) (*Summary, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	out, comp, err := llm.Generate[Summary](ctx, s.client, "conversation_summary", &llm.Request{
		Model:  s.model,
		System: summarizerPrompt,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: "Transcript:\n" + Transcript(msgs),
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("memory: summarize: %w", err)
	}
	text := strings.TrimSpace(out.Summary)
	if text == "" {
		return nil, fmt.Errorf("memory: summarize: %w", llm.ErrEmpty)
	}
	if len(out.Topics) > 0 {
		text += "\nTopics: " + strings.Join(out.Topics, ", ")
	}
	if arc := strings.TrimSpace(out.EmotionalArc); arc != "" {
		text += "\nMood: " + arc
	}
	m, err := s.service.Save(ctx, personaID, userID, text, TypeSummary, SaveOptions{
		Importance: SummaryImportance,
		Source:     SourceSummary,
		Tags:       out.Topics,
	})
	if err != nil {
		return nil, err
	}
	out.MemoryID = m.ID
	s.logger.Info("session summarized",
		"persona", personaID, "user", userID,
		"messages", len(msgs), "memory", m.ID, "tokens", comp.Usage.Total())
	return out, nil
}

// Transcript renders msgs one per line as "role: content".
func Transcript(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(m.Content))
		b.WriteByte('\n')
	}
	return b.String()
}
