package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Gemini implements [Client] on the Google Gemini API.
type Gemini struct {
	Client *genai.Client

	// Model should not start with "models/".
	Model string
}

var _ Client = (*Gemini)(nil)

func (g *Gemini) Complete(ctx context.Context, req *Request) (*Completion, error) {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(req.System)}}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		cfg.Temperature = &t
	}
	if req.Schema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = geminiSchema(req.Schema.Schema)
	}

	resp, err := g.Client.Models.GenerateContent(ctx, g.Model, geminiContents(req.Messages), cfg)
	if err != nil {
		return nil, classify("gemini", err)
	}
	var usage Usage
	if md := resp.UsageMetadata; md != nil {
		usage.PromptTokens = int64(md.PromptTokenCount)
		usage.CompletionTokens = int64(md.CandidatesTokenCount)
	}
	if len(resp.Candidates) == 0 {
		if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
			return nil, fmt.Errorf("%w: gemini: %s", ErrRefused, fb.BlockReason)
		}
		return nil, fmt.Errorf("%w: gemini: no candidates", ErrEmpty)
	}
	cand := resp.Candidates[0]
	switch cand.FinishReason {
	case genai.FinishReasonStop, genai.FinishReasonUnspecified:
	case genai.FinishReasonMaxTokens:
		return nil, fmt.Errorf("%w: gemini: %d completion tokens", ErrTruncated, usage.CompletionTokens)
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist:
		return nil, fmt.Errorf("%w: gemini: %s", ErrRefused, cand.FinishReason)
	default:
		return nil, fmt.Errorf("llm: gemini: unexpected finish reason %s", cand.FinishReason)
	}
	var sb strings.Builder
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			sb.WriteString(p.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, fmt.Errorf("%w: gemini", ErrEmpty)
	}
	return &Completion{Model: g.Model, Content: sb.String(), Usage: usage}, nil
}

// geminiContents merges consecutive same-role messages, which Gemini
// rejects.
func geminiContents(msgs []Message) []*genai.Content {
	var out []*genai.Content
	for _, m := range msgs {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		part := genai.NewPartFromText(m.Content)
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, part)
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: []*genai.Part{part}})
	}
	return out
}

func geminiSchema(s *JSONSchema) *genai.Schema {
	if s == nil {
		return nil
	}
	gs := &genai.Schema{
		Format:      s.Format,
		Description: s.Description,
		Items:       geminiSchema(s.Items),
		Required:    s.Required,
	}
	for _, v := range s.Enum {
		gs.Enum = append(gs.Enum, fmt.Sprint(v))
	}
	if len(s.Properties) > 0 {
		gs.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for k, p := range s.Properties {
			gs.Properties[k] = geminiSchema(p)
		}
	}
	typ := s.Type
	for _, t := range s.Types {
		if t == "null" {
			gs.Nullable = genai.Ptr(true)
		} else if typ == "" {
			typ = t
		}
	}
	switch typ {
	case "object":
		gs.Type = genai.TypeObject
	case "array":
		gs.Type = genai.TypeArray
	case "string":
		gs.Type = genai.TypeString
	case "number":
		gs.Type = genai.TypeNumber
	case "integer":
		gs.Type = genai.TypeInteger
	case "boolean":
		gs.Type = genai.TypeBoolean
	}
	return gs
}
