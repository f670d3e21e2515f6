package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
)

// OpenAI implements [Client] on the Chat Completions API. It also serves
// OpenAI-compatible providers (DashScope, SiliconFlow, DeepSeek) through
// the client's base URL.
type OpenAI struct {
	Client *openai.Client

	// Model is the upstream model id, e.g. "gpt-4o-mini".
	Model string

	// UseSystemRole sends the system prompt with role "system". Some
	// compatible providers only accept it as a leading user message.
	UseSystemRole bool
}

var _ Client = (*OpenAI)(nil)

func (o *OpenAI) Complete(ctx context.Context, req *Request) (*Completion, error) {
	params := openai.ChatCompletionNewParams{
		Model:    o.Model,
		Messages: o.messages(req),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.Schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        req.Schema.Name,
					Description: param.NewOpt(req.Schema.Description),
					Schema:      strictSchema(req.Schema.Schema),
					Strict:      param.NewOpt(true),
				},
			},
		}
	}

	resp, err := o.Client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify("openai", err)
	}
	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: openai: no choices", ErrEmpty)
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, fmt.Errorf("%w: %s", ErrRefused, choice.Message.Refusal)
	}
	switch choice.FinishReason {
	case "length":
		return nil, fmt.Errorf("%w: openai: %d completion tokens", ErrTruncated, usage.CompletionTokens)
	case "content_filter":
		return nil, fmt.Errorf("%w: openai: content filter", ErrRefused)
	}
	if choice.Message.Content == "" {
		return nil, fmt.Errorf("%w: openai", ErrEmpty)
	}
	return &Completion{
		Model:   o.Model,
		Content: choice.Message.Content,
		Usage:   usage,
	}, nil
}

func (o *OpenAI) messages(req *Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		if o.UseSystemRole {
			msgs = append(msgs, openai.SystemMessage(req.System))
		} else {
			msgs = append(msgs, openai.UserMessage(req.System))
		}
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	return msgs
}
