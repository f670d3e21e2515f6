// Package llm is the chat-completion collaborator used by the companion
// agent. A [Client] takes a system prompt, a message history and an
// optional JSON schema for structured output, and returns the raw model
// text plus token usage.
//
// Two backends are provided, [OpenAI] (any OpenAI-compatible endpoint) and
// [Gemini]. A [Mux] routes requests to backends by configured model name.
package llm

import "context"

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of history.
type Message struct {
	Role    Role
	Content string
}

// Schema requests structured JSON output.
type Schema struct {
	Name        string
	Description string
	Schema      *JSONSchema
}

// Request is a single completion call.
type Request struct {
	// Model is the configured model name. The [Mux] routes on it; the
	// backends themselves send their own upstream model id.
	Model string

	System   string
	Messages []Message

	// Schema, when set, asks for a JSON object matching it.
	Schema *Schema

	MaxTokens   int
	Temperature *float64
}

// Usage is the token accounting reported by the API.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int64 { return u.PromptTokens + u.CompletionTokens }

// Completion is a successful response.
type Completion struct {
	Model   string
	Content string
	Usage   Usage
}

// Client performs chat completions.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Completion, error)
}

// ClientFunc adapts a function to [Client].
type ClientFunc func(ctx context.Context, req *Request) (*Completion, error)

func (f ClientFunc) Complete(ctx context.Context, req *Request) (*Completion, error) {
	return f(ctx, req)
}
