package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Unmarshal decodes model output into v. Markdown code fences are
// stripped, and a syntax error triggers one attempt with repaired JSON.
func Unmarshal(content string, v any) error {
	data := StripFences(content)
	err := json.Unmarshal([]byte(data), v)
	if err == nil {
		return nil
	}
	var syn *json.SyntaxError
	if !errors.As(err, &syn) {
		return err
	}
	fixed, rerr := jsonrepair.JSONRepair(data)
	if rerr != nil {
		return err
	}
	return json.Unmarshal([]byte(fixed), v)
}

// StripFences removes a surrounding ```json ... ``` block, if any.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// Generate runs req with a schema inferred from T and decodes the reply
// into a new T. req.Schema is filled in when nil; name labels it.
func Generate[T any](ctx context.Context, c Client, name string, req *Request) (*T, *Completion, error) {
	if req.Schema == nil {
		s, err := SchemaFor[T]()
		if err != nil {
			return nil, nil, fmt.Errorf("llm: schema for %s: %w", name, err)
		}
		req.Schema = &Schema{Name: name, Schema: s}
	}
	comp, err := c.Complete(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	var out T
	if err := Unmarshal(comp.Content, &out); err != nil {
		return nil, comp, fmt.Errorf("llm: decode %s: %w", name, err)
	}
	return &out, comp, nil
}
