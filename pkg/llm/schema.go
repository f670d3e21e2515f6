package llm

import (
	"maps"
	"slices"

	"github.com/google/jsonschema-go/jsonschema"
)

// JSONSchema is the schema type accepted by [Schema].
type JSONSchema = jsonschema.Schema

// SchemaFor infers a JSON schema from T's json tags.
func SchemaFor[T any]() (*JSONSchema, error) {
	return jsonschema.For[T](&jsonschema.ForOptions{})
}

// MustSchemaFor is like SchemaFor but panics on error. Use it for
// package-level schema variables.
func MustSchemaFor[T any]() *JSONSchema {
	s, err := SchemaFor[T]()
	if err != nil {
		panic(err)
	}
	return s
}

// strictSchema rewrites a copy of s for OpenAI strict structured output:
// every object gets additionalProperties=false and lists all properties as
// required, with optional ones made nullable.
func strictSchema(s *JSONSchema) *JSONSchema {
	if s == nil {
		return nil
	}
	return strictify(s.CloneSchemas())
}

func strictify(m *JSONSchema) *JSONSchema {
	if m == nil {
		return nil
	}
	if m.Type != "" && len(m.Types) > 0 {
		m.Types = append(m.Types, m.Type)
		m.Type = ""
	}
	typ := m.Type
	if typ == "" {
		for _, t := range m.Types {
			if t != "null" && t != "" {
				typ = t
				break
			}
		}
	}
	switch typ {
	case "array":
		m.Items = strictify(m.Items)
	case "object":
		m.AdditionalProperties = &jsonschema.Schema{Not: &jsonschema.Schema{}}
		required := make(map[string]struct{}, len(m.Properties))
		for _, k := range m.Required {
			required[k] = struct{}{}
		}
		for k, v := range m.Properties {
			if _, ok := required[k]; !ok {
				required[k] = struct{}{}
				if v.Type != "" {
					v.Types = []string{v.Type}
					v.Type = ""
				}
				if !slices.Contains(v.Types, "null") {
					v.Types = append(v.Types, "null")
				}
			}
			m.Properties[k] = strictify(v)
		}
		m.Required = slices.Sorted(maps.Keys(required))
	}
	return m
}
