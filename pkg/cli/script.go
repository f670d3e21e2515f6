package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Script is a scripted conversation replayed by `companion chat --script`.
type Script struct {
	Persona string       `yaml:"persona" json:"persona"`
	User    string       `yaml:"user" json:"user"`
	Turns   []ScriptTurn `yaml:"turns" json:"turns"`
}

// ScriptTurn is one user message. A plain string is accepted as shorthand
// for {message: ...}.
type ScriptTurn struct {
	Message     string `yaml:"message" json:"message"`
	HighQuality bool   `yaml:"high_quality,omitempty" json:"high_quality,omitempty"`
}

func (t *ScriptTurn) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		t.Message = n.Value
		return nil
	}
	type plain ScriptTurn
	return n.Decode((*plain)(t))
}

func (t *ScriptTurn) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &t.Message)
	}
	type plain ScriptTurn
	return json.Unmarshal(b, (*plain)(t))
}

// LoadScript loads a script from a YAML or JSON file. Path "-" reads stdin.
func LoadScript(path string) (*Script, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return ParseScript(data, path)
}

// ParseScript parses script data based on the file extension, trying YAML
// then JSON when the extension is unknown.
func ParseScript(data []byte, filename string) (*Script, error) {
	var s Script
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &s); err != nil {
			s = Script{}
			if err2 := json.Unmarshal(data, &s); err2 != nil {
				return nil, fmt.Errorf("failed to parse script (tried YAML and JSON)")
			}
		}
	}
	for i, t := range s.Turns {
		if strings.TrimSpace(t.Message) == "" {
			return nil, fmt.Errorf("script turn %d: empty message", i+1)
		}
	}
	if len(s.Turns) == 0 {
		return nil, errors.New("script has no turns")
	}
	return &s, nil
}
