package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type stateView struct {
	Persona   string `json:"persona" yaml:"persona"`
	Affection int    `json:"affection" yaml:"affection"`
	Stage     string `json:"stage" yaml:"stage"`
}

func (s stateView) Table() ([]string, [][]string) {
	return []string{"PERSONA", "AFFECTION", "STAGE"}, [][]string{{s.Persona, FormatDelta(s.Affection), s.Stage}}
}

var sample = stateView{Persona: "mika", Affection: 42, Stage: "friend"}

func TestOutput_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := Output(sample, OutputOptions{Format: FormatJSON, Writer: &buf}); err != nil {
		t.Fatalf("Output error: %v", err)
	}
	var got stateView
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("Invalid JSON output: %v", err)
	}
	if got != sample {
		t.Errorf("got %+v, want %+v", got, sample)
	}
	if !strings.Contains(buf.String(), "\n  \"persona\"") {
		t.Errorf("default indent should be two spaces: %s", buf.String())
	}
}

func TestOutput_YAMLDefault(t *testing.T) {
	for _, f := range []OutputFormat{FormatYAML, ""} {
		var buf bytes.Buffer
		if err := Output(sample, OutputOptions{Format: f, Writer: &buf}); err != nil {
			t.Fatalf("Output(%q) error: %v", f, err)
		}
		if !strings.Contains(buf.String(), "stage: friend") {
			t.Errorf("Output(%q) = %s", f, buf.String())
		}
	}
}

func TestOutput_Table(t *testing.T) {
	var buf bytes.Buffer
	if err := Output(sample, OutputOptions{Format: FormatTable, Writer: &buf}); err != nil {
		t.Fatalf("Output error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"PERSONA", "STAGE", "mika", "+42", "friend"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}

	// Values without a table form fall back to YAML.
	buf.Reset()
	if err := Output(map[string]int{"count": 3}, OutputOptions{Format: FormatTable, Writer: &buf}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "count: 3") {
		t.Errorf("fallback = %s", buf.String())
	}
}

func TestOutput_Rows(t *testing.T) {
	var buf bytes.Buffer
	rows := Rows{Headers: []string{"ID", "CONTENT"}, Data: [][]string{{"m1", "likes rain"}, {"m2", "has a cat"}}}
	if err := Output(rows, OutputOptions{Format: FormatTable, Writer: &buf}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "has a cat") {
		t.Errorf("rows = %s", buf.String())
	}
}

func TestOutput_Raw(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{[]byte("raw bytes"), "raw bytes"},
		{"plain text", "plain text"},
		{sample, "persona: mika"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		if err := Output(tt.in, OutputOptions{Format: FormatRaw, Writer: &buf}); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(buf.String(), tt.want) {
			t.Errorf("Output(%v) = %q, want %q", tt.in, buf.String(), tt.want)
		}
	}
}

func TestOutput_UnsupportedFormat(t *testing.T) {
	if err := Output(sample, OutputOptions{Format: "xml", Writer: &bytes.Buffer{}}); err == nil {
		t.Error("Output should fail for unsupported format")
	}
}

func TestOutput_ToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := Output(sample, OutputOptions{Format: FormatJSON, File: path}); err != nil {
		t.Fatalf("Output error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"stage": "friend"`) {
		t.Errorf("file = %s", data)
	}
}
