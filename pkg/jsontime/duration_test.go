package jsontime

import (
	"encoding/json"
	"testing"
	"time"

	goyaml "github.com/goccy/go-yaml"
	"gopkg.in/yaml.v3"
)

func TestDuration_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(Duration(90 * time.Minute))
	if err != nil {
		t.Fatalf("MarshalJSON error: %v", err)
	}
	if string(data) != `"1h30m0s"` {
		t.Errorf("MarshalJSON = %s, want %q", data, "1h30m0s")
	}
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{`"2h30m"`, 2*time.Hour + 30*time.Minute},
		{`"45s"`, 45 * time.Second},
		{`3600`, time.Hour},
		{`"90"`, 90 * time.Second},
		{`null`, 0},
	}
	for _, tt := range tests {
		var d Duration
		if err := json.Unmarshal([]byte(tt.in), &d); err != nil {
			t.Fatalf("Unmarshal(%s) error: %v", tt.in, err)
		}
		if d.Duration() != tt.want {
			t.Errorf("Unmarshal(%s) = %v, want %v", tt.in, d.Duration(), tt.want)
		}
	}
}

func TestDuration_UnmarshalInvalid(t *testing.T) {
	for _, in := range []string{`"soon"`, `"-5m"`, `-3`} {
		var d Duration
		if err := json.Unmarshal([]byte(in), &d); err == nil {
			t.Errorf("Unmarshal(%s) should fail", in)
		}
	}
}

func TestDuration_YAML(t *testing.T) {
	type rule struct {
		Cooldown Duration `yaml:"cooldown"`
		Window   Duration `yaml:"window"`
	}
	doc := []byte("cooldown: 6h\nwindow: 120\n")

	var a rule
	if err := yaml.Unmarshal(doc, &a); err != nil {
		t.Fatalf("yaml.v3: %v", err)
	}
	var b rule
	if err := goyaml.Unmarshal(doc, &b); err != nil {
		t.Fatalf("go-yaml: %v", err)
	}
	for _, r := range []rule{a, b} {
		if r.Cooldown.Duration() != 6*time.Hour {
			t.Errorf("Cooldown = %v, want 6h", r.Cooldown)
		}
		if r.Window.Duration() != 2*time.Minute {
			t.Errorf("Window = %v, want 2m", r.Window)
		}
	}
}

func TestDuration_Or(t *testing.T) {
	var nilD *Duration
	if nilD.Or(time.Second) != time.Second {
		t.Error("nil Or should return default")
	}
	zero := Duration(0)
	if zero.Or(time.Second) != time.Second {
		t.Error("zero Or should return default")
	}
	if FromDuration(time.Minute).Or(time.Second) != time.Minute {
		t.Error("set Or should return value")
	}
}
