package cli

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewPaths(t *testing.T) {
	paths, err := NewPaths()
	if err != nil {
		t.Fatalf("NewPaths error: %v", err)
	}
	if paths.HomeDir == "" {
		t.Error("HomeDir should not be empty")
	}
}

func TestPaths_Layout(t *testing.T) {
	home := t.TempDir()
	p := &Paths{HomeDir: home}

	base := filepath.Join(home, DefaultBaseDir)
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"BaseDir", p.BaseDir(), base},
		{"ConfigFile", p.ConfigFile(), filepath.Join(base, DefaultConfigFile)},
		{"DataDir", p.DataDir(), filepath.Join(base, "data")},
		{"LogDir", p.LogDir(), filepath.Join(base, "logs")},
		{"DataPath", p.DataPath("badger"), filepath.Join(base, "data", "badger")},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s() = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestPaths_Ensure(t *testing.T) {
	p := &Paths{HomeDir: t.TempDir()}
	if err := p.EnsureDataDir(); err != nil {
		t.Fatalf("EnsureDataDir error: %v", err)
	}
	if err := p.EnsureLogDir(); err != nil {
		t.Fatalf("EnsureLogDir error: %v", err)
	}
	for _, dir := range []string{p.DataDir(), p.LogDir()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", dir, err)
		}
	}
	// Idempotent.
	if err := p.EnsureDataDir(); err != nil {
		t.Errorf("second EnsureDataDir error: %v", err)
	}
}
