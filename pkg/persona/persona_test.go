package persona

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/haivivi/companion/pkg/storage"
)

const mikaYAML = `id: mika
name: Mika
role: barista
age: 24
base_instruction: You are Mika, a warm but teasing barista.
likes: [rainy days, jazz]
absolute_rules:
  - Never claim to be an AI.
worldview:
  setting: A small cafe in Kyoto.
  opening_line: Oh, you're back!
traits:
  surface: playful
  hidden: lonely
  speech:
    formality: casual
    pet_names: [sleepyhead]
  stage_behaviors:
    stranger:
      tone: polite
      distance: keeps to the counter
examples:
  - tags: [greeting]
    turns:
      - {role: user, content: "hi"}
      - {role: assistant, content: "Welcome back!"}
`

func TestDecode(t *testing.T) {
	p, err := Decode([]byte(mikaYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Name != "Mika" || p.Age != 24 || len(p.Likes) != 2 {
		t.Fatalf("Decode = %+v", p)
	}
	b, ok := p.BehaviorAt("stranger")
	if !ok || b.Tone != "polite" {
		t.Fatalf("BehaviorAt(stranger) = %+v, %v", b, ok)
	}
	if _, ok := p.BehaviorAt("lover"); ok {
		t.Fatal("BehaviorAt(lover) should be absent")
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	doc := mikaYAML + "favourite_colour: blue\n"
	if _, err := Decode([]byte(doc)); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		p    Persona
		ok   bool
	}{
		{"ok", Persona{ID: "a", Name: "A", BaseInstruction: "x"}, true},
		{"bad id", Persona{ID: "A B", Name: "A", BaseInstruction: "x"}, false},
		{"no name", Persona{ID: "a", BaseInstruction: "x"}, false},
		{"no instruction", Persona{ID: "a", Name: "A"}, false},
		{"bad example role", Persona{ID: "a", Name: "A", BaseInstruction: "x",
			Examples: []Example{{Turns: []ExampleTurn{{Role: "system", Content: "x"}}}}}, false},
	}
	for _, tt := range tests {
		err := tt.p.Validate()
		if (err == nil) != tt.ok {
			t.Errorf("%s: Validate() = %v, want ok=%v", tt.name, err, tt.ok)
		}
	}
}

func TestCacheTTL(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCache[string, int](time.Minute, func() time.Time { return now })

	c.Set("a", 1)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("Get = %v, %v", v, ok)
	}
	now = now.Add(59 * time.Second)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("entry expired early")
	}
	now = now.Add(time.Second)
	if _, ok := c.Get("a"); ok {
		t.Fatal("entry should have expired")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not dropped, Len = %d", c.Len())
	}

	c.Set("b", 2)
	c.Invalidate("b")
	if _, ok := c.Get("b"); ok {
		t.Fatal("Invalidate did not drop entry")
	}
}

// countingStore counts Get calls on top of a Local store.
type countingStore struct {
	storage.FileStore
	gets int
}

func (c *countingStore) Get(ctx context.Context, p string) ([]byte, error) {
	c.gets++
	return c.FileStore.Get(ctx, p)
}

func newTestCatalog(t *testing.T, now func() time.Time) (*Catalog, *countingStore) {
	t.Helper()
	local, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cs := &countingStore{FileStore: local}
	return NewCatalog(cs, CatalogConfig{CacheTTL: time.Minute, Now: now}), cs
}

func TestCatalogGetCaches(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cat, cs := newTestCatalog(t, func() time.Time { return now })
	ctx := context.Background()
	cs.FileStore.Put(ctx, "personas/mika.yaml", []byte(mikaYAML))

	for range 3 {
		p, err := cat.Get(ctx, "mika")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if p.Name != "Mika" {
			t.Fatalf("Name = %q", p.Name)
		}
	}
	if cs.gets != 1 {
		t.Fatalf("store reads = %d, want 1", cs.gets)
	}

	now = now.Add(2 * time.Minute)
	cat.Get(ctx, "mika")
	if cs.gets != 2 {
		t.Fatalf("store reads after TTL = %d, want 2", cs.gets)
	}
}

func TestCatalogPutInvalidates(t *testing.T) {
	cat, _ := newTestCatalog(t, nil)
	ctx := context.Background()

	p, _ := Decode([]byte(mikaYAML))
	if err := cat.Put(ctx, p); err != nil {
		t.Fatalf("Put: %v", err)
	}
	cat.Get(ctx, "mika")

	changed := *p
	changed.Name = "Mika-chan"
	if err := cat.Put(ctx, &changed); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := cat.Get(ctx, "mika")
	if err != nil || got.Name != "Mika-chan" {
		t.Fatalf("Get after Put = %+v, %v", got, err)
	}

	ids, err := cat.List(ctx)
	if err != nil || !slices.Equal(ids, []string{"mika"}) {
		t.Fatalf("List = %v, %v", ids, err)
	}
}

func TestCatalogNotFound(t *testing.T) {
	cat, _ := newTestCatalog(t, nil)
	for _, id := range []string{"ghost", "../etc/passwd"} {
		if _, err := cat.Get(context.Background(), id); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(%q) = %v, want ErrNotFound", id, err)
		}
	}
}

func TestCatalogIDMismatch(t *testing.T) {
	cat, cs := newTestCatalog(t, nil)
	ctx := context.Background()
	cs.FileStore.Put(ctx, "personas/other.yaml", []byte(mikaYAML))
	_, err := cat.Get(ctx, "other")
	if err == nil || !strings.Contains(err.Error(), "declares id") {
		t.Fatalf("Get = %v, want id mismatch error", err)
	}
}
