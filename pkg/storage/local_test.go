package storage

import (
	"context"
	"errors"
	"os"
	"slices"
	"testing"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	s, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestLocalPutGet(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	if err := s.Put(ctx, "personas/mika.yaml", []byte("id: mika\n")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "personas/mika.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "id: mika\n" {
		t.Fatalf("got %q", got)
	}

	// Overwrite.
	if err := s.Put(ctx, "personas/mika.yaml", []byte("id: mika2\n")); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Get(ctx, "personas/mika.yaml")
	if string(got) != "id: mika2\n" {
		t.Fatalf("after overwrite got %q", got)
	}
}

func TestLocalGetNotExist(t *testing.T) {
	s := newTestLocal(t)
	_, err := s.Get(context.Background(), "nope.yaml")
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestLocalDeleteIdempotent(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()
	s.Put(ctx, "a.yaml", []byte("x"))
	if err := s.Delete(ctx, "a.yaml"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "a.yaml"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := s.Get(ctx, "a.yaml"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist after delete, got %v", err)
	}
}

func TestLocalList(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()
	for _, p := range []string{"personas/b.yaml", "personas/a.yaml", "rules/default.yaml"} {
		if err := s.Put(ctx, p, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.List(ctx, "personas")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"personas/a.yaml", "personas/b.yaml"}
	if !slices.Equal(got, want) {
		t.Fatalf("List = %v, want %v", got, want)
	}

	all, _ := s.List(ctx, "")
	if len(all) != 3 {
		t.Fatalf("List all = %v", all)
	}

	missing, err := s.List(ctx, "nothing")
	if err != nil || len(missing) != 0 {
		t.Fatalf("List missing dir = %v, %v", missing, err)
	}
}

func TestLocalRejectsEscapingPaths(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()
	for _, p := range []string{"", "/etc/passwd", "../x", "a/../../x"} {
		if err := s.Put(ctx, p, []byte("x")); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Put(%q) = %v, want ErrInvalidPath", p, err)
		}
	}
}
