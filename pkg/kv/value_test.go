package kv_test

import (
	"context"
	"errors"
	"testing"

	"github.com/haivivi/companion/pkg/kv"
)

type counter struct {
	Name  string `msgpack:"name"`
	Count int    `msgpack:"count"`
}

func TestGetSetValue(t *testing.T) {
	ctx := context.Background()
	s := kv.NewMemory(nil)
	key := kv.Key{"c", "1"}

	if _, err := kv.GetValue[counter](ctx, s, key); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := kv.SetValue(ctx, s, key, &counter{Name: "a", Count: 3}); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	got, err := kv.GetValue[counter](ctx, s, key)
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if got.Name != "a" || got.Count != 3 {
		t.Fatalf("GetValue = %+v", got)
	}
}

func TestUpdateValue(t *testing.T) {
	ctx := context.Background()
	s := kv.NewMemory(nil)
	key := kv.Key{"c", "1"}

	got, err := kv.UpdateValue(ctx, s, key, func(c *counter, found bool) error {
		if found {
			t.Fatal("found = true for absent key")
		}
		c.Name = "a"
		c.Count++
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateValue: %v", err)
	}
	if got.Count != 1 {
		t.Fatalf("Count = %d, want 1", got.Count)
	}

	got, err = kv.UpdateValue(ctx, s, key, func(c *counter, found bool) error {
		if !found {
			t.Fatal("found = false for existing key")
		}
		c.Count++
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateValue: %v", err)
	}
	if got.Count != 2 {
		t.Fatalf("Count = %d, want 2", got.Count)
	}

	// Skip leaves the stored value and still reports it.
	got, err = kv.UpdateValue(ctx, s, key, func(c *counter, _ bool) error {
		c.Count = 99
		return kv.ErrSkipWrite
	})
	if err != nil {
		t.Fatalf("UpdateValue skip: %v", err)
	}
	stored, _ := kv.GetValue[counter](ctx, s, key)
	if stored.Count != 2 {
		t.Fatalf("stored Count = %d, want 2", stored.Count)
	}
	if got == nil {
		t.Fatal("UpdateValue skip returned nil value")
	}
}

func TestUpdateValueIn(t *testing.T) {
	ctx := context.Background()
	s := kv.NewMemory(nil)

	err := s.Txn(ctx, func(tx kv.Txn) error {
		for _, id := range []string{"1", "2"} {
			if _, err := kv.UpdateValueIn(tx, kv.Key{"c", id}, func(c *counter, found bool) error {
				c.Name = id
				c.Count++
				return nil
			}); err != nil {
				return err
			}
		}
		got, err := kv.UpdateValueIn(tx, kv.Key{"c", "1"}, func(c *counter, found bool) error {
			if !found {
				t.Error("own write not visible")
			}
			c.Count++
			return nil
		})
		if err != nil {
			return err
		}
		if got.Count != 2 {
			t.Errorf("Count = %d, want 2", got.Count)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Txn: %v", err)
	}
	c1, _ := kv.GetValue[counter](ctx, s, kv.Key{"c", "1"})
	c2, _ := kv.GetValue[counter](ctx, s, kv.Key{"c", "2"})
	if c1.Count != 2 || c2.Count != 1 {
		t.Fatalf("stored = %+v, %+v", c1, c2)
	}
}

func TestListValues(t *testing.T) {
	ctx := context.Background()
	s := kv.NewMemory(nil)
	kv.SetValue(ctx, s, kv.Key{"c", "1"}, &counter{Name: "a"})
	kv.SetValue(ctx, s, kv.Key{"c", "2"}, &counter{Name: "b"})
	s.Set(ctx, kv.Key{"c", "3"}, []byte{0xc1}) // not valid msgpack

	got, err := kv.ListValues[counter](ctx, s, kv.Key{"c"})
	if err != nil {
		t.Fatalf("ListValues: %v", err)
	}
	if len(got) != 2 || got[0].Name != "a" || got[1].Name != "b" {
		t.Fatalf("ListValues = %+v", got)
	}
}
