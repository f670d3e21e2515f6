package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// GetValue reads key and msgpack-decodes it into a new T.
// Returns ErrNotFound if the key is absent.
func GetValue[T any](ctx context.Context, s Store, key Key) (*T, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var v T
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("kv: decode %s: %w", key, err)
	}
	return &v, nil
}

// SetValue msgpack-encodes v and stores it at key.
func SetValue[T any](ctx context.Context, s Store, key Key, v *T) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}

// UpdateValue atomically decodes the value at key, lets fn mutate it and
// writes it back. fn receives a zero T and found=false when the key is
// absent. Returning ErrSkipWrite from fn leaves the key untouched.
//
// The final value is returned on success.
func UpdateValue[T any](ctx context.Context, s Store, key Key, fn func(v *T, found bool) error) (*T, error) {
	var result *T
	err := s.Update(ctx, key, func(old []byte) ([]byte, error) {
		var v T
		found := old != nil
		if found {
			if err := msgpack.Unmarshal(old, &v); err != nil {
				return nil, fmt.Errorf("kv: decode %s: %w", key, err)
			}
		}
		if err := fn(&v, found); err != nil {
			if errors.Is(err, ErrSkipWrite) {
				result = &v
			}
			return nil, err
		}
		data, err := msgpack.Marshal(&v)
		if err != nil {
			return nil, fmt.Errorf("kv: encode %s: %w", key, err)
		}
		result = &v
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateValueIn is UpdateValue inside a transaction. Returning
// ErrSkipWrite from fn leaves the key untouched and is not an error.
func UpdateValueIn[T any](tx Txn, key Key, fn func(v *T, found bool) error) (*T, error) {
	var v T
	old, err := tx.Get(key)
	found := err == nil
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	default:
		if err := msgpack.Unmarshal(old, &v); err != nil {
			return nil, fmt.Errorf("kv: decode %s: %w", key, err)
		}
	}
	if err := fn(&v, found); err != nil {
		if errors.Is(err, ErrSkipWrite) {
			return &v, nil
		}
		return nil, err
	}
	data, err := msgpack.Marshal(&v)
	if err != nil {
		return nil, fmt.Errorf("kv: encode %s: %w", key, err)
	}
	if err := tx.Set(key, data); err != nil {
		return nil, err
	}
	return &v, nil
}

// ListValues decodes every entry under prefix into T, skipping entries that
// fail to decode.
func ListValues[T any](ctx context.Context, s Store, prefix Key) ([]T, error) {
	var out []T
	for entry, err := range s.List(ctx, prefix) {
		if err != nil {
			return nil, err
		}
		var v T
		if err := msgpack.Unmarshal(entry.Value, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
