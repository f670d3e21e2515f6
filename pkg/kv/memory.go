package kv

import (
	"bytes"
	"context"
	"iter"
	"sort"
	"sync"
)

// Memory is an in-memory Store implementation backed by a map.
// It is safe for concurrent use and intended primarily for testing.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
	opts *Options
}

var _ Store = (*Memory)(nil)

// NewMemory creates a new in-memory Store. Pass nil for default options.
func NewMemory(opts *Options) *Memory {
	return &Memory{
		data: make(map[string][]byte),
		opts: opts,
	}
}

func (m *Memory) Get(_ context.Context, key Key) ([]byte, error) {
	k := string(m.opts.encode(key))
	m.mu.RLock()
	v, ok := m.data[k]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (m *Memory) Set(_ context.Context, key Key, value []byte) error {
	k := string(m.opts.encode(key))
	cp := bytes.Clone(value)
	m.mu.Lock()
	m.data[k] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key Key) error {
	k := string(m.opts.encode(key))
	m.mu.Lock()
	delete(m.data, k)
	m.mu.Unlock()
	return nil
}

// Update holds the write lock for the whole read-modify-write, so fn must
// not call back into the store.
func (m *Memory) Update(_ context.Context, key Key, fn UpdateFunc) error {
	k := string(m.opts.encode(key))
	m.mu.Lock()
	defer m.mu.Unlock()

	var old []byte
	if v, ok := m.data[k]; ok {
		old = bytes.Clone(v)
	}
	val, write, err := runUpdate(fn, old)
	if err != nil || !write {
		return err
	}
	m.data[k] = bytes.Clone(val)
	return nil
}

// Txn holds the write lock while fn runs and applies the buffered writes
// only if fn succeeds. fn must not call back into the store.
func (m *Memory) Txn(_ context.Context, fn TxnFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTxn{m: m, writes: make(map[string][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	for k, v := range tx.writes {
		if v == nil {
			delete(m.data, k)
		} else {
			m.data[k] = v
		}
	}
	return nil
}

// memoryTxn buffers writes; a nil value marks a delete.
type memoryTxn struct {
	m      *Memory
	writes map[string][]byte
}

func (t *memoryTxn) Get(key Key) ([]byte, error) {
	k := string(t.m.opts.encode(key))
	v, ok := t.writes[k]
	if !ok {
		v, ok = t.m.data[k]
	}
	if !ok || v == nil {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (t *memoryTxn) Set(key Key, value []byte) error {
	cp := bytes.Clone(value)
	if cp == nil {
		cp = []byte{}
	}
	t.writes[string(t.m.opts.encode(key))] = cp
	return nil
}

func (t *memoryTxn) Delete(key Key) error {
	t.writes[string(t.m.opts.encode(key))] = nil
	return nil
}

func (m *Memory) List(_ context.Context, prefix Key) iter.Seq2[Entry, error] {
	p := m.opts.prefixBytes(prefix)

	m.mu.RLock()
	type pair struct {
		key string
		val []byte
	}
	var matches []pair
	for k, v := range m.data {
		if len(p) == 0 || bytes.HasPrefix([]byte(k), p) {
			matches = append(matches, pair{k, bytes.Clone(v)})
		}
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].key < matches[j].key
	})

	return func(yield func(Entry, error) bool) {
		for _, kv := range matches {
			entry := Entry{
				Key:   m.opts.decode([]byte(kv.key)),
				Value: kv.val,
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

func (m *Memory) BatchSet(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.data[string(m.opts.encode(e.Key))] = bytes.Clone(e.Value)
	}
	return nil
}

func (m *Memory) BatchDelete(_ context.Context, keys []Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.data, string(m.opts.encode(key)))
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}
