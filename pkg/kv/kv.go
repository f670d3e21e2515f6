// Package kv provides the key-value store every companion component persists
// through. Keys are hierarchical paths (e.g. ["rel", "persona-1", "user-42"])
// encoded with a configurable separator byte.
//
// Three backends are provided: [Badger] for production, [SQLite] for a
// single-file deployment and [Memory] for tests. All of them implement the
// read-modify-write primitive [Store.Update], which is what relationship,
// emotion, budget and trigger state rely on for atomic check-and-update,
// and the multi-key [Store.Txn] a conversational turn commits through.
package kv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a key does not exist in the store.
	ErrNotFound = errors.New("kv: not found")

	// ErrSkipWrite may be returned by an [UpdateFunc] to leave the stored
	// value untouched. Update then returns nil.
	ErrSkipWrite = errors.New("kv: skip write")

	// ErrConflict is returned by Update when a concurrent writer kept
	// winning the race for the same key and retries were exhausted.
	ErrConflict = errors.New("kv: update conflict")
)

// Key is a hierarchical path represented as a slice of string segments.
// Key{"mem", "p1", "u1"} displays as "mem:p1:u1".
//
// Segments must not contain the configured separator byte.
type Key []string

// String returns the key joined with ':' for display only.
func (k Key) String() string {
	return strings.Join(k, ":")
}

// Append returns a new key with segs appended. The receiver is not modified.
func (k Key) Append(segs ...string) Key {
	out := make(Key, 0, len(k)+len(segs))
	out = append(out, k...)
	return append(out, segs...)
}

// Entry is a key-value pair returned by List and used by BatchSet.
type Entry struct {
	Key   Key
	Value []byte
}

// UpdateFunc receives the current value of a key (nil if absent) and returns
// the value to store. Returning an error aborts the update; returning
// [ErrSkipWrite] aborts it silently.
type UpdateFunc func(old []byte) ([]byte, error)

// Txn is the view of the store inside [Store.Txn]. Reads see the
// transaction's own earlier writes.
type Txn interface {
	// Get returns ErrNotFound if the key is absent.
	Get(key Key) ([]byte, error)
	Set(key Key, value []byte) error
	Delete(key Key) error
}

// TxnFunc is the body of a transaction. It may run more than once when a
// backend retries on conflict, so it must not have side effects outside tx.
type TxnFunc func(tx Txn) error

// Store is the interface for a key-value store with path-based keys.
type Store interface {
	// Get retrieves the value for a key. Returns ErrNotFound if not present.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores a key-value pair. Overwrites any existing value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes a key. No error if the key does not exist.
	Delete(ctx context.Context, key Key) error

	// Update performs an atomic read-modify-write on a single key.
	// No other Update or Set on the same key can interleave between the
	// read and the write.
	Update(ctx context.Context, key Key, fn UpdateFunc) error

	// Txn runs fn atomically over any number of keys. Either every write
	// made through tx is stored or, when fn or the commit fails, none is.
	Txn(ctx context.Context, fn TxnFunc) error

	// List iterates over all entries whose key starts with the given prefix,
	// in lexicographic order of the encoded key.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// BatchSet atomically stores multiple key-value pairs.
	BatchSet(ctx context.Context, entries []Entry) error

	// BatchDelete atomically removes multiple keys.
	BatchDelete(ctx context.Context, keys []Key) error

	// Close releases any resources held by the store.
	Close() error
}

// DefaultSeparator is the ASCII unit separator. User and persona ids are
// free-form and often contain ':' themselves.
const DefaultSeparator byte = 0x1F

// Options configures store behavior.
type Options struct {
	// Separator joins key segments when encoding to storage.
	// Default is [DefaultSeparator] if zero.
	Separator byte
}

func (o *Options) sep() byte {
	if o != nil && o.Separator != 0 {
		return o.Separator
	}
	return DefaultSeparator
}

// encode converts a Key to its byte representation. It panics if a segment
// contains the separator, since such a key could alias another one.
func (o *Options) encode(k Key) []byte {
	s := o.sep()
	n := 0
	for i, seg := range k {
		if strings.IndexByte(seg, s) >= 0 {
			panic(fmt.Sprintf("kv: key segment %q contains separator %q", seg, s))
		}
		if i > 0 {
			n++
		}
		n += len(seg)
	}
	buf := make([]byte, n)
	pos := 0
	for i, seg := range k {
		if i > 0 {
			buf[pos] = s
			pos++
		}
		pos += copy(buf[pos:], seg)
	}
	return buf
}

// prefixBytes returns the encoded prefix plus a trailing separator so that
// "a:b" does not match "a:bc". Empty prefixes scan everything.
func (o *Options) prefixBytes(prefix Key) []byte {
	p := o.encode(prefix)
	if len(p) == 0 {
		return nil
	}
	return append(p, o.sep())
}

func (o *Options) decode(b []byte) Key {
	return Key(strings.Split(string(b), string(o.sep())))
}

// runUpdate applies fn to old and reports whether the result must be written.
func runUpdate(fn UpdateFunc, old []byte) ([]byte, bool, error) {
	val, err := fn(old)
	if errors.Is(err, ErrSkipWrite) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}
