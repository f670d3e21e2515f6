package modelselect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haivivi/companion/pkg/kv"
)

// Usage accumulates token counts per user per billing period.
//
// Reserve must be atomic: two concurrent reservations may never both pass
// when together they exceed the ceiling.
type Usage interface {
	// Used returns the tokens recorded for userID in period.
	Used(ctx context.Context, userID, period string) (int64, error)

	// Reserve adds tokens if used+tokens <= ceiling and reports whether it
	// did. used is the total after the call (unchanged on denial). ttl is a
	// hint for how long the period's counter must be kept.
	Reserve(ctx context.Context, userID, period string, tokens, ceiling int64, ttl time.Duration) (used int64, ok bool, err error)

	// Add unconditionally adds tokens, which may be negative. The total
	// never drops below zero.
	Add(ctx context.Context, userID, period string, tokens int64, ttl time.Duration) (int64, error)
}

// UsageRecord is the persisted per-period counter.
type UsageRecord struct {
	UserID    string    `msgpack:"user_id"`
	Period    string    `msgpack:"period"`
	Tokens    int64     `msgpack:"tokens"`
	Calls     int64     `msgpack:"calls"`
	UpdatedAt time.Time `msgpack:"updated_at"`
}

// KVUsage stores usage records in a kv.Store. Old periods are left in
// place for audit; ttl is ignored.
type KVUsage struct {
	store  kv.Store
	prefix kv.Key
	now    func() time.Time
}

var _ Usage = (*KVUsage)(nil)

// NewKVUsage creates a Usage on store under prefix (default {"usage"}).
func NewKVUsage(store kv.Store, prefix kv.Key) *KVUsage {
	if len(prefix) == 0 {
		prefix = kv.Key{"usage"}
	}
	return &KVUsage{store: store, prefix: prefix, now: time.Now}
}

func (u *KVUsage) key(userID, period string) kv.Key {
	return u.prefix.Append(userID, period)
}

func (u *KVUsage) Used(ctx context.Context, userID, period string) (int64, error) {
	rec, err := kv.GetValue[UsageRecord](ctx, u.store, u.key(userID, period))
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rec.Tokens, nil
}

func (u *KVUsage) Reserve(ctx context.Context, userID, period string, tokens, ceiling int64, _ time.Duration) (int64, bool, error) {
	var ok bool
	rec, err := kv.UpdateValue(ctx, u.store, u.key(userID, period), func(r *UsageRecord, _ bool) error {
		if r.Tokens+tokens > ceiling {
			return kv.ErrSkipWrite
		}
		u.fill(r, userID, period)
		r.Tokens += tokens
		r.Calls++
		ok = true
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("usage %s/%s: %w", userID, period, err)
	}
	return rec.Tokens, ok, nil
}

func (u *KVUsage) Add(ctx context.Context, userID, period string, tokens int64, _ time.Duration) (int64, error) {
	rec, err := kv.UpdateValue(ctx, u.store, u.key(userID, period), func(r *UsageRecord, _ bool) error {
		u.fill(r, userID, period)
		r.Tokens = max(r.Tokens+tokens, 0)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("usage %s/%s: %w", userID, period, err)
	}
	return rec.Tokens, nil
}

// Record returns the stored record for userID in period.
func (u *KVUsage) Record(ctx context.Context, userID, period string) (*UsageRecord, error) {
	return kv.GetValue[UsageRecord](ctx, u.store, u.key(userID, period))
}

func (u *KVUsage) fill(r *UsageRecord, userID, period string) {
	r.UserID = userID
	r.Period = period
	r.UpdatedAt = u.now()
}
