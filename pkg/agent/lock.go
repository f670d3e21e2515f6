package agent

import (
	"context"
	"slices"
	"sync"
)

// pairLocks serializes turns per (persona, user) key. Waiters are served
// in arrival order so turns commit in submission order.
type pairLocks struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	waiters []chan struct{}
}

func newPairLocks() *pairLocks {
	return &pairLocks{slots: make(map[string]*slot)}
}

// lock acquires key, waiting until ctx is done.
func (l *pairLocks) lock(ctx context.Context, key string) (unlock func(), err error) {
	unlock = func() { l.release(key) }

	l.mu.Lock()
	s, held := l.slots[key]
	if !held {
		l.slots[key] = &slot{}
		l.mu.Unlock()
		return unlock, nil
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return unlock, nil
	case <-ctx.Done():
		l.mu.Lock()
		if i := slices.Index(s.waiters, ch); i >= 0 {
			s.waiters = slices.Delete(s.waiters, i, i+1)
			l.mu.Unlock()
			return nil, ctx.Err()
		}
		l.mu.Unlock()
		// Handed the lock while giving up; pass it on.
		l.release(key)
		return nil, ctx.Err()
	}
}

// release hands key to the next waiter or frees it.
func (l *pairLocks) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[key]
	if s == nil {
		return
	}
	if len(s.waiters) > 0 {
		next := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(next)
		return
	}
	delete(l.slots, key)
}

func (l *pairLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
