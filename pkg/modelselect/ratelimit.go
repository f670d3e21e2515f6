package modelselect

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles LLM calls per user, independent of the token
// budget. Each user gets a token bucket refilled at Limit with the given
// burst. Buckets idle longer than the idle timeout are dropped on the next
// sweep.
type RateLimiter struct {
	mu     sync.Mutex
	users  map[string]*userLimiter
	limit  rate.Limit
	burst  int
	idle   time.Duration
	now    func() time.Time
	lastGC time.Time
}

type userLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimitConfig configures a [RateLimiter].
type RateLimitConfig struct {
	// PerMinute is the sustained call rate. Zero disables limiting.
	PerMinute float64

	// Burst defaults to 1 or PerMinute/6, whichever is larger.
	Burst int

	// Idle is how long an unused bucket is kept. Default 30m.
	Idle time.Duration

	Now func() time.Time
}

// NewRateLimiter creates a per-user limiter.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	r := &RateLimiter{
		users: make(map[string]*userLimiter),
		limit: rate.Inf,
		burst: cfg.Burst,
		idle:  cfg.Idle,
		now:   cfg.Now,
	}
	if cfg.PerMinute > 0 {
		r.limit = rate.Limit(cfg.PerMinute / 60)
	}
	if r.burst <= 0 {
		r.burst = max(1, int(cfg.PerMinute/6))
	}
	if r.idle <= 0 {
		r.idle = 30 * time.Minute
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Allow consumes one call for userID and reports whether it was permitted.
func (r *RateLimiter) Allow(userID string) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweep(now)
	u, ok := r.users[userID]
	if !ok {
		u = &userLimiter{lim: rate.NewLimiter(r.limit, r.burst)}
		r.users[userID] = u
	}
	u.seen = now
	return u.lim.AllowN(now, 1)
}

// Len returns the number of tracked users.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func (r *RateLimiter) sweep(now time.Time) {
	if now.Sub(r.lastGC) < r.idle {
		return
	}
	r.lastGC = now
	for id, u := range r.users {
		if now.Sub(u.seen) >= r.idle {
			delete(r.users, id)
		}
	}
}
