package modelselect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript adds ARGV[1] to KEYS[1] unless the result would exceed
// ARGV[2]. Returns {ok, total}.
var reserveScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local n = tonumber(ARGV[1])
if used + n > tonumber(ARGV[2]) then
  return {0, used}
end
used = redis.call('INCRBY', KEYS[1], n)
if tonumber(ARGV[3]) > 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[3])
end
return {1, used}
`)

// addScript adds ARGV[1] to KEYS[1], flooring the total at zero.
var addScript = redis.NewScript(`
local used = redis.call('INCRBY', KEYS[1], ARGV[1])
if used < 0 then
  redis.call('SET', KEYS[1], 0)
  used = 0
end
if tonumber(ARGV[2]) > 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return used
`)

// RedisUsage keeps usage counters in Redis so several processes can share
// one budget. Keys are "{prefix}:{user}:{period}" and expire after ttl.
type RedisUsage struct {
	client redis.UniversalClient
	prefix string
}

var _ Usage = (*RedisUsage)(nil)

// NewRedisUsage creates a Usage on client. prefix defaults to
// "companion:usage".
func NewRedisUsage(client redis.UniversalClient, prefix string) *RedisUsage {
	if prefix == "" {
		prefix = "companion:usage"
	}
	return &RedisUsage{client: client, prefix: prefix}
}

func (r *RedisUsage) key(userID, period string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, userID, period)
}

func (r *RedisUsage) Used(ctx context.Context, userID, period string) (int64, error) {
	n, err := r.client.Get(ctx, r.key(userID, period)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (r *RedisUsage) Reserve(ctx context.Context, userID, period string, tokens, ceiling int64, ttl time.Duration) (int64, bool, error) {
	res, err := reserveScript.Run(ctx, r.client,
		[]string{r.key(userID, period)},
		tokens, ceiling, int64(ttl/time.Second)).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis reserve: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis reserve: unexpected reply %v", res)
	}
	return res[1], res[0] == 1, nil
}

func (r *RedisUsage) Add(ctx context.Context, userID, period string, tokens int64, ttl time.Duration) (int64, error) {
	n, err := addScript.Run(ctx, r.client,
		[]string{r.key(userID, period)},
		tokens, int64(ttl/time.Second)).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis add: %w", err)
	}
	return n, nil
}
