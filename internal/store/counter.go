// counter.go -- Redis fixed-window counters for rate limiting.
//
// Shared across instances, so limits hold when the service runs behind a load balancer.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const counterKeyPrefix = "ratelimit:"

// incrScript increments KEYS[1], starting its window on the first hit.
// Returns {count, pttl_ms}.
// KEYS[1] = counter key, ARGV[1] = window in milliseconds.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// RedisCounterStore implements ratelimit.CounterStore on Redis.
type RedisCounterStore struct {
	rdb *redis.Client
}

// NewRedisCounterStore wraps an existing client.
func NewRedisCounterStore(rdb *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{rdb: rdb}
}

// Incr bumps the counter for key and returns the new count and when the window resets.
func (s *RedisCounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	res, err := incrScript.Run(ctx, s.rdb, []string{counterKeyPrefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("incrementing counter: %w", err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("incrementing counter: unexpected reply length %d", len(res))
	}
	return res[0], time.Now().Add(time.Duration(res[1]) * time.Millisecond), nil
}
