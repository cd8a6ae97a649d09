// Package ratelimit implements fixed-window attempt limiting keyed by an
// identifier (user id, normalised email, client IP).
//
// The counter backend is pluggable: MemoryStore for a single instance,
// store.RedisCounterStore when several instances share limits.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// CounterStore counts hits per key within a fixed window.
type CounterStore interface {
	// Incr increments key and returns the new count and the instant the window resets.
	// The first hit (or the first after the window lapses) starts a new window at count 1.
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
}

// Policy is a maximum number of attempts per window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of Check. RetryAfter is set only when rejected.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter applies policies over a CounterStore.
type Limiter struct {
	store CounterStore
	now   func() time.Time
}

// New returns a Limiter backed by store.
func New(store CounterStore) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// Check records one attempt for identifier and reports whether it is within policy.
// Every call counts, including rejected ones.
func (l *Limiter) Check(ctx context.Context, identifier string, p Policy) (Decision, error) {
	count, resetAt, err := l.store.Incr(ctx, identifier, p.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", identifier, err)
	}

	if count <= int64(p.Limit) {
		return Decision{Allowed: true, Remaining: p.Limit - int(count)}, nil
	}

	retry := resetAt.Sub(l.now())
	// Never advise an immediate retry; sub-second remainders round up.
	if retry < time.Second {
		retry = time.Second
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}
