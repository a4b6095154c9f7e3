package coordstore

import (
	"context"
	"fmt"
	"time"
)

// RateLimiter enforces "at most 1 action / window per key" (§4.3.5,
// e.g. flatten-all per user) using a coordination-store counter with a
// TTL equal to the window. When the store is unreachable, the caller's
// configured fallback decides whether to allow or deny — there is no
// safe universal default (§9 Open Questions).
type RateLimiter struct {
	store    *Store
	window   time.Duration
	fallback Fallback
}

// Fallback selects the behavior when the coordination store cannot be
// reached to evaluate a rate limit.
type Fallback string

const (
	FallbackDeny  Fallback = "deny"
	FallbackAllow Fallback = "allow"
)

// NewRateLimiter builds a limiter with the given window and store-down
// fallback policy.
func NewRateLimiter(store *Store, window time.Duration, fallback Fallback) *RateLimiter {
	return &RateLimiter{store: store, window: window, fallback: fallback}
}

// Allow reports whether the action identified by key may proceed now. A
// call to Allow that returns true also records the attempt, so a second
// call within the window returns false.
func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	count, err := r.store.Incr(ctx, rateLimitKey(key), r.window)
	if err != nil {
		if r.fallback == FallbackAllow {
			return true, nil
		}
		return false, fmt.Errorf("rate limiter store unavailable, denying by policy: %w", err)
	}
	return count <= 1, nil
}

func rateLimitKey(key string) string {
	return "ratelimit:" + key
}
