// Package coordstore wraps the Coordination Store (§2): a shared,
// in-memory key-value substrate with atomic primitives and pub/sub used
// for the circuit breaker flag, hot counters, rate-limit windows, and
// reload notifications.
package coordstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a thin, typed wrapper over a redis client. Every method that
// mutates shared state documents its atomicity guarantee explicitly —
// this package is the only place in the control plane allowed to reach
// for Redis primitives directly.
type Store struct {
	client *redis.Client
}

// New dials the coordination store at url (a redis:// URL).
func New(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid coordination store url: %w", err)
	}
	client := redis.NewClient(opts)
	return &Store{client: client}, nil
}

// NewFromClient wraps an already-constructed client (used by tests with
// miniredis, and by any caller that needs custom redis.Options).
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.client.Close() }

// Ping verifies connectivity; used for the staleness gauge and health
// endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get returns the raw string value and whether the key existed.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set writes key unconditionally with an optional TTL (0 = no expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// compareAndSetScript is a Lua script that implements the read-current,
// compare, set pattern atomically server-side: equivalent to a CAS
// without a client-side WATCH/MULTI round trip, and safe under
// concurrent callers on different connections.
var compareAndSetScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false then current = "" end
if current ~= ARGV[1] then
  return 0
end
if ARGV[3] == "" then
  redis.call("SET", KEYS[1], ARGV[2])
else
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
end
return 1
`)

// CompareAndSet atomically sets key to newValue only if its current
// value equals expected (treating a missing key as ""). Returns true if
// the swap happened. This is the primitive every circuit-breaker
// transition is built on (§4.4, §9).
func (s *Store) CompareAndSet(ctx context.Context, key, expected, newValue string, ttl time.Duration) (bool, error) {
	ttlMs := "0"
	if ttl > 0 {
		ttlMs = fmt.Sprintf("%d", ttl.Milliseconds())
		if ttlMs == "0" {
			ttlMs = "1"
		}
	} else {
		ttlMs = ""
	}
	res, err := compareAndSetScript.Run(ctx, s.client, []string{key}, expected, newValue, ttlMs).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Incr atomically increments key and returns the new value. Used for the
// rate limiter's per-key window counters.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Publish fans out a reload/notification message on channel.
func (s *Store) Publish(ctx context.Context, channel, message string) error {
	return s.client.Publish(ctx, channel, message).Err()
}

// Subscribe returns a redis.PubSub for channel; callers must Close it.
func (s *Store) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return s.client.Subscribe(ctx, channel)
}
