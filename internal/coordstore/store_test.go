package coordstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(client)
}

func TestGetSet_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "cb:state", "OPEN", 0))
	val, ok, err := s.Get(ctx, "cb:state")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "OPEN", val)
}

func TestCompareAndSet_SucceedsOnMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "cb:state", "OPEN", 0))

	ok, err := s.CompareAndSet(ctx, "cb:state", "OPEN", "TRIPPED", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	val, _, _ := s.Get(ctx, "cb:state")
	assert.Equal(t, "TRIPPED", val)
}

func TestCompareAndSet_FailsOnMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "cb:state", "TRIPPED", 0))

	ok, err := s.CompareAndSet(ctx, "cb:state", "OPEN", "TRIPPED", 0)
	require.NoError(t, err)
	assert.False(t, ok, "a stale expected value must lose the CAS race")

	val, _, _ := s.Get(ctx, "cb:state")
	assert.Equal(t, "TRIPPED", val)
}

func TestCompareAndSet_ConcurrentTripsOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "cb:state", "OPEN", 0))

	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() {
			ok, _ := s.CompareAndSet(ctx, "cb:state", "OPEN", "TRIPPED", 0)
			results <- ok
		}()
	}
	first, second := <-results, <-results
	assert.True(t, first != second, "exactly one concurrent trip attempt should win")
}

func TestIncr_AccumulatesWithTTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n1, err := s.Incr(ctx, "trip_count_today", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n1)

	n2, err := s.Incr(ctx, "trip_count_today", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n2)
}

func TestRateLimiter_AllowsOncePerWindow(t *testing.T) {
	s := newTestStore(t)
	limiter := NewRateLimiter(s, 5*time.Minute, FallbackDeny)
	ctx := context.Background()

	ok1, err := limiter.Allow(ctx, "flatten:user-1")
	require.NoError(t, err)
	assert.True(t, ok1)

	ok2, err := limiter.Allow(ctx, "flatten:user-1")
	require.NoError(t, err)
	assert.False(t, ok2, "a second flatten within the window must be denied")

	ok3, err := limiter.Allow(ctx, "flatten:user-2")
	require.NoError(t, err)
	assert.True(t, ok3, "rate limiting is per-key, not global")
}
