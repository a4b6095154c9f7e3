package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLoop_RunsImmediatelyAndOnTick(t *testing.T) {
	var count int64
	l := New("test", 10*time.Millisecond, func(ctx context.Context) error {
		atomic.AddInt64(&count, 1)
		return nil
	}, zerolog.Nop())

	l.Start(context.Background())
	time.Sleep(35 * time.Millisecond)
	l.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt64(&count), int64(2))
}

func TestLoop_StartTwiceIsNoOp(t *testing.T) {
	var count int64
	l := New("test", 5*time.Millisecond, func(ctx context.Context) error {
		atomic.AddInt64(&count, 1)
		return nil
	}, zerolog.Nop())

	ctx := context.Background()
	l.Start(ctx)
	l.Start(ctx) // must not spawn a second goroutine
	time.Sleep(20 * time.Millisecond)
	l.Stop()

	// A single loop at 5ms for ~20ms should tick roughly 4-5 times, not ~8-10
	assert.Less(t, atomic.LoadInt64(&count), int64(8))
}

func TestLoop_TaskErrorDoesNotStopLoop(t *testing.T) {
	var count int64
	l := New("test", 5*time.Millisecond, func(ctx context.Context) error {
		atomic.AddInt64(&count, 1)
		return assertErr
	}, zerolog.Nop())

	l.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	l.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt64(&count), int64(3))
}

var assertErr = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }
