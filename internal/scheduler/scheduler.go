// Package scheduler runs named background loops on a fixed interval:
// the stale-order sweeper, the reconciler cadence, and the model
// registry poller (§5 "background tasks for sweeper, reconciler cadence,
// registry polling").
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is one unit of scheduled work. Errors are logged, never panicked —
// a single bad tick must not take down the loop.
type Task func(ctx context.Context) error

// Loop runs a single named Task on a ticker, with idempotent Start/Stop
// guarded by a mutex and tracked by a WaitGroup, mirroring the teacher's
// time-based scheduler.
type Loop struct {
	name     string
	interval time.Duration
	task     Task
	log      zerolog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// New builds a Loop that invokes task every interval.
func New(name string, interval time.Duration, task Task, log zerolog.Logger) *Loop {
	return &Loop{
		name:     name,
		interval: interval,
		task:     task,
		log:      log.With().Str("loop", name).Logger(),
		stop:     make(chan struct{}),
	}
}

// Start runs the loop immediately, then on each tick. Calling Start
// again while already running is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started && !l.stopped {
		l.log.Warn().Msg("loop already started, ignoring")
		return
	}
	if l.stopped {
		l.stop = make(chan struct{})
		l.stopped = false
	}
	l.started = true

	ticker := time.NewTicker(l.interval)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer ticker.Stop()

		l.runOnce(ctx)
		for {
			select {
			case <-l.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.runOnce(ctx)
			}
		}
	}()
	l.log.Info().Dur("interval", l.interval).Msg("loop started")
}

func (l *Loop) runOnce(ctx context.Context) {
	if err := l.task(ctx); err != nil {
		l.log.Error().Err(err).Msg("scheduled task failed")
	}
}

// Stop signals the loop to exit and waits for the goroutine to return.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.started || l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	close(l.stop)
	l.mu.Unlock()

	l.wg.Wait()
	l.log.Info().Msg("loop stopped")
}
