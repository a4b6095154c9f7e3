// Package retry implements the exponential-backoff-with-jitter policy
// described in the spec's Common Libraries section: separate policies for
// idempotent broker calls and DB transient errors. Webhook fan-out has no
// retry policy at all (the caller retries), so this package deliberately
// does not offer one.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy configures an exponential backoff with jitter.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the first retry
	MaxDelay    time.Duration // ceiling on any single delay
}

// BrokerSubmitPolicy is the default policy for idempotent broker calls:
// timeouts retried exactly once with the same id; 5xx/transport errors
// retried with bounded exponential backoff; capped at 5 attempts total.
func BrokerSubmitPolicy(maxAttempts int) Policy {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// StorageTransientPolicy retries a transient storage error exactly once.
func StorageTransientPolicy() Policy {
	return Policy{MaxAttempts: 2, BaseDelay: 50 * time.Millisecond, MaxDelay: 200 * time.Millisecond}
}

func (p Policy) delay(attempt int) time.Duration {
	// attempt is 0-indexed for the retry count (0 = first retry)
	backoff := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	jitter := backoff * (0.5 + rand.Float64()*0.5)
	return time.Duration(jitter)
}

// Classifier reports whether an error is worth retrying, given the
// current attempt number (1-indexed, the attempt that just failed).
type Classifier func(attempt int, err error) bool

// Do runs fn up to Policy.MaxAttempts times, sleeping between attempts
// per the backoff schedule, stopping early when fn succeeds (nil error),
// the classifier declines a retry, or attempts are exhausted. It returns
// the last error encountered.
func Do(ctx context.Context, p Policy, classify Classifier, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if !classify(attempt, lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay(attempt - 1)):
		}
	}
	return lastErr
}
