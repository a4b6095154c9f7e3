// Package circuitbreaker implements the shared trading circuit breaker
// (§4.4): a coordination-store-backed state machine
// (OPEN → TRIPPED → QUIET_PERIOD → OPEN) that every service reads before
// any side-effectful action, and that any service may trip. This is
// distinct from the local transport-level circuit breaker the broker
// client wraps around its own HTTP calls (see internal/broker), which
// protects only that client's connection pool.
package circuitbreaker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/execplane/internal/coordstore"
	"github.com/aristath/execplane/internal/domain"
)

const stateKey = "cb:state"

// Client reads and transitions the shared circuit breaker. All
// transitions go through CompareAndSet so concurrent trips/resets across
// services lose safely (§4.4 Concurrency).
type Client struct {
	store       *coordstore.Store
	quietPeriod time.Duration

	stalenessThreshold time.Duration
	mu                 sync.Mutex
	lastOK             time.Time
}

// New builds a circuit breaker client over the given coordination store.
// stalenessThreshold governs Stale(): if neither Read nor Healthcheck has
// reached the coordination store successfully within that window, the
// breaker's view of state is considered too old to trust (§4.4 Staleness
// metric).
func New(store *coordstore.Store, quietPeriod, stalenessThreshold time.Duration) *Client {
	return &Client{store: store, quietPeriod: quietPeriod, stalenessThreshold: stalenessThreshold, lastOK: time.Now().UTC()}
}

func (c *Client) markHealthy() {
	c.mu.Lock()
	c.lastOK = time.Now().UTC()
	c.mu.Unlock()
}

// Stale reports whether this client has gone longer than
// stalenessThreshold without a successful Read or Healthcheck round-trip
// to the coordination store — a sign that the cached view of circuit-breaker state may no
// longer reflect reality. Services expose this on their health endpoint.
func (c *Client) Stale() bool {
	c.mu.Lock()
	last := c.lastOK
	c.mu.Unlock()
	return time.Since(last) > c.stalenessThreshold
}

// Healthcheck probes the coordination store directly and resets the
// staleness clock on success. Intended to be called from each service's
// own health-check loop so staleness is reset by any succeeding worker,
// not only by circuit-breaker reads that happen to occur as a side
// effect of business traffic.
func (c *Client) Healthcheck(ctx context.Context) error {
	if err := c.store.Ping(ctx); err != nil {
		return fmt.Errorf("coordination store unreachable: %w", err)
	}
	c.markHealthy()
	return nil
}

// wireState is the JSON-on-the-wire shape stored at stateKey.
type wireState struct {
	State          domain.CBState `json:"state"`
	TrippedAt      *time.Time     `json:"tripped_at,omitempty"`
	TripReason     string         `json:"trip_reason,omitempty"`
	TripDetails    string         `json:"trip_details,omitempty"`
	ResetAt        *time.Time     `json:"reset_at,omitempty"`
	ResetBy        string         `json:"reset_by,omitempty"`
	TripCountToday int            `json:"trip_count_today"`
	QuietUntil     *time.Time     `json:"quiet_until,omitempty"`
}

func (w wireState) toDomain() domain.CircuitBreakerState {
	return domain.CircuitBreakerState{
		State:          w.State,
		TrippedAt:      w.TrippedAt,
		TripReason:     w.TripReason,
		TripDetails:    w.TripDetails,
		ResetAt:        w.ResetAt,
		ResetBy:        w.ResetBy,
		TripCountToday: w.TripCountToday,
	}
}

// Read is lock-free and eventual within one polling interval (§4.4): it
// is a plain Get, never blocked by a concurrent writer.
func (c *Client) Read(ctx context.Context) (domain.CircuitBreakerState, error) {
	raw, ok, err := c.store.Get(ctx, stateKey)
	if err != nil {
		return domain.CircuitBreakerState{}, fmt.Errorf("reading circuit breaker state: %w", err)
	}
	c.markHealthy()
	if !ok {
		return domain.CircuitBreakerState{State: domain.CBStateOpen}, nil
	}
	var w wireState
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return domain.CircuitBreakerState{}, fmt.Errorf("decoding circuit breaker state: %w", err)
	}
	return w.toDomain(), nil
}

func (c *Client) readWire(ctx context.Context) (wireState, string, error) {
	raw, ok, err := c.store.Get(ctx, stateKey)
	if err != nil {
		return wireState{}, "", err
	}
	if !ok {
		w := wireState{State: domain.CBStateOpen}
		return w, "", nil
	}
	var w wireState
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return wireState{}, "", err
	}
	return w, raw, nil
}

// Trip moves the breaker to TRIPPED from any state, recording reason,
// details, and the actor, and incrementing trip_count_today. Concurrent
// trip attempts race on CompareAndSet; exactly one wins per attempt.
func (c *Client) Trip(ctx context.Context, reason, details, actor string) error {
	for attempt := 0; attempt < 5; attempt++ {
		current, raw, err := c.readWire(ctx)
		if err != nil {
			return fmt.Errorf("trip: reading current state: %w", err)
		}
		now := time.Now().UTC()
		next := current
		next.State = domain.CBStateTripped
		next.TrippedAt = &now
		next.TripReason = reason
		next.TripDetails = details
		next.ResetAt = nil
		next.ResetBy = ""
		next.TripCountToday = current.TripCountToday + 1

		nextRaw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("trip: encoding next state: %w", err)
		}
		ok, err := c.store.CompareAndSet(ctx, stateKey, raw, string(nextRaw), 0)
		if err != nil {
			return fmt.Errorf("trip: compare-and-set: %w", err)
		}
		if ok {
			return nil
		}
		// lost the race; retry against the new current value
	}
	return fmt.Errorf("trip: exhausted retries under contention")
}

// RequestQuietPeriod moves TRIPPED → QUIET_PERIOD, requiring an approval
// token (manual approval evidence, §4.4). Fails if the breaker is not
// currently TRIPPED.
func (c *Client) RequestQuietPeriod(ctx context.Context, approvalToken string) error {
	if approvalToken == "" {
		return fmt.Errorf("quiet period transition requires a manual approval token")
	}
	for attempt := 0; attempt < 5; attempt++ {
		current, raw, err := c.readWire(ctx)
		if err != nil {
			return fmt.Errorf("quiet period: reading current state: %w", err)
		}
		if current.State != domain.CBStateTripped {
			return fmt.Errorf("quiet period transition requires TRIPPED, currently %s", current.State)
		}
		now := time.Now().UTC()
		quietUntil := now.Add(c.quietPeriod)
		next := current
		next.State = domain.CBStateQuietPeriod
		next.ResetAt = &now
		next.ResetBy = approvalToken
		next.QuietUntil = &quietUntil

		nextRaw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("quiet period: encoding next state: %w", err)
		}
		ok, err := c.store.CompareAndSet(ctx, stateKey, raw, string(nextRaw), 0)
		if err != nil {
			return fmt.Errorf("quiet period: compare-and-set: %w", err)
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("quiet period: exhausted retries under contention")
}

// TryClose moves QUIET_PERIOD → OPEN once the cool-down has elapsed. It
// is a no-op (returns nil, false) if the breaker isn't in QUIET_PERIOD or
// the cool-down hasn't elapsed yet — callers poll this on a ticker.
func (c *Client) TryClose(ctx context.Context) (bool, error) {
	for attempt := 0; attempt < 5; attempt++ {
		current, raw, err := c.readWire(ctx)
		if err != nil {
			return false, fmt.Errorf("try close: reading current state: %w", err)
		}
		if current.State != domain.CBStateQuietPeriod {
			return false, nil
		}
		if current.QuietUntil == nil || time.Now().UTC().Before(*current.QuietUntil) {
			return false, nil
		}
		next := current
		next.State = domain.CBStateOpen
		next.QuietUntil = nil

		nextRaw, err := json.Marshal(next)
		if err != nil {
			return false, fmt.Errorf("try close: encoding next state: %w", err)
		}
		ok, err := c.store.CompareAndSet(ctx, stateKey, raw, string(nextRaw), 0)
		if err != nil {
			return false, fmt.Errorf("try close: compare-and-set: %w", err)
		}
		if ok {
			return true, nil
		}
	}
	return false, fmt.Errorf("try close: exhausted retries under contention")
}

// AllowsEntry reports whether a new risk-increasing order is permitted
// under the current state.
func (c *Client) AllowsEntry(state domain.CBState) bool {
	return state == domain.CBStateOpen
}

// AllowsReducing reports whether a strictly-reducing order is permitted.
// Per §4.4/§9, reducing orders are allowed in every state except when the
// order itself is not provably reducing.
func (c *Client) AllowsReducing(state domain.CBState) bool {
	return true
}
