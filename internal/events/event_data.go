// Package events provides in-process notification of control-plane
// actions: webhook ingestion, circuit-breaker transitions, model reloads,
// and reconciler heals. It is intra-process only — cross-service
// notification (e.g. "a new model was published") goes through the
// coordination store's pub/sub, not this package.
package events

import "time"

// EventType identifies the shape of an event's data payload.
type EventType string

const (
	OrderSubmitted    EventType = "order_submitted"
	OrderStatusChanged EventType = "order_status_changed"
	FillIngested      EventType = "fill_ingested"
	CircuitBreakerTripped EventType = "circuit_breaker_tripped"
	CircuitBreakerReset   EventType = "circuit_breaker_reset"
	ModelReloaded     EventType = "model_reloaded"
	ReconcileHeal     EventType = "reconcile_heal"
	RunCompleted      EventType = "run_completed"
)

// EventData is implemented by every typed event payload.
type EventData interface {
	EventType() EventType
}

// OrderSubmittedData is emitted once an order has been accepted by the
// broker (or recognized as a duplicate of an existing submission).
type OrderSubmittedData struct {
	ClientOrderID string `json:"client_order_id"`
	BrokerOrderID string `json:"broker_order_id,omitempty"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Duplicate     bool   `json:"duplicate"`
}

func (d *OrderSubmittedData) EventType() EventType { return OrderSubmitted }

// OrderStatusChangedData is emitted on any order lifecycle transition.
type OrderStatusChangedData struct {
	ClientOrderID string `json:"client_order_id"`
	OldStatus     string `json:"old_status"`
	NewStatus     string `json:"new_status"`
}

func (d *OrderStatusChangedData) EventType() EventType { return OrderStatusChanged }

// FillIngestedData is emitted when a webhook fill event has been applied.
type FillIngestedData struct {
	FillID        string  `json:"fill_id"`
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Qty           string  `json:"qty"`
	Price         string  `json:"price"`
}

func (d *FillIngestedData) EventType() EventType { return FillIngested }

// CircuitBreakerTrippedData is emitted on a successful trip transition.
type CircuitBreakerTrippedData struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (d *CircuitBreakerTrippedData) EventType() EventType { return CircuitBreakerTripped }

// ReconcileHealData is emitted when the reconciler adjusts a position or
// order outside the normal write path.
type ReconcileHealData struct {
	Symbol string `json:"symbol,omitempty"`
	Kind   string `json:"kind"` // "position_heal", "order_heal", "shadow_insert"
	Detail string `json:"detail"`
}

func (d *ReconcileHealData) EventType() EventType { return ReconcileHeal }

// RunCompletedData is emitted when an orchestrator run reaches a terminal
// outcome.
type RunCompletedData struct {
	RunID   string `json:"run_id"`
	Outcome string `json:"outcome"`
}

func (d *RunCompletedData) EventType() EventType { return RunCompleted }

// Event bundles a typed payload with metadata common to every emission.
type Event struct {
	Type      EventType
	Source    string
	Timestamp time.Time
	Data      EventData
}
