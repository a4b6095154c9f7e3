// Package domain holds the entities shared across every control-plane
// service: orders, positions, fills, model metadata, circuit-breaker
// state, orchestrator runs, and audit events. Entities carry the
// invariants named in §3.1; enforcing them is the repositories' job, not
// this package's.
package domain

import (
	"time"

	"github.com/aristath/execplane/internal/common/ids"
	"github.com/shopspring/decimal"
)

// OrderSide is one of buy or sell.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType is one of market or limit.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus is a node in the order lifecycle DAG (§4.3.3).
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// IsTerminal reports whether no further transitions are permitted.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Order represents the full lifecycle of a broker order.
type Order struct {
	ClientOrderID string // primary key, ≤24 chars, deterministic (§4.3)
	StrategyID    string
	Symbol        string
	Side          OrderSide
	Qty           decimal.Decimal
	OrderType     OrderType
	LimitPrice    *decimal.Decimal
	TimeInForce   string

	Status OrderStatus

	BrokerOrderID  *string
	ParentOrderID  *string
	FilledQty      decimal.Decimal
	AvgFillPrice   *decimal.Decimal
	RejectReason   string
	ReconciledNote string // e.g. "reconciled_ingest", "reconcile_missing"

	CreatedAt    time.Time
	UpdatedAt    time.Time
	SubmittedAt  *time.Time
	TerminalAt   *time.Time
}

// IsReducing reports whether this order, if filled, moves abs(position)
// strictly toward zero given the current signed position qty.
func (o *Order) IsReducing(currentPositionQty decimal.Decimal) bool {
	if currentPositionQty.IsZero() {
		return false
	}
	orderSigned := o.Qty
	if o.Side == SideSell {
		orderSigned = o.Qty.Neg()
	}
	resulting := currentPositionQty.Add(orderSigned)
	return resulting.Abs().LessThan(currentPositionQty.Abs())
}

// IsUnsafeTrippedBuyToReduce reports whether this order is a buy-to-reduce
// (short-covering) limit order whose limit price could, in the worst
// case, cross above the reference price and increase abs(position)
// instead of reducing it. Sell-to-reduce limit orders never need this
// check: a limit sell only ever fills at or above its limit, so it can
// never increase a long position. Market orders of either side are
// always safe under this check.
func (o *Order) IsUnsafeTrippedBuyToReduce(currentPositionQty, referencePrice decimal.Decimal) bool {
	if o.Side != SideBuy || o.OrderType != OrderTypeLimit || o.LimitPrice == nil {
		return false
	}
	if !currentPositionQty.IsNegative() {
		return false
	}
	return o.LimitPrice.GreaterThan(referencePrice)
}

// Position is the per-symbol aggregated holding. Positive qty is long,
// negative is short.
type Position struct {
	Symbol        string
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
	UpdatedAt     time.Time
}

// Fill is an immutable execution event, append-only.
type Fill struct {
	FillID        string // from broker, unique
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Qty           decimal.Decimal
	Price         decimal.Decimal
	FillTime      time.Time
}

// ModelStatus is one of staging, active, inactive, archived.
type ModelStatus string

const (
	ModelStatusStaging  ModelStatus = "staging"
	ModelStatusActive   ModelStatus = "active"
	ModelStatusInactive ModelStatus = "inactive"
	ModelStatusArchived ModelStatus = "archived"
)

// ModelMetadata is one row per (strategy, version).
type ModelMetadata struct {
	StrategyID         string
	Version            string
	Status             ModelStatus
	ModelPath          string // URI
	PerformanceMetrics string // structured, stored as JSON text
	ActivatedAt        *time.Time
	DeactivatedAt      *time.Time
}

// Fingerprint is hash(version||model_path), used to detect a changed
// active model without re-reading the artifact.
func (m *ModelMetadata) Fingerprint() string {
	return ids.ModelFingerprint(m.Version, m.ModelPath)
}

// CBState is one of OPEN, TRIPPED, QUIET_PERIOD.
type CBState string

const (
	CBStateOpen        CBState = "OPEN"
	CBStateTripped     CBState = "TRIPPED"
	CBStateQuietPeriod CBState = "QUIET_PERIOD"
)

// CircuitBreakerState is the singleton coordination-store record.
type CircuitBreakerState struct {
	State         CBState
	TrippedAt     *time.Time
	TripReason    string
	TripDetails   string
	ResetAt       *time.Time
	ResetBy       string
	TripCountToday int
}

// RunOutcome is the terminal status of an orchestrator run.
type RunOutcome string

const (
	RunOutcomeSuccess RunOutcome = "success"
	RunOutcomePartial RunOutcome = "partial"
	RunOutcomeFailed  RunOutcome = "failed"
)

func (o RunOutcome) IsTerminal() bool {
	return o == RunOutcomeSuccess || o == RunOutcomePartial || o == RunOutcomeFailed
}

// StageOutcome records the result of one orchestrator pipeline stage.
type StageOutcome struct {
	Stage     string
	Status    string // "ok", "failed", "skipped"
	Detail    string
	UpdatedAt time.Time
}

// RunRecord is one row per orchestrator execution.
type RunRecord struct {
	RunID      string // deterministic: hash(date|strategy|trigger)
	Date       string
	StrategyID string
	Trigger    string
	StartedAt  time.Time
	EndedAt    *time.Time
	Outcome    RunOutcome
	Stages     []StageOutcome
	Report     string // JSON report_payload
}

// AuditEvent is an append-only record of control-plane actions.
type AuditEvent struct {
	ID        int64
	Timestamp time.Time
	EventType string
	ActorID   string // user_id or service_id
	Action    string
	Outcome   string
	Details   string
	IPAddress *string
}

// RiskLimits holds the effective pre-trade limits for a strategy (or the
// global defaults when StrategyID is empty).
type RiskLimits struct {
	StrategyID       string
	MaxPosPerSymbol  decimal.Decimal
	MaxTotalNotional decimal.Decimal
	DailyLossLimit   decimal.Decimal // stored positive; compared against -drawdown
	Blacklist        []string
}
