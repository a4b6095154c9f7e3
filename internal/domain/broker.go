package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// BrokerClient abstracts away the venue-specific broker API (§6): submit,
// cancel, query orders/positions, account metadata. All services go
// through this interface so no vendor-specific type leaks into the
// control-plane logic.
type BrokerClient interface {
	// SubmitOrder places an order carrying the caller-supplied
	// clientOrderID. The broker must deduplicate retried submissions of
	// the same id and report that via Result.Duplicate.
	SubmitOrder(ctx context.Context, req BrokerOrderRequest) (*BrokerOrderResult, error)

	// CancelOrder cancels by broker order id; idempotent (canceling an
	// already-terminal order is a no-op success).
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// GetOpenOrders returns all non-terminal orders known to the broker.
	GetOpenOrders(ctx context.Context) ([]BrokerOrderResult, error)

	// GetPositions returns broker-truth positions.
	GetPositions(ctx context.Context) ([]BrokerPosition, error)

	// GetAccountInfo returns buying power and market-hours metadata.
	GetAccountInfo(ctx context.Context) (*BrokerAccountInfo, error)

	// GetQuote returns the current reference price for symbol, used for
	// notional sizing and limit-price safety checks.
	GetQuote(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// BrokerOrderRequest is the outbound submit payload.
type BrokerOrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Qty           decimal.Decimal
	OrderType     OrderType
	LimitPrice    *decimal.Decimal
	TimeInForce   string
}

// BrokerOrderResult is the broker's view of an order.
type BrokerOrderResult struct {
	ClientOrderID string
	BrokerOrderID string
	Status        OrderStatus
	FilledQty     decimal.Decimal
	AvgFillPrice  *decimal.Decimal
	Duplicate     bool // true when this submission was recognized as a retry
	RejectReason  string
}

// BrokerPosition is the broker's view of a symbol's holding.
type BrokerPosition struct {
	Symbol        string
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
}

// BrokerAccountInfo carries account-level metadata.
type BrokerAccountInfo struct {
	BuyingPower  decimal.Decimal
	MarketOpen   bool
	DataStale    bool // true if the broker's market data feed looks stale
}
