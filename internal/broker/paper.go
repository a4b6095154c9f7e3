package broker

import (
	"context"
	"sync"

	"github.com/aristath/execplane/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaperClient simulates a broker for DRY_RUN and paper-trading modes: it
// immediately "fills" every order (market orders at a fixed reference
// price, limit orders at their limit price) and tracks positions in memory, without ever making a network call. It satisfies
// the same deduplication contract as a real venue so the rest of the
// control plane can't tell the difference (§6: "accepts a client-supplied
// unique order id and returns a duplicate indicator for retries").
type PaperClient struct {
	mu        sync.Mutex
	orders    map[string]*domain.BrokerOrderResult
	positions map[string]domain.BrokerPosition
	refPrice  decimal.Decimal
}

// NewPaperClient builds a simulated broker. refPrice is used as the fill
// price of market orders for every symbol, in the absence of a real
// market-data feed; limit orders fill at their own limit price.
func NewPaperClient(refPrice decimal.Decimal) *PaperClient {
	return &PaperClient{
		orders:    make(map[string]*domain.BrokerOrderResult),
		positions: make(map[string]domain.BrokerPosition),
		refPrice:  refPrice,
	}
}

func (p *PaperClient) SubmitOrder(ctx context.Context, req domain.BrokerOrderRequest) (*domain.BrokerOrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.orders[req.ClientOrderID]; ok {
		dup := *existing
		dup.Duplicate = true
		return &dup, nil
	}

	fillPrice := p.refPrice
	if req.OrderType == domain.OrderTypeLimit && req.LimitPrice != nil {
		fillPrice = *req.LimitPrice
	}

	result := &domain.BrokerOrderResult{
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: uuid.NewString(),
		Status:        domain.OrderStatusFilled,
		FilledQty:     req.Qty,
		AvgFillPrice:  &fillPrice,
	}
	p.orders[req.ClientOrderID] = result

	signed := req.Qty
	if req.Side == domain.SideSell {
		signed = req.Qty.Neg()
	}
	pos := p.positions[req.Symbol]
	pos.Symbol = req.Symbol
	pos.Qty = pos.Qty.Add(signed)
	pos.AvgEntryPrice = fillPrice
	p.positions[req.Symbol] = pos

	return result, nil
}

func (p *PaperClient) CancelOrder(ctx context.Context, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, o := range p.orders {
		if o.BrokerOrderID == brokerOrderID {
			if !o.Status.IsTerminal() {
				o.Status = domain.OrderStatusCanceled
				p.orders[id] = o
			}
			return nil
		}
	}
	return nil // canceling an unknown order is a no-op, matching idempotent-cancel semantics
}

func (p *PaperClient) GetOpenOrders(ctx context.Context) ([]domain.BrokerOrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.BrokerOrderResult
	for _, o := range p.orders {
		if !o.Status.IsTerminal() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (p *PaperClient) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.BrokerPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out, nil
}

func (p *PaperClient) GetAccountInfo(ctx context.Context) (*domain.BrokerAccountInfo, error) {
	return &domain.BrokerAccountInfo{
		BuyingPower: decimal.NewFromInt(1_000_000),
		MarketOpen:  true,
		DataStale:   false,
	}, nil
}

// GetQuote returns the fixed reference price market orders fill at for
// every symbol, in the absence of a real market-data feed.
func (p *PaperClient) GetQuote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refPrice, nil
}

var _ domain.BrokerClient = (*PaperClient)(nil)
