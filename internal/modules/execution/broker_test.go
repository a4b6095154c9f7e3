package execution

import (
	"context"
	"errors"
	"sync"

	"github.com/aristath/execplane/internal/domain"
	"github.com/shopspring/decimal"
)

// fakeBroker is an in-memory domain.BrokerClient for service/webhook/sweeper
// tests: it records submitted orders and lets each test script the next
// SubmitOrder/CancelOrder outcome.
type fakeBroker struct {
	mu sync.Mutex

	submitResult *domain.BrokerOrderResult
	submitErr    error
	submitCalls  int
	failFirstN   int // SubmitOrder fails this many times before succeeding

	canceled  []string
	cancelErr error

	quotePrice decimal.Decimal
	quoteErr   error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		submitResult: &domain.BrokerOrderResult{BrokerOrderID: "bkr-1", Status: domain.OrderStatusSubmitted},
		quotePrice:   decimal.NewFromInt(100),
	}
}

func (f *fakeBroker) SubmitOrder(ctx context.Context, req domain.BrokerOrderRequest) (*domain.BrokerOrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if f.submitCalls <= f.failFirstN {
		return nil, errors.New("transient broker failure")
	}
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	result := *f.submitResult
	result.ClientOrderID = req.ClientOrderID
	return &result, nil
}

func (f *fakeBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.canceled = append(f.canceled, brokerOrderID)
	return nil
}

func (f *fakeBroker) GetOpenOrders(ctx context.Context) ([]domain.BrokerOrderResult, error) {
	return nil, nil
}

func (f *fakeBroker) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	return nil, nil
}

func (f *fakeBroker) GetAccountInfo(ctx context.Context) (*domain.BrokerAccountInfo, error) {
	return &domain.BrokerAccountInfo{MarketOpen: true}, nil
}

func (f *fakeBroker) GetQuote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quoteErr != nil {
		return decimal.Zero, f.quoteErr
	}
	return f.quotePrice, nil
}

var _ domain.BrokerClient = (*fakeBroker)(nil)

// alwaysAllowRisk satisfies RiskChecker and never rejects, for tests that
// exercise the submit protocol without the risk module.
type alwaysAllowRisk struct{}

func (alwaysAllowRisk) CheckOrder(ctx context.Context, strategyID string, order domain.Order, position domain.Position, portfolioValue, drawdownToday, referencePrice decimal.Decimal) error {
	return nil
}
