package execution

import (
	"context"
	"testing"
	"time"

	"github.com/aristath/execplane/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func submitOrder(t *testing.T, svc *Service, symbol string) *domain.Order {
	t.Helper()
	order, err := svc.Submit(context.Background(), testSubmitRequest(symbol))
	require.NoError(t, err)
	return order
}

func TestIngestWebhook_PartialThenFullFill(t *testing.T) {
	svc, repo := newTestService(t, newFakeBroker())
	order := submitOrder(t, svc, "AAPL")

	err := svc.IngestWebhook(context.Background(), WebhookEvent{
		BrokerOrderID: *order.BrokerOrderID, Kind: "fill", FillID: "fill-1",
		FillQty: decimal.NewFromInt(4), FillPrice: decimal.NewFromInt(100), FillTime: time.Now().UTC(),
	})
	require.NoError(t, err)

	updated, err := repo.GetByClientOrderID(context.Background(), order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, updated.Status)
	assert.True(t, updated.FilledQty.Equal(decimal.NewFromInt(4)))

	err = svc.IngestWebhook(context.Background(), WebhookEvent{
		BrokerOrderID: *order.BrokerOrderID, Kind: "fill", FillID: "fill-2",
		FillQty: decimal.NewFromInt(6), FillPrice: decimal.NewFromInt(102), FillTime: time.Now().UTC(),
	})
	require.NoError(t, err)

	final, err := repo.GetByClientOrderID(context.Background(), order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, final.Status)
	assert.True(t, final.FilledQty.Equal(decimal.NewFromInt(10)))
	require.NotNil(t, final.AvgFillPrice)
	// weighted avg: (4*100 + 6*102) / 10 = 101.2
	assert.True(t, final.AvgFillPrice.Equal(decimal.NewFromFloat(101.2)))

	pos, err := repo.GetPosition(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, pos.Qty.Equal(decimal.NewFromInt(10)))
}

func TestIngestWebhook_ReplayedFillIsNoOp(t *testing.T) {
	svc, repo := newTestService(t, newFakeBroker())
	order := submitOrder(t, svc, "AAPL")

	ev := WebhookEvent{BrokerOrderID: *order.BrokerOrderID, Kind: "fill", FillID: "fill-1", FillQty: decimal.NewFromInt(10), FillPrice: decimal.NewFromInt(100), FillTime: time.Now().UTC()}
	require.NoError(t, svc.IngestWebhook(context.Background(), ev))
	require.NoError(t, svc.IngestWebhook(context.Background(), ev)) // replay, same fill id

	updated, err := repo.GetByClientOrderID(context.Background(), order.ClientOrderID)
	require.NoError(t, err)
	assert.True(t, updated.FilledQty.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, domain.OrderStatusFilled, updated.Status)
}

func TestIngestWebhook_OverfillIsRejected(t *testing.T) {
	svc, _ := newTestService(t, newFakeBroker())
	order := submitOrder(t, svc, "AAPL")

	err := svc.IngestWebhook(context.Background(), WebhookEvent{
		BrokerOrderID: *order.BrokerOrderID, Kind: "fill", FillID: "fill-1",
		FillQty: decimal.NewFromInt(99), FillPrice: decimal.NewFromInt(100), FillTime: time.Now().UTC(),
	})
	require.Error(t, err)
}

func TestIngestWebhook_TerminalOrderIgnoresFurtherEvents(t *testing.T) {
	svc, repo := newTestService(t, newFakeBroker())
	order := submitOrder(t, svc, "AAPL")
	require.NoError(t, repo.MarkRejected(context.Background(), order.ClientOrderID, "no liquidity"))

	err := svc.IngestWebhook(context.Background(), WebhookEvent{
		BrokerOrderID: *order.BrokerOrderID, Kind: "fill", FillID: "fill-1",
		FillQty: decimal.NewFromInt(10), FillPrice: decimal.NewFromInt(100), FillTime: time.Now().UTC(),
	})
	require.NoError(t, err)

	unchanged, err := repo.GetByClientOrderID(context.Background(), order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, unchanged.Status)
	assert.True(t, unchanged.FilledQty.IsZero())
}

func TestIngestWebhook_FallsBackToClientOrderID(t *testing.T) {
	svc, repo := newTestService(t, newFakeBroker())
	order := submitOrder(t, svc, "AAPL")

	err := svc.IngestWebhook(context.Background(), WebhookEvent{
		ClientOrderID: order.ClientOrderID, Kind: "rejected", RejectReason: "margin call",
	})
	require.NoError(t, err)

	updated, err := repo.GetByClientOrderID(context.Background(), order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, updated.Status)
	assert.Equal(t, "margin call", updated.RejectReason)
}

func TestVerifySignature(t *testing.T) {
	body := `{"kind":"fill"}`
	sig := "bad-signature"
	assert.False(t, VerifySignature("secret", body, sig))
}
