package execution

import (
	"context"
	"database/sql"
	"testing"

	"github.com/aristath/execplane/internal/database"
	"github.com/aristath/execplane/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{Path: "file::memory:?cache=shared", Profile: database.ProfileStandard, Name: "test"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testOrder(clientOrderID, symbol string) domain.Order {
	return domain.Order{
		ClientOrderID: clientOrderID, StrategyID: "momentum", Symbol: symbol, Side: domain.SideBuy,
		Qty: decimal.NewFromInt(10), OrderType: domain.OrderTypeMarket, TimeInForce: "day",
	}
}

func TestInsertIfAbsent_FirstCallInserts(t *testing.T) {
	repo := NewRepository(newTestDB(t).Conn())
	ctx := context.Background()

	order, inserted, err := repo.InsertIfAbsent(ctx, testOrder("id-1", "AAPL"))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, domain.OrderStatusNew, order.Status)
}

func TestInsertIfAbsent_SecondCallIsNoOp(t *testing.T) {
	repo := NewRepository(newTestDB(t).Conn())
	ctx := context.Background()

	_, inserted1, err := repo.InsertIfAbsent(ctx, testOrder("id-1", "AAPL"))
	require.NoError(t, err)
	require.True(t, inserted1)

	existing, inserted2, err := repo.InsertIfAbsent(ctx, testOrder("id-1", "AAPL"))
	require.NoError(t, err)
	assert.False(t, inserted2)
	assert.Equal(t, "id-1", existing.ClientOrderID)
}

func TestInsertFillTx_DuplicateFillIDIsIdempotent(t *testing.T) {
	conn := newTestDB(t).Conn()
	repo := NewRepository(conn)
	ctx := context.Background()
	_, _, err := repo.InsertIfAbsent(ctx, testOrder("id-1", "AAPL"))
	require.NoError(t, err)

	fill := domain.Fill{FillID: "fill-1", ClientOrderID: "id-1", Symbol: "AAPL", Side: domain.SideBuy, Qty: decimal.NewFromInt(5), Price: decimal.NewFromInt(100)}

	var firstInserted, secondInserted bool
	err = repo.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		firstInserted, err = repo.InsertFillTx(ctx, tx, fill)
		return err
	})
	require.NoError(t, err)
	err = repo.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		secondInserted, err = repo.InsertFillTx(ctx, tx, fill)
		return err
	})
	require.NoError(t, err)

	assert.True(t, firstInserted)
	assert.False(t, secondInserted)
}

func TestGetPosition_DefaultsToZeroWhenAbsent(t *testing.T) {
	repo := NewRepository(newTestDB(t).Conn())
	pos, err := repo.GetPosition(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, pos.Qty.IsZero())
}

func TestListOpenOrders_ExcludesTerminalStatuses(t *testing.T) {
	repo := NewRepository(newTestDB(t).Conn())
	ctx := context.Background()
	_, _, err := repo.InsertIfAbsent(ctx, testOrder("open-1", "AAPL"))
	require.NoError(t, err)
	_, _, err = repo.InsertIfAbsent(ctx, testOrder("closed-1", "MSFT"))
	require.NoError(t, err)
	require.NoError(t, repo.MarkRejected(ctx, "closed-1", "no liquidity"))

	open, err := repo.ListOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "open-1", open[0].ClientOrderID)
}

func TestMarkCanceledTx_SetsTerminalAt(t *testing.T) {
	repo := NewRepository(newTestDB(t).Conn())
	ctx := context.Background()
	_, _, err := repo.InsertIfAbsent(ctx, testOrder("id-1", "AAPL"))
	require.NoError(t, err)

	err = repo.WithTx(ctx, func(tx *sql.Tx) error {
		return repo.MarkCanceledTx(ctx, tx, "id-1")
	})
	require.NoError(t, err)

	order, err := repo.GetByClientOrderID(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, order.Status)
	assert.NotNil(t, order.TerminalAt)
}
