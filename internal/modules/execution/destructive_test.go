package execution

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aristath/execplane/internal/coordstore"
	"github.com/aristath/execplane/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) *coordstore.RateLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	store := coordstore.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return coordstore.NewRateLimiter(store, time.Minute, coordstore.FallbackDeny)
}

const validReq = "operator escalated: flatten before close"

func TestDestructive_ShortReasonIsRejected(t *testing.T) {
	broker := newFakeBroker()
	svc, repo := newTestService(t, broker)
	ops := NewDestructiveOps(repo, svc, newTestLimiter(t))

	_, err := ops.CancelAll(context.Background(), DestructiveRequest{ActorID: "op1", Reason: "short", StepUpEvidence: "mfa-token"})
	require.Error(t, err)
}

func TestDestructive_MissingStepUpEvidenceIsRejected(t *testing.T) {
	broker := newFakeBroker()
	svc, repo := newTestService(t, broker)
	ops := NewDestructiveOps(repo, svc, newTestLimiter(t))

	_, err := ops.CancelAll(context.Background(), DestructiveRequest{ActorID: "op1", Reason: validReq, StepUpEvidence: ""})
	require.Error(t, err)
}

func TestDestructive_SecondCallWithinWindowIsRateLimited(t *testing.T) {
	broker := newFakeBroker()
	svc, repo := newTestService(t, broker)
	ops := NewDestructiveOps(repo, svc, newTestLimiter(t))
	req := DestructiveRequest{ActorID: "op1", Reason: validReq, StepUpEvidence: "mfa-token"}

	_, err := ops.CancelAll(context.Background(), req)
	require.NoError(t, err)
	_, err = ops.CancelAll(context.Background(), req)
	require.Error(t, err)
}

func TestCancelAll_CancelsEveryOpenOrder(t *testing.T) {
	broker := newFakeBroker()
	svc, repo := newTestService(t, broker)
	ops := NewDestructiveOps(repo, svc, newTestLimiter(t))

	submitOrder(t, svc, "AAPL")
	submitOrder(t, svc, "MSFT")

	n, err := ops.CancelAll(context.Background(), DestructiveRequest{ActorID: "op1", Reason: validReq, StepUpEvidence: "mfa-token"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	open, err := repo.ListOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestFlattenAll_SubmitsOppositeSideForEachPosition(t *testing.T) {
	broker := newFakeBroker()
	svc, repo := newTestService(t, broker)
	ops := NewDestructiveOps(repo, svc, newTestLimiter(t))

	err := repo.WithTx(context.Background(), func(tx *sql.Tx) error {
		return repo.UpsertPositionTx(context.Background(), tx, domain.Position{Symbol: "AAPL", Qty: decimal.NewFromInt(10), AvgEntryPrice: decimal.NewFromInt(100)})
	})
	require.NoError(t, err)

	n, err := ops.FlattenAll(context.Background(), DestructiveRequest{ActorID: "op1", Reason: validReq, StepUpEvidence: "mfa-token"}, "momentum", "2026-07-31")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	open, err := repo.ListOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.SideSell, open[0].Side)
}
