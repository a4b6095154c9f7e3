package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aristath/execplane/internal/audit"
	"github.com/aristath/execplane/internal/coordstore"
	"github.com/aristath/execplane/internal/database"
	"github.com/aristath/execplane/internal/domain"
	"github.com/aristath/execplane/internal/events"
	"github.com/aristath/execplane/internal/modules/execution"
	"github.com/aristath/execplane/internal/modules/reconciler"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBroker struct{}

func (stubBroker) SubmitOrder(ctx context.Context, req domain.BrokerOrderRequest) (*domain.BrokerOrderResult, error) {
	return &domain.BrokerOrderResult{ClientOrderID: req.ClientOrderID, BrokerOrderID: "bkr-1", Status: domain.OrderStatusSubmitted}, nil
}
func (stubBroker) CancelOrder(ctx context.Context, brokerOrderID string) error { return nil }
func (stubBroker) GetOpenOrders(ctx context.Context) ([]domain.BrokerOrderResult, error) {
	return nil, nil
}
func (stubBroker) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	return nil, nil
}
func (stubBroker) GetAccountInfo(ctx context.Context) (*domain.BrokerAccountInfo, error) {
	return &domain.BrokerAccountInfo{MarketOpen: true}, nil
}
func (stubBroker) GetQuote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.NewFromInt(100), nil
}

var _ domain.BrokerClient = stubBroker{}

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	db, err := database.New(database.Config{Path: "file::memory:?cache=shared", Profile: database.ProfileStandard, Name: "test"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	conn := db.Conn()

	execRepo := execution.NewRepository(conn)
	snapshotRepo := reconciler.NewRepository(conn)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	store := coordstore.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	gate := coordstore.NewGate(store, "execution")

	auditRepo := audit.NewRepository(conn, zerolog.Nop())
	eventMgr := events.NewManager(zerolog.Nop())

	svc := reconciler.NewService(execRepo, stubBroker{}, snapshotRepo, gate, auditRepo, eventMgr,
		5*time.Minute, 15*time.Minute, 30*24*time.Hour, decimal.NewFromFloat(0.001), time.Hour, zerolog.Nop())

	return New(svc, zerolog.Nop())
}

func TestHandleStatus_ReportsNotReadyBeforeAnyReconcile(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/reconciliation/status", nil)
	rec := httptest.NewRecorder()

	h.HandleStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Ready)
}

func TestHandleRun_SetsReadyAfterManualRun(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reconciliation/run", nil)
	rec := httptest.NewRecorder()

	h.HandleRun(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Outcome)
	assert.Equal(t, "manual", resp.Trigger)

	statusReq := httptest.NewRequest(http.MethodGet, "/api/v1/reconciliation/status", nil)
	statusRec := httptest.NewRecorder()
	h.HandleStatus(statusRec, statusReq)
	var statusResp statusResponse
	require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &statusResp))
	assert.True(t, statusResp.Ready)
}
