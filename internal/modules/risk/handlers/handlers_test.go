package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aristath/execplane/internal/circuitbreaker"
	"github.com/aristath/execplane/internal/coordstore"
	"github.com/aristath/execplane/internal/database"
	"github.com/aristath/execplane/internal/domain"
	"github.com/aristath/execplane/internal/modules/risk"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	db, err := database.New(database.Config{Path: "file::memory:?cache=shared", Profile: database.ProfileStandard, Name: "test"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	repo := risk.NewRepository(db.Conn())
	require.NoError(t, repo.Upsert(context.Background(), domain.RiskLimits{
		StrategyID: "momentum", MaxPosPerSymbol: decimal.NewFromInt(1_000_000), MaxTotalNotional: decimal.NewFromInt(1_000_000), DailyLossLimit: decimal.NewFromFloat(0.1),
	}))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	breaker := circuitbreaker.New(coordstore.NewFromClient(client), 10*time.Minute, 30*time.Minute)

	planner := risk.NewPlanner(repo, breaker, zerolog.Nop())
	return New(planner, zerolog.Nop())
}

func TestHandlePlan_ReturnsOrdersForTargetWeights(t *testing.T) {
	h := newTestHandlers(t)
	body, _ := json.Marshal(map[string]interface{}{
		"strategy_id":     "momentum",
		"target_weights":  []map[string]interface{}{{"symbol": "AAPL", "weight": 1.0}},
		"prices":          map[string]interface{}{"AAPL": 100.0},
		"portfolio_value": 10000,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/risk/plan", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()

	h.HandlePlan(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp["orders"], 1)
}

func TestHandlePlan_RejectsMalformedBody(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/risk/plan", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()

	h.HandlePlan(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
