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
	"github.com/aristath/execplane/internal/circuitbreaker"
	"github.com/aristath/execplane/internal/coordstore"
	"github.com/aristath/execplane/internal/database"
	"github.com/aristath/execplane/internal/modules/orchestrator"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()

	signalSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		case "/api/v1/signals/generate":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"signals":  []map[string]interface{}{{"symbol": "AAPL", "target_weight": 0.1}},
				"metadata": map[string]string{"model_version": "model-v1"},
			})
		}
	}))
	t.Cleanup(signalSrv.Close)

	riskSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		case "/api/v1/risk/plan":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"orders": []map[string]interface{}{}, "rejected": []map[string]interface{}{}})
		}
	}))
	t.Cleanup(riskSrv.Close)

	execSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health":
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		case r.URL.Path == "/api/v1/positions":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"positions": []map[string]string{}})
		case r.URL.Path == "/api/v1/orders":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"orders": []map[string]string{}})
		}
	}))
	t.Cleanup(execSrv.Close)

	reconcilerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"ready": true})
	}))
	t.Cleanup(reconcilerSrv.Close)

	clients := orchestrator.NewServiceClients(signalSrv.URL, riskSrv.URL, execSrv.URL, reconcilerSrv.URL)

	db, err := database.New(database.Config{Path: "file::memory:?cache=shared", Profile: database.ProfileStandard, Name: "test"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	repo := orchestrator.NewRepository(db.Conn())

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	store := coordstore.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	cb := circuitbreaker.New(store, 10*time.Minute, 30*time.Minute)

	driver := orchestrator.NewDriver(clients, repo, cb, "momentum", []string{"AAPL"}, decimal.NewFromInt(100000), decimal.NewFromFloat(0.01), zerolog.Nop())
	auditRepo := audit.NewRepository(db.Conn(), zerolog.Nop())

	return New(driver, repo, auditRepo, zerolog.Nop())
}

func TestHandleTrigger_RunsAndReturnsTerminalOutcome(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orchestration/runs", nil).WithContext(context.Background())
	rec := httptest.NewRecorder()

	h.HandleTrigger(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Outcome)
	assert.NotEmpty(t, resp.RunID)
}

func TestHandleGetRun_ReturnsValidationErrorWhenMissing(t *testing.T) {
	h := newTestHandlers(t)

	r := chi.NewRouter()
	h.Routes(r)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orchestration/runs/nonexistent", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleListAudit_ReturnsEmptyListInitially(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit", nil)
	rec := httptest.NewRecorder()

	h.HandleListAudit(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Events []interface{} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Events)
}

func TestHandleListRuns_ReturnsTriggeredRun(t *testing.T) {
	h := newTestHandlers(t)
	triggerReq := httptest.NewRequest(http.MethodPost, "/api/v1/orchestration/runs", nil)
	triggerRec := httptest.NewRecorder()
	h.HandleTrigger(triggerRec, triggerReq)
	require.Equal(t, http.StatusOK, triggerRec.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/orchestration/runs", nil)
	listRec := httptest.NewRecorder()
	h.HandleListRuns(listRec, listReq)

	require.Equal(t, http.StatusOK, listRec.Code)
	var resp struct {
		Runs []runResponse `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &resp))
	require.Len(t, resp.Runs, 1)
}
