package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aristath/execplane/internal/database"
	"github.com/aristath/execplane/internal/domain"
	"github.com/aristath/execplane/internal/modules/signals"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubModel struct{}

func (stubModel) Predict(features map[string]map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(features))
	i := 0.0
	for sym := range features {
		out[sym] = i
		i++
	}
	return out
}

type stubLoader struct{}

func (stubLoader) Load(ctx context.Context, modelPath string) (signals.Model, error) {
	return stubModel{}, nil
}

type stubFeatures struct{ data map[string]map[string]float64 }

func (f stubFeatures) Features(ctx context.Context, symbols []string, asOfDate string) (map[string]map[string]float64, error) {
	return f.data, nil
}

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	db, err := database.New(database.Config{Path: "file::memory:?cache=shared", Profile: database.ProfileStandard, Name: "test"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	repo := signals.NewRepository(db.Conn())
	require.NoError(t, repo.Create(context.Background(), domain.ModelMetadata{StrategyID: "momentum", Version: "v1", Status: domain.ModelStatusActive, ModelPath: "s3://models/v1", PerformanceMetrics: "{}"}))

	reg := signals.NewRegistry(repo, stubLoader{}, "momentum", time.Hour, zerolog.Nop())
	reg.Start(context.Background())
	t.Cleanup(reg.Stop)

	svc := signals.NewService(reg, stubFeatures{data: map[string]map[string]float64{"AAPL": {}, "MSFT": {}}}, 1, 1, zerolog.Nop())
	return New(svc, reg, zerolog.Nop())
}

func TestHandleHealth_ReportsModelLoaded(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.HandleHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["model_loaded"])
}

func TestHandleGenerate_RejectsMissingAsOfDate(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/signals/generate", bytes.NewBufferString(`{"symbols":["AAPL"]}`))
	rec := httptest.NewRecorder()

	h.HandleGenerate(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGenerate_ReturnsSignals(t *testing.T) {
	h := newTestHandlers(t)
	body, _ := json.Marshal(map[string]interface{}{"symbols": []string{"AAPL", "MSFT"}, "as_of_date": "2024-12-31"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/signals/generate", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()

	h.HandleGenerate(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp["signals"], 2)
}

func TestHandleModelInfo_ReturnsActiveVersion(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/model/info", nil)
	rec := httptest.NewRecorder()

	h.HandleModelInfo(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "v1", resp["version"])
}
