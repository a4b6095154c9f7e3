// Package handlers exposes the Model Registry & Signal Service's HTTP
// contract (§4.1 Public contract).
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/aristath/execplane/internal/common/apierr"
	"github.com/aristath/execplane/internal/modules/signals"
	"github.com/rs/zerolog"
)

// Handlers implements the signal service's HTTP endpoints.
type Handlers struct {
	service  *signals.Service
	registry *signals.Registry
	log      zerolog.Logger
}

// New builds the signal service handlers.
func New(service *signals.Service, registry *signals.Registry, log zerolog.Logger) *Handlers {
	return &Handlers{service: service, registry: registry, log: log.With().Str("handler", "signals").Logger()}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apierr.HTTPStatus(err), map[string]string{"error": err.Error()})
}

// HandleHealth reports liveness and whether a model is currently loaded.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	_, meta, err := h.registry.Current()
	body := map[string]interface{}{"status": "ok", "model_loaded": err == nil}
	if meta != nil {
		body["model_version"] = meta.Version
	}
	writeJSON(w, http.StatusOK, body)
}

type generateRequest struct {
	Symbols    []string `json:"symbols"`
	AsOfDate   string   `json:"as_of_date"`
	StrategyID string   `json:"strategy_id,omitempty"`
}

type signalResponse struct {
	Symbol          string  `json:"symbol"`
	PredictedReturn float64 `json:"predicted_return"`
	Rank            int     `json:"rank"`
	TargetWeight    float64 `json:"target_weight"`
}

// HandleGenerate computes target weights for the requested universe.
func (h *Handlers) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.NewValidationError("malformed request body: %s", err))
		return
	}
	if req.AsOfDate == "" {
		writeError(w, apierr.NewValidationError("as_of_date is required"))
		return
	}

	result, err := h.service.Generate(r.Context(), req.Symbols, req.AsOfDate)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]signalResponse, 0, len(result.Signals))
	for _, s := range result.Signals {
		out = append(out, signalResponse{Symbol: s.Symbol, PredictedReturn: s.PredictedReturn, Rank: s.Rank, TargetWeight: s.TargetWeight})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"signals": out,
		"metadata": map[string]interface{}{
			"model_version": result.ModelVersion,
			"generated_at":  result.GeneratedAt.Format(time.RFC3339),
			"warning":       result.Warning,
		},
	})
}

// HandleModelInfo reports the currently loaded model's version and
// performance metrics.
func (h *Handlers) HandleModelInfo(w http.ResponseWriter, r *http.Request) {
	_, meta, err := h.registry.Current()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategy_id":         meta.StrategyID,
		"version":             meta.Version,
		"model_path":          meta.ModelPath,
		"performance_metrics": json.RawMessage(meta.PerformanceMetrics),
		"activated_at":        meta.ActivatedAt,
	})
}

// HandleReload forces an immediate registry poll.
func (h *Handlers) HandleReload(w http.ResponseWriter, r *http.Request) {
	reloaded, previous, current, err := h.registry.Reload(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{"reloaded": reloaded, "current_version": current}
	if previous != "" {
		resp["previous_version"] = previous
	}
	writeJSON(w, http.StatusOK, resp)
}
