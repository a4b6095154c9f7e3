// Package handlers exposes the reconciler's HTTP contract: readiness
// status and a manual trigger for operators (§4.5, §6 External Interfaces).
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/aristath/execplane/internal/common/apierr"
	"github.com/aristath/execplane/internal/modules/reconciler"
	"github.com/rs/zerolog"
)

// Handlers implements the reconciler's HTTP endpoints.
type Handlers struct {
	svc *reconciler.Service
	log zerolog.Logger
}

// New builds the reconciler handlers.
func New(svc *reconciler.Service, log zerolog.Logger) *Handlers {
	return &Handlers{svc: svc, log: log.With().Str("handler", "reconciler").Logger()}
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

type statusResponse struct {
	Ready bool `json:"ready"`
}

// HandleStatus reports whether the reconciled gate is currently set.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ready, err := h.svc.Ready(r.Context())
	if err != nil {
		writeError(w, apierr.NewStorageError(true, err))
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Ready: ready})
}

type runResponse struct {
	Trigger         string   `json:"trigger"`
	Outcome         string   `json:"outcome"`
	MissingCanceled []string `json:"missing_canceled,omitempty"`
	ShadowInserted  []string `json:"shadow_inserted,omitempty"`
	StaleCanceled   []string `json:"stale_canceled,omitempty"`
	PositionsHealed []string `json:"positions_healed,omitempty"`
	FailureReason   string   `json:"failure_reason,omitempty"`
}

// HandleRun triggers an out-of-cycle reconciliation pass.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Reconcile(r.Context(), "manual")
	if err != nil {
		writeJSON(w, http.StatusOK, runResponse{
			Trigger: result.Trigger, Outcome: result.Outcome, FailureReason: result.FailureReason,
		})
		return
	}
	writeJSON(w, http.StatusOK, runResponse{
		Trigger: result.Trigger, Outcome: result.Outcome,
		MissingCanceled: result.MissingCanceled, ShadowInserted: result.ShadowInserted,
		StaleCanceled: result.StaleCanceled, PositionsHealed: result.PositionsHealed,
	})
}
