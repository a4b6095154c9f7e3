// Package handlers exposes the orchestrator's HTTP contract: triggering
// a paper run and reading back its record (§4.6, §6 External Interfaces).
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/aristath/execplane/internal/audit"
	"github.com/aristath/execplane/internal/common/apierr"
	"github.com/aristath/execplane/internal/domain"
	"github.com/aristath/execplane/internal/modules/orchestrator"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handlers implements the orchestrator's HTTP endpoints.
type Handlers struct {
	driver    *orchestrator.Driver
	repo      *orchestrator.Repository
	auditRepo *audit.Repository
	log       zerolog.Logger
}

// New builds the orchestrator handlers.
func New(driver *orchestrator.Driver, repo *orchestrator.Repository, auditRepo *audit.Repository, log zerolog.Logger) *Handlers {
	return &Handlers{driver: driver, repo: repo, auditRepo: auditRepo, log: log.With().Str("handler", "orchestrator").Logger()}
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

type triggerRequest struct {
	Date string `json:"date"`
}

type runResponse struct {
	RunID      string                `json:"run_id"`
	Date       string                `json:"date"`
	StrategyID string                `json:"strategy_id"`
	Trigger    string                `json:"trigger"`
	Outcome    string                `json:"outcome"`
	Stages     []domain.StageOutcome `json:"stages"`
}

func toRunResponse(run *domain.RunRecord) runResponse {
	return runResponse{
		RunID: run.RunID, Date: run.Date, StrategyID: run.StrategyID, Trigger: run.Trigger,
		Outcome: string(run.Outcome), Stages: run.Stages,
	}
}

// HandleTrigger starts a manual paper run for the given date (defaults
// to today, UTC) and blocks until it reaches a terminal outcome.
func (h *Handlers) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	date := req.Date
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}

	run, err := h.driver.Run(r.Context(), date, "manual")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(run))
}

// HandleGetRun reads back one run by its run_id.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := h.repo.GetByRunID(r.Context(), runID)
	if err != nil {
		writeError(w, apierr.NewStorageError(true, err))
		return
	}
	if run == nil {
		writeError(w, apierr.NewValidationError("no run found for run_id %q", runID))
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(run))
}

// HandleListRuns lists recent runs, newest first.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.repo.List(r.Context(), 50)
	if err != nil {
		writeError(w, apierr.NewStorageError(true, err))
		return
	}
	out := make([]runResponse, 0, len(runs))
	for i := range runs {
		out = append(out, toRunResponse(&runs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": out})
}

// HandleListAudit reads back recent audit events, newest first. This is
// the console UI's read path onto the control plane's audit trail (§6).
func (h *Handlers) HandleListAudit(w http.ResponseWriter, r *http.Request) {
	events, err := h.auditRepo.List(r.Context(), 100)
	if err != nil {
		writeError(w, apierr.NewStorageError(true, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}
