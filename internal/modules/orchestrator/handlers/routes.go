package handlers

import "github.com/go-chi/chi/v5"

// Routes mounts the orchestrator endpoints onto r.
func (h *Handlers) Routes(r chi.Router) {
	r.Route("/api/v1/orchestration/runs", func(r chi.Router) {
		r.Post("/", h.HandleTrigger)
		r.Get("/", h.HandleListRuns)
		r.Get("/{runID}", h.HandleGetRun)
	})
	r.Get("/api/v1/audit", h.HandleListAudit)
}
