package handlers

import "github.com/go-chi/chi/v5"

// Routes mounts the reconciler endpoints onto r.
func (h *Handlers) Routes(r chi.Router) {
	r.Route("/api/v1/reconciliation", func(r chi.Router) {
		r.Get("/status", h.HandleStatus)
		r.Post("/run", h.HandleRun)
	})
}
