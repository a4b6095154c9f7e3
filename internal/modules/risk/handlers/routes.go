package handlers

import "github.com/go-chi/chi/v5"

// Routes mounts the risk manager endpoints onto r.
func (h *Handlers) Routes(r chi.Router) {
	r.Route("/api/v1/risk", func(r chi.Router) {
		r.Post("/plan", h.HandlePlan)
	})
}
