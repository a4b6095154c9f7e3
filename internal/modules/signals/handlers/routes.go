package handlers

import "github.com/go-chi/chi/v5"

// Routes mounts the signal service endpoints onto r.
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/health", h.HandleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/signals/generate", h.HandleGenerate)
		r.Get("/model/info", h.HandleModelInfo)
		r.Post("/model/reload", h.HandleReload)
	})
}
