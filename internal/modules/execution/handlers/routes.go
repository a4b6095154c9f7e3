package handlers

import "github.com/go-chi/chi/v5"

// Routes mounts the execution gateway endpoints onto r.
func (h *Handlers) Routes(r chi.Router) {
	r.Route("/api/v1/orders", func(r chi.Router) {
		r.Post("/", h.HandleSubmitOrder)
		r.Get("/", h.HandleListOrders)
		r.Post("/{id}/cancel", h.HandleCancelOrder)
		r.Post("/cancel-all", h.HandleCancelAll)
	})
	r.Route("/api/v1/positions", func(r chi.Router) {
		r.Get("/", h.HandleListPositions)
		r.Post("/flatten-all", h.HandleFlattenAll)
	})
	r.Get("/api/v1/quotes", h.HandleGetQuotes)
	r.Post("/webhooks/broker", h.HandleWebhook)
}
