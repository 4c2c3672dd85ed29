package orders

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes attaches order routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.show)
		r.Post("/items", h.addItems)
		r.Patch("/items/{itemID}", h.changeQuantity)
		r.Delete("/items/{itemID}", h.removeItem)
		r.Post("/split", h.split)
		r.Post("/merge", h.merge)
		r.Post("/cancel", h.cancel)
	})
}
