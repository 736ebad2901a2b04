package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/benefits-system/internal/middleware"
)

// pathID извлекает идентификатор из URL-параметра chi.
func pathID(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(custommiddleware.Metrics)

	r.Route("/api", func(r chi.Router) {
		r.Post("/redemptions", h.Redeem)
		r.Post("/codes/parse", h.ParseCode)

		r.Route("/members/{id}", func(r chi.Router) {
			r.Get("/status", h.MemberStatus)
			r.Get("/redemptions", h.RedemptionHistory)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.Middleware)

				r.Post("/sync", h.SyncMember)
				r.Post("/link", h.Link)
				r.Post("/unlink", h.Unlink)
			})
		})

		r.Route("/associations/{id}", func(r chi.Router) {
			r.Get("/summary", h.AssociationSummary)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.Middleware)

				r.Post("/sync", h.SyncAssociation)
			})
		})
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
