package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/incentive-disbursement/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса выплат.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(chimiddleware.Recoverer)

	// Тело вебхука подписано, поэтому оно не проходит через gzip.
	r.Post("/webhooks/reward-gateway", h.RewardWebhook)

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(custommiddleware.GzipMiddleware)

		r.Post("/session", h.CreateSession)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/payouts/otp", h.IssueOTP)
			r.Post("/payouts", h.Disburse)

			r.Get("/records/{id}", h.GetRecord)
			r.Post("/records/{id}/clear", h.ClearRecord)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
