/**
 * @description
 * HTTP router setup for the reward service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers reward routes.
func NewRouter(h *Handler, memberSecret string, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Reward service is healthy"))
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/pools/close-expired", h.handleCloseExpiredPools)
		r.Post("/pools/{id}/close", h.handleClosePool)
		r.Post("/settlements/run", h.handleSettleAll)
		r.Post("/settlements/{familyID}", h.handleSettleFamily)
		r.Post("/payments/retry", h.handleRetryFailedPayments)
		r.Get("/payments/stats", h.handleGetPaymentStats)
	})

	r.Group(func(r chi.Router) {
		r.Use(MemberAuthMiddleware(memberSecret))
		r.Post("/pools/contributions", h.handleContribute)
		r.Get("/pools/current", h.handleGetCurrentPool)
		r.Get("/payment-methods", h.handleListPaymentMethods)
		r.Put("/payment-methods/primary", h.handleSetPrimaryPaymentMethod)
	})

	return r
}
