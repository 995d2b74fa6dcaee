package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skygames/payout-engine/internal/api/handler"
	"github.com/skygames/payout-engine/internal/api/middleware"
	"github.com/skygames/payout-engine/internal/service"
	"go.uber.org/zap"
)

// RouterConfig carries the surface-level knobs.
type RouterConfig struct {
	JWTSecret         string
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter assembles the HTTP surface.
func NewRouter(payouts *service.PayoutService, admin *service.AdminService, cfg RouterConfig, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Trace)
	r.Use(middleware.Recover(log))
	r.Use(middleware.Logging(log))
	r.Use(middleware.Metrics)
	if cfg.RateLimitRequests > 0 {
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
	}

	r.Get("/healthz", handler.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	payoutHandler := handler.NewPayoutHandler(payouts, log)
	adminHandler := handler.NewAdminHandler(admin, log)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(cfg.JWTSecret))

		r.Route("/payouts", func(r chi.Router) {
			r.Post("/", payoutHandler.Create)
			r.Get("/{id}", payoutHandler.Get)
			r.Post("/{id}/signature", payoutHandler.AttachSignature)
			r.Post("/{id}/submit", payoutHandler.Submit)
			r.Post("/{id}/confirm", payoutHandler.Confirm)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleAdmin))

			r.Post("/confirmation-tokens", adminHandler.RequestToken)
			r.Post("/transactions/{id}/force-resolve", adminHandler.ForceResolve)
			r.Post("/transactions/{id}/resubmit", adminHandler.Resubmit)
			r.Post("/reconciliation", adminHandler.Reconcile)
			r.Get("/audit-logs", adminHandler.ListAuditLogs)
		})
	})

	return r
}
