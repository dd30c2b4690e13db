package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/metrics"
)

// RouterConfig carries every handler the gateway mounts. A nil Admin
// leaves the admin routes unmounted.
type RouterConfig struct {
	Analyze  *AnalyzeHandler
	Auth     *AuthHandler
	Usage    *UsageHandler
	Health   *HealthHandler
	Admin    *AdminHandler
	Verifier DeviceVerifier

	AdminToken         string
	AuthPerMinutePerIP int
	MetricsHandler     http.Handler
}

// NewRouter builds the HTTP surface of the gateway
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.AuthPerMinutePerIP <= 0 {
		cfg.AuthPerMinutePerIP = 20
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(RequestID)
	r.Use(AccessLog)
	r.Use(metrics.HTTPMiddleware)
	r.Use(Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-Tier", "Retry-After"},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errNotFound)
	})

	r.Get("/health", cfg.Health.HandleHealth)
	r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/analyze", cfg.Analyze.HandleAnalyze)

		r.Group(func(r chi.Router) {
			r.Use(RequireDevice(cfg.Verifier))
			r.Get("/usage", cfg.Usage.HandleUsage)
		})

		r.Route("/auth", func(r chi.Router) {
			r.Use(httprate.LimitByIP(cfg.AuthPerMinutePerIP, time.Minute))
			r.Post("/register", cfg.Auth.HandleRegister)
			r.Post("/refresh", cfg.Auth.HandleRefresh)
			r.With(RequireDevice(cfg.Verifier)).Post("/revoke", cfg.Auth.HandleRevoke)
		})

		if cfg.Admin != nil && cfg.AdminToken != "" {
			r.Route("/admin", func(r chi.Router) {
				r.Use(AdminOnly(cfg.AdminToken))
				r.Post("/devices/{id}/tier", cfg.Admin.HandleSetTier)
				r.Post("/devices/{id}/block", cfg.Admin.HandleSetBlocked)
				r.Delete("/devices/{id}", cfg.Admin.HandleEraseDevice)
				r.Post("/cache/invalidate", cfg.Admin.HandleInvalidateCache)
				r.Get("/cache/stats", cfg.Admin.HandleCacheStats)
				r.Post("/circuits/{provider}/reset", cfg.Admin.HandleResetCircuit)
				r.Get("/usage/summary", cfg.Admin.HandleUsageSummary)
			})
		}
	})

	return r
}
