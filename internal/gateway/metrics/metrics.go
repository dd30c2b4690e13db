package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"route", "method"},
	)

	AnalyzeOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyze_outcomes_total",
			Help: "Analyze calls by outcome code (ok, cache_hit, idempotent, or an error code)",
		},
		[]string{"outcome"},
	)
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Upstream provider calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Upstream provider call duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"provider"},
	)
	ProviderCostUSD = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_cost_usd_total",
			Help: "Estimated upstream spend in USD",
		},
		[]string{"provider"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Image cache and idempotency hits",
		},
		[]string{"kind"},
	)
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit state per provider (0 closed, 1 half-open, 2 open)",
		},
		[]string{"provider"},
	)
	KeysAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keypool_available_keys",
			Help: "Keys currently eligible for selection",
		},
		[]string{"provider"},
	)
	KeysCoolingDown = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keypool_cooling_down_keys",
			Help: "Keys in an upstream rate-limit cooldown",
		},
		[]string{"provider"},
	)
)

// Register registers every collector with reg
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AnalyzeOutcomesTotal,
		ProviderRequestsTotal,
		ProviderRequestDuration,
		ProviderCostUSD,
		CacheHitsTotal,
		CircuitState,
		KeysAvailable,
		KeysCoolingDown,
	)
}

// HTTPMiddleware records Prometheus metrics for each request.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Route pattern may be unavailable outside chi router
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
