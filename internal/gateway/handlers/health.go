package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/circuit"
	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/keypool"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/logging"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// CircuitReader reads and resets breaker state
type CircuitReader interface {
	State(ctx context.Context, provider string) (circuit.Snapshot, error)
	Reset(ctx context.Context, provider string) error
}

// PoolReader reports key availability of one provider pool
type PoolReader interface {
	Provider() string
	Availability(ctx context.Context) (keypool.Availability, error)
}

type HealthHandler struct {
	redis   Pinger
	db      Pinger
	breaker CircuitReader
	pools   []PoolReader
	timeout time.Duration
}

func NewHealthHandler(redis, db Pinger, breaker CircuitReader, pools ...PoolReader) *HealthHandler {
	return &HealthHandler{redis: redis, db: db, breaker: breaker, pools: pools, timeout: 2 * time.Second}
}

type providerHealth struct {
	Name    string                `json:"name"`
	Circuit *circuit.Snapshot     `json:"circuit,omitempty"`
	Keys    *keypool.Availability `json:"keys,omitempty"`
}

type healthResponse struct {
	Status    string           `json:"status"`
	Redis     string           `json:"redis"`
	Database  string           `json:"database"`
	Providers []providerHealth `json:"providers"`
}

func pingStatus(ctx context.Context, p Pinger) string {
	if p == nil {
		return "disabled"
	}
	if err := p.Ping(ctx); err != nil {
		logging.FromContext(ctx).Warn("health check failed", slog.Any("error", err))
		return "down"
	}
	return "ok"
}

// HandleHealth handles GET /health. Only a Redis outage makes the gateway
// unhealthy; everything else degrades.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := healthResponse{
		Status:    "ok",
		Redis:     pingStatus(ctx, h.redis),
		Database:  pingStatus(ctx, h.db),
		Providers: make([]providerHealth, 0, len(h.pools)),
	}

	for _, pool := range h.pools {
		ph := providerHealth{Name: pool.Provider()}
		if resp.Redis == "ok" {
			if snap, err := h.breaker.State(ctx, ph.Name); err == nil {
				ph.Circuit = &snap
				if snap.State == circuit.StateOpen {
					resp.Status = "degraded"
				}
			}
			if av, err := pool.Availability(ctx); err == nil {
				ph.Keys = &av
				if av.Available == 0 {
					resp.Status = "degraded"
				}
			}
		}
		resp.Providers = append(resp.Providers, ph)
	}

	status := http.StatusOK
	switch {
	case resp.Redis != "ok":
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	case resp.Database != "ok":
		resp.Status = "degraded"
	}
	writeJSON(w, status, resp)
}
