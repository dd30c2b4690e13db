package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/apperr"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/logging"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/models"
)

// DeviceAdmin mutates the device registry
type DeviceAdmin interface {
	SetTier(ctx context.Context, deviceID string, tier models.Tier, subscriptionRef *string) error
	SetBlocked(ctx context.Context, deviceID string, blocked bool) error
	Erase(ctx context.Context, deviceID string) error
}

// CacheAdmin invalidates and reports on cached results
type CacheAdmin interface {
	InvalidateImage(ctx context.Context, hash string) (int64, error)
	InvalidateMode(ctx context.Context, mode models.AnalysisMode) (int64, error)
	Stats(ctx context.Context) (cache.Stats, error)
}

// UsageReporter aggregates durable usage
type UsageReporter interface {
	Summary(ctx context.Context, since time.Time) ([]models.UsageSummary, error)
}

type AdminHandler struct {
	devices   DeviceAdmin
	cache     CacheAdmin
	circuits  CircuitReader
	usage     UsageReporter
	providers map[string]bool
	now       func() time.Time
}

func NewAdminHandler(devices DeviceAdmin, c CacheAdmin, circuits CircuitReader, u UsageReporter, providers []string) *AdminHandler {
	known := make(map[string]bool, len(providers))
	for _, p := range providers {
		known[p] = true
	}
	return &AdminHandler{devices: devices, cache: c, circuits: circuits, usage: u, providers: known, now: time.Now}
}

type setTierRequest struct {
	Tier            string  `json:"tier" validate:"required,oneof=free premium"`
	SubscriptionRef *string `json:"subscription_ref" validate:"omitempty,max=256"`
}

type setBlockedRequest struct {
	Blocked *bool `json:"blocked" validate:"required"`
}

type invalidateRequest struct {
	ImageHash string `json:"image_hash" validate:"required_without=Mode,omitempty,len=64,hexadecimal"`
	Mode      string `json:"mode" validate:"omitempty,oneof=comprehensive fish_id coral_id algae_id pest_id"`
}

// HandleSetTier handles POST /v1/admin/devices/{id}/tier
func (h *AdminHandler) HandleSetTier(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req setTierRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.devices.SetTier(r.Context(), id, models.Tier(req.Tier), req.SubscriptionRef); err != nil {
		writeError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Info("device tier changed", slog.String("device_id", id), slog.String("tier", req.Tier))
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "tier": req.Tier})
}

// HandleSetBlocked handles POST /v1/admin/devices/{id}/block
func (h *AdminHandler) HandleSetBlocked(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req setBlockedRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.devices.SetBlocked(r.Context(), id, *req.Blocked); err != nil {
		writeError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Info("device block changed", slog.String("device_id", id), slog.Bool("blocked", *req.Blocked))
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "blocked": *req.Blocked})
}

// HandleEraseDevice handles DELETE /v1/admin/devices/{id}
func (h *AdminHandler) HandleEraseDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.devices.Erase(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Info("device erased", slog.String("device_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// HandleInvalidateCache handles POST /v1/admin/cache/invalidate. An image
// hash wins over a mode when both are given.
func (h *AdminHandler) HandleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	var (
		n   int64
		err error
	)
	if req.ImageHash != "" {
		n, err = h.cache.InvalidateImage(r.Context(), req.ImageHash)
	} else {
		n, err = h.cache.InvalidateMode(r.Context(), models.AnalysisMode(req.Mode))
	}
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.CodeInternal, "cache invalidation failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

// HandleCacheStats handles GET /v1/admin/cache/stats
func (h *AdminHandler) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.cache.Stats(r.Context())
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.CodeInternal, "cache stats unavailable", err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleResetCircuit handles POST /v1/admin/circuits/{provider}/reset
func (h *AdminHandler) HandleResetCircuit(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if !h.providers[provider] {
		writeError(w, r, apperr.New(apperr.CodeNotFound, "unknown provider").WithDetails(map[string]any{"provider": provider}))
		return
	}
	if err := h.circuits.Reset(r.Context(), provider); err != nil {
		writeError(w, r, apperr.Wrap(apperr.CodeInternal, "circuit reset failed", err))
		return
	}
	snap, err := h.circuits.State(r.Context(), provider)
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.CodeInternal, "circuit state unavailable", err))
		return
	}
	logging.FromContext(r.Context()).Info("circuit reset", slog.String("provider", provider))
	writeJSON(w, http.StatusOK, snap)
}

// HandleUsageSummary handles GET /v1/admin/usage/summary?since=RFC3339
func (h *AdminHandler) HandleUsageSummary(w http.ResponseWriter, r *http.Request) {
	since := h.now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, apperr.Wrap(apperr.CodeInvalidRequest, "since must be RFC3339", err))
			return
		}
		since = t
	}
	rows, err := h.usage.Summary(r.Context(), since)
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.CodeInternal, "usage summary unavailable", err))
		return
	}
	if rows == nil {
		rows = []models.UsageSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"since": since.UTC(), "providers": rows})
}
