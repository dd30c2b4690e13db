package handlers

import (
	"context"
	"net/http"

	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/usage"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/apperr"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/models"
)

// QuotaReader reports a device's daily quota
type QuotaReader interface {
	Daily(ctx context.Context, device *models.Device) (usage.Daily, error)
}

type UsageHandler struct {
	usage QuotaReader
}

func NewUsageHandler(u QuotaReader) *UsageHandler {
	return &UsageHandler{usage: u}
}

// HandleUsage handles GET /v1/usage. Runs behind RequireDevice.
func (h *UsageHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceFrom(r.Context())
	if !ok {
		writeError(w, r, apperr.New(apperr.CodeUnauthorized, "missing device"))
		return
	}
	daily, err := h.usage.Daily(r.Context(), device)
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.CodeInternal, "usage unavailable", err))
		return
	}
	setUsageHeaders(w, daily)
	writeJSON(w, http.StatusOK, daily)
}
