package handlers

import (
	"context"
	"net/http"

	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/auth"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/apperr"
)

// TokenIssuer is the device-facing half of the auth service
type TokenIssuer interface {
	Register(ctx context.Context, in auth.RegisterInput) (*auth.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	Revoke(ctx context.Context, deviceID string) error
}

type AuthHandler struct {
	auth TokenIssuer
}

func NewAuthHandler(a TokenIssuer) *AuthHandler {
	return &AuthHandler{auth: a}
}

type registerRequest struct {
	DeviceID   string `json:"device_id" validate:"required,uuid"`
	Platform   string `json:"platform" validate:"required,max=32"`
	AppVersion string `json:"app_version" validate:"omitempty,max=32"`
	AppSecret  string `json:"app_secret" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// HandleRegister handles POST /v1/auth/register
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	pair, err := h.auth.Register(r.Context(), auth.RegisterInput{
		DeviceID:   req.DeviceID,
		Platform:   req.Platform,
		AppVersion: req.AppVersion,
		AppSecret:  req.AppSecret,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// HandleRefresh handles POST /v1/auth/refresh
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	pair, err := h.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// HandleRevoke handles POST /v1/auth/revoke. Runs behind RequireDevice.
func (h *AuthHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceFrom(r.Context())
	if !ok {
		writeError(w, r, apperr.New(apperr.CodeUnauthorized, "missing device"))
		return
	}
	if err := h.auth.Revoke(r.Context(), device.ID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
