package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/analyzer"
	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/usage"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/apperr"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/logging"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/models"
)

var errNotFound = apperr.New(apperr.CodeNotFound, "route not found")

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
	Details any         `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err in the error envelope. Errors outside the taxonomy
// become INTERNAL and their text is not leaked.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		appErr = apperr.Wrap(apperr.CodeInternal, "internal error", err)
	}

	status := apperr.HTTPStatus(appErr.Code)
	if d, ok := appErr.Details.(analyzer.LimitDetails); ok {
		setLimitHeaders(w, d.Limit, d.Remaining, d.ResetAt.Unix(), d.Tier)
		if secs := d.ResetAt.Unix() - nowUnix(); secs > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		}
	}

	lg := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		lg.Error("request failed", slog.String("code", string(appErr.Code)), slog.Any("error", err))
	} else {
		lg.Info("request rejected", slog.String("code", string(appErr.Code)), slog.String("message", appErr.Message))
	}

	writeJSON(w, status, errorEnvelope{Error: apiError{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details}})
}

func setLimitHeaders(w http.ResponseWriter, limit, remaining int, resetUnix int64, tier models.Tier) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetUnix, 10))
	if tier != "" {
		w.Header().Set("X-Tier", string(tier))
	}
}

func setUsageHeaders(w http.ResponseWriter, d usage.Daily) {
	setLimitHeaders(w, d.Limit, d.Remaining, d.ResetAt.Unix(), d.Tier)
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

var nowUnix = func() int64 { return time.Now().Unix() }

func getValidator() *validator.Validate {
	vldOnce.Do(func() {
		vld = validator.New()
		// report fields by their json names
		vld.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return vld
}

// decodeAndValidate reads a JSON body into dst and validates its tags
func decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.New(apperr.CodeInvalidRequest, "request body too large").WithDetails(map[string]any{"max_bytes": tooLarge.Limit})
		}
		return apperr.Wrap(apperr.CodeInvalidRequest, "invalid json", err)
	}
	if err := getValidator().Struct(dst); err != nil {
		verrs := map[string]string{}
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				verrs[fe.Field()] = fe.Tag()
			}
		}
		return apperr.New(apperr.CodeInvalidRequest, "validation failed").WithDetails(verrs)
	}
	return nil
}
