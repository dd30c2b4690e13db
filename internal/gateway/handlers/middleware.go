package handlers

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"

	"github.com/mrmushfiq/reefscan-gateway/internal/shared/apperr"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/logging"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/models"
)

type ctxKey int

const (
	deviceKey ctxKey = iota
	requestIDKey
)

// DeviceVerifier resolves a bearer access token to a device
type DeviceVerifier interface {
	Verify(ctx context.Context, accessToken string) (*models.Device, error)
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // ULID entropy only
)

func newReqID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulidEntropy)
	if err != nil {
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return id.String()
}

// RequestID tags every request with an id, echoes it in X-Request-Id and
// attaches a request-scoped logger. A client supplied id is reused.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" || len(reqID) > 128 {
			reqID = newReqID()
		}
		lg := slog.Default().With(slog.String("request_id", reqID))
		ctx := logging.WithLogger(r.Context(), lg)
		ctx = context.WithValue(ctx, requestIDKey, reqID)
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccessLog logs one line per request
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		attrs := []any{
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.Int("bytes", ww.BytesWritten()),
		}
		lg := logging.FromContext(r.Context())
		switch {
		case status >= 500:
			lg.Error("http request", attrs...)
		case status >= 400:
			lg.Warn("http request", attrs...)
		default:
			lg.Info("http request", attrs...)
		}
	})
}

// Recoverer turns panics into a 500 envelope
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logging.FromContext(r.Context()).Error("panic recovered", slog.Any("recover", rec))
				writeError(w, r, apperr.New(apperr.CodeInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token of an "Authorization: Bearer" header
func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// RequireDevice verifies the bearer access token and stores the device in
// the request context
func RequireDevice(verifier DeviceVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, r, apperr.New(apperr.CodeUnauthorized, "missing bearer token"))
				return
			}
			device, err := verifier.Verify(r.Context(), token)
			if err != nil {
				writeError(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), deviceKey, device)
			ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With(slog.String("device_id", device.ID)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// deviceFrom returns the device stored by RequireDevice
func deviceFrom(ctx context.Context) (*models.Device, bool) {
	d, ok := ctx.Value(deviceKey).(*models.Device)
	return d, ok && d != nil
}

// AdminOnly guards operator endpoints with a static bearer token
func AdminOnly(adminToken string) func(http.Handler) http.Handler {
	want := []byte(adminToken)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(bearerToken(r))
			if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, r, apperr.New(apperr.CodeUnauthorized, "admin token required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
