// Package analyzer runs one image analysis end to end: admission, dedup,
// routing across providers and keys, and accounting.
package analyzer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/keypool"
	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/metrics"
	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/usage"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/apperr"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/clock"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/logging"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/models"
)

// ProviderCache is the provider name reported for cached and replayed results
const ProviderCache = "cache"

type Verifier interface {
	Verify(ctx context.Context, accessToken string) (*models.Device, error)
}

type Limiter interface {
	Check(ctx context.Context, deviceID string, tier models.Tier) ratelimit.Result
	CheckIP(ctx context.Context, ip string) ratelimit.Result
	Peek(ctx context.Context, deviceID string, tier models.Tier) (ratelimit.Result, error)
	DailyLimit(tier models.Tier) int
}

type ResultCache interface {
	GetCachedResult(ctx context.Context, hash string, mode models.AnalysisMode) *models.AnalysisResult
	CacheResult(ctx context.Context, hash string, mode models.AnalysisMode, res *models.AnalysisResult) error
	GetIdempotent(ctx context.Context, deviceID, requestID string) *models.AnalysisResult
	SetIdempotent(ctx context.Context, deviceID, requestID string, res *models.AnalysisResult) error
}

type KeyPool interface {
	SelectKey(ctx context.Context) (*keypool.KeyState, error)
	RecordSuccess(ctx context.Context, keyID string) error
	RecordFailure(ctx context.Context, keyID string, statusCode int) error
}

type Breaker interface {
	ShouldAllow(ctx context.Context, provider string) bool
	RecordSuccess(ctx context.Context, provider string) error
	RecordFailure(ctx context.Context, provider string) error
}

type Recorder interface {
	Record(ctx context.Context, rec models.UsageRecord)
}

// Route is one provider adapter with the key pool that feeds it
type Route struct {
	Adapter providers.Adapter
	Pool    KeyPool
}

// Deps wires the orchestrator
type Deps struct {
	Auth     Verifier
	Limiter  Limiter
	Cache    ResultCache
	Breaker  Breaker
	Usage    Recorder
	Primary  Route
	Fallback *Route
	// Timeout bounds each provider call
	Timeout time.Duration
}

type Service struct {
	deps Deps
	now  func() time.Time
}

// Request is one analyze call
type Request struct {
	AccessToken string
	ClientIP    string
	Image       []byte
	MimeType    string
	Mode        models.AnalysisMode
	RequestID   string
	// Invalid is a payload problem found while decoding. It is reported only
	// when no stored result exists for RequestID.
	Invalid error
}

// Response is a served analysis plus the device's quota status
type Response struct {
	Result     *models.AnalysisResult
	Device     *models.Device
	Usage      usage.Daily
	Cached     bool
	Idempotent bool
	Provider   string
}

// LimitDetails is attached to RATE_LIMIT_EXCEEDED errors
type LimitDetails struct {
	Limit     int              `json:"limit"`
	Remaining int              `json:"remaining"`
	ResetAt   time.Time        `json:"reset_at"`
	Reason    ratelimit.Reason `json:"reason"`
	Tier      models.Tier      `json:"tier,omitempty"`
}

// NewService creates the orchestrator
func NewService(deps Deps) *Service {
	if deps.Timeout <= 0 {
		deps.Timeout = 30 * time.Second
	}
	return &Service{deps: deps, now: time.Now}
}

// Analyze authenticates, admits and serves one analysis request
func (s *Service) Analyze(ctx context.Context, req Request) (*Response, error) {
	device, err := s.deps.Auth.Verify(ctx, req.AccessToken)
	if err != nil {
		return nil, err
	}
	lg := logging.FromContext(ctx).With(slog.String("device_id", device.ID), slog.String("mode", string(req.Mode)))
	ctx = logging.WithLogger(ctx, lg)

	// Retries of a served request replay the stored result untouched, even
	// when the retried payload itself would no longer validate
	if res := s.deps.Cache.GetIdempotent(ctx, device.ID, req.RequestID); res != nil {
		if !req.Mode.Valid() {
			req.Mode = ""
		}
		s.record(ctx, device, req, "", models.UsageRecord{IdempotentHit: true, StatusCode: 200})
		return &Response{
			Result:     res,
			Device:     device,
			Usage:      s.peekUsage(ctx, device),
			Cached:     true,
			Idempotent: true,
			Provider:   ProviderCache,
		}, nil
	}

	if err := validatePayload(req); err != nil {
		return nil, err
	}

	if ipRes := s.deps.Limiter.CheckIP(ctx, req.ClientIP); !ipRes.Allowed {
		return nil, s.rateLimited(ctx, ipRes, device.Tier)
	}
	admission := s.deps.Limiter.Check(ctx, device.ID, device.Tier)
	if !admission.Allowed {
		return nil, s.rateLimited(ctx, admission, device.Tier)
	}
	daily := usage.FromResult(admission, device.Tier)

	hash := cache.HashImage(req.Image)
	if res := s.deps.Cache.GetCachedResult(ctx, hash, req.Mode); res != nil {
		s.storeIdempotent(ctx, device.ID, req.RequestID, res)
		s.record(ctx, device, req, hash, models.UsageRecord{CacheHit: true, StatusCode: 200})
		lg.Info("served from cache", slog.String("image_hash", hash))
		return &Response{Result: res, Device: device, Usage: daily, Cached: true, Provider: ProviderCache}, nil
	}

	preq := providers.AnalyzeRequest{Image: req.Image, MimeType: req.MimeType, Mode: req.Mode}

	out, err := s.attempt(ctx, s.deps.Primary, preq)
	failover := false
	if err != nil && s.deps.Fallback != nil {
		failover = true
		lg.Warn("primary provider failed, trying fallback",
			slog.String("provider", s.deps.Primary.Adapter.Name()),
			slog.String("code", string(apperr.CodeOf(err))))
		out, err = s.attempt(ctx, *s.deps.Fallback, preq)
	}

	if err != nil {
		code := apperr.CodeOf(err)
		codeStr := string(code)
		rec := models.UsageRecord{
			FailoverUsed: failover,
			StatusCode:   apperr.HTTPStatus(code),
			ErrorCode:    &codeStr,
		}
		if out != nil {
			rec.Provider, rec.KeyID, rec.LatencyMs = out.provider, out.keyID, out.latencyMs
		}
		s.record(ctx, device, req, hash, rec)
		return nil, err
	}

	resp := out.resp
	if err := s.deps.Cache.CacheResult(ctx, hash, req.Mode, resp.Result); err != nil {
		lg.Warn("failed to cache result", slog.Any("error", err))
	}
	s.storeIdempotent(ctx, device.ID, req.RequestID, resp.Result)
	s.record(ctx, device, req, hash, models.UsageRecord{
		Provider:         resp.Provider,
		KeyID:            out.keyID,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		CostUSD:          resp.CostUSD,
		LatencyMs:        resp.LatencyMs,
		FailoverUsed:     failover,
		StatusCode:       200,
	})

	return &Response{Result: resp.Result, Device: device, Usage: daily, Provider: resp.Provider}, nil
}

type attemptResult struct {
	resp      *providers.AnalyzeResponse
	provider  string
	keyID     string
	latencyMs int
}

// attempt runs one route: circuit admission, key selection and a single
// bounded call. The returned attemptResult is set whenever a key was used.
func (s *Service) attempt(ctx context.Context, route Route, req providers.AnalyzeRequest) (*attemptResult, error) {
	name := route.Adapter.Name()
	lg := logging.FromContext(ctx).With(slog.String("provider", name))

	if !s.deps.Breaker.ShouldAllow(ctx, name) {
		metrics.ProviderRequestsTotal.WithLabelValues(name, "circuit_open").Inc()
		return nil, apperr.New(apperr.CodeProviderUnavailable, name+" is temporarily unavailable")
	}

	key, err := route.Pool.SelectKey(ctx)
	if err != nil || key == nil {
		metrics.ProviderRequestsTotal.WithLabelValues(name, "no_capacity").Inc()
		lg.Warn("no API key available", slog.Any("error", err))
		return nil, apperr.New(apperr.CodeNoCapacity, "no "+name+" capacity available")
	}
	out := &attemptResult{provider: name, keyID: key.ID()}
	lg = lg.With(slog.String("key_id", key.ID()))

	callCtx, cancel := context.WithTimeout(ctx, s.deps.Timeout)
	defer cancel()

	start := s.now()
	resp, err := route.Adapter.Analyze(callCtx, req, providers.Credential{KeyID: key.ID(), Secret: key.Secret()})
	elapsed := s.now().Sub(start)
	out.latencyMs = int(elapsed.Milliseconds())
	metrics.ProviderRequestDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	if err != nil {
		appErr := classify(name, err)
		metrics.ProviderRequestsTotal.WithLabelValues(name, string(appErr.Code)).Inc()

		// A refused spend never reached the upstream
		if errors.Is(err, providers.ErrCostLimit) {
			lg.Warn("provider refused by daily cost cap")
			return out, appErr
		}

		status := providers.StatusCode(err)
		if rerr := route.Pool.RecordFailure(ctx, key.ID(), status); rerr != nil {
			lg.Warn("failed to record key failure", slog.Any("error", rerr))
		}
		if rerr := s.deps.Breaker.RecordFailure(ctx, name); rerr != nil {
			lg.Warn("failed to record circuit failure", slog.Any("error", rerr))
		}
		lg.Warn("provider call failed",
			slog.String("code", string(appErr.Code)),
			slog.Int("status", status),
			slog.Int("latency_ms", out.latencyMs),
			slog.Any("error", err),
		)
		return out, appErr
	}

	metrics.ProviderRequestsTotal.WithLabelValues(name, "ok").Inc()
	if rerr := route.Pool.RecordSuccess(ctx, key.ID()); rerr != nil {
		lg.Warn("failed to record key success", slog.Any("error", rerr))
	}
	if rerr := s.deps.Breaker.RecordSuccess(ctx, name); rerr != nil {
		lg.Warn("failed to record circuit success", slog.Any("error", rerr))
	}
	lg.Info("provider call succeeded",
		slog.Int("latency_ms", out.latencyMs),
		slog.Int("total_tokens", resp.Usage.TotalTokens),
		slog.Float64("cost_usd", resp.CostUSD),
	)

	out.resp = resp
	return out, nil
}

// classify maps an adapter error onto the client taxonomy
func classify(provider string, err error) *apperr.Error {
	switch {
	case errors.Is(err, providers.ErrCostLimit):
		return apperr.Wrap(apperr.CodeCostLimit, provider+" daily cost limit reached", err)
	case errors.Is(err, providers.ErrParse):
		return apperr.Wrap(apperr.CodeParseError, provider+" returned malformed output", err)
	case errors.Is(err, providers.ErrInvalidResponse):
		return apperr.Wrap(apperr.CodeInvalidResponse, provider+" returned no usable output", err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.CodeProviderError, provider+" timed out", err)
	default:
		return apperr.Wrap(apperr.CodeProviderError, provider+" request failed", err)
	}
}

func (s *Service) rateLimited(ctx context.Context, res ratelimit.Result, tier models.Tier) error {
	metrics.AnalyzeOutcomesTotal.WithLabelValues(string(apperr.CodeRateLimitExceeded)).Inc()
	logging.FromContext(ctx).Info("request rate limited", slog.String("reason", string(res.Reason)))
	return apperr.New(apperr.CodeRateLimitExceeded, "rate limit exceeded").WithDetails(LimitDetails{
		Limit:     res.Limit,
		Remaining: res.Remaining,
		ResetAt:   res.ResetAt,
		Reason:    res.Reason,
		Tier:      tier,
	})
}

var supportedMimeTypes = map[string]bool{"image/jpeg": true, "image/png": true}

// validatePayload checks a request that has no stored result to replay
func validatePayload(req Request) error {
	if req.Invalid != nil {
		var appErr *apperr.Error
		if errors.As(req.Invalid, &appErr) {
			return req.Invalid
		}
		return apperr.Wrap(apperr.CodeInvalidRequest, "invalid request", req.Invalid)
	}
	if !req.Mode.Valid() {
		return apperr.New(apperr.CodeInvalidRequest, "unsupported analysis mode").WithDetails(map[string]any{"mode": req.Mode})
	}
	if len(req.Image) == 0 {
		return apperr.New(apperr.CodeInvalidRequest, "image is empty")
	}
	if !supportedMimeTypes[req.MimeType] {
		return apperr.New(apperr.CodeInvalidRequest, "unsupported mime_type").WithDetails(map[string]any{"mime_type": req.MimeType})
	}
	if detected := mimetype.Detect(req.Image); !detected.Is(req.MimeType) {
		return apperr.New(apperr.CodeInvalidRequest, "image content does not match mime_type").
			WithDetails(map[string]any{"declared": req.MimeType, "detected": detected.String()})
	}
	return nil
}

func (s *Service) peekUsage(ctx context.Context, device *models.Device) usage.Daily {
	res, err := s.deps.Limiter.Peek(ctx, device.ID, device.Tier)
	if err != nil {
		logging.FromContext(ctx).Warn("usage read failed", slog.Any("error", err))
		limit := s.deps.Limiter.DailyLimit(device.Tier)
		return usage.Daily{Limit: limit, Remaining: limit, ResetAt: clock.NextUTCMidnight(s.now()), Tier: device.Tier}
	}
	return usage.FromResult(res, device.Tier)
}

func (s *Service) storeIdempotent(ctx context.Context, deviceID, requestID string, res *models.AnalysisResult) {
	if err := s.deps.Cache.SetIdempotent(ctx, deviceID, requestID, res); err != nil {
		logging.FromContext(ctx).Warn("failed to store idempotency entry", slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, device *models.Device, req Request, hash string, rec models.UsageRecord) {
	rec.DeviceID = device.ID
	rec.Mode = req.Mode
	rec.ImageHash = hash
	if req.RequestID != "" {
		id := req.RequestID
		rec.RequestID = &id
	}
	s.deps.Usage.Record(ctx, rec)
}
