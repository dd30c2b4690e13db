package analyzer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/circuit"
	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/keypool"
	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/apperr"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/models"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/redis"
)

type fakeAuth struct {
	device *models.Device
	err    error
}

func (f fakeAuth) Verify(_ context.Context, _ string) (*models.Device, error) {
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.device
	return &cp, nil
}

type fakeAdapter struct {
	name  string
	calls int32
	fn    func(ctx context.Context, cred providers.Credential) (*providers.AnalyzeResponse, error)
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Analyze(ctx context.Context, _ providers.AnalyzeRequest, cred providers.Credential) (*providers.AnalyzeResponse, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.fn(ctx, cred)
}

func (f *fakeAdapter) callCount() int { return int(atomic.LoadInt32(&f.calls)) }

func succeed(provider, summary string) func(context.Context, providers.Credential) (*providers.AnalyzeResponse, error) {
	return func(context.Context, providers.Credential) (*providers.AnalyzeResponse, error) {
		return &providers.AnalyzeResponse{
			Result: &models.AnalysisResult{
				TankHealth:      models.HealthGood,
				Summary:         summary,
				Identifications: []models.Identification{{Name: "Ocellaris clownfish", Category: "fish", Confidence: 0.95}},
				Recommendations: []string{},
			},
			Provider: provider,
			Usage:    providers.TokenUsage{PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500},
			CostUSD:  0.002,
		}, nil
	}
}

func fail(err error) func(context.Context, providers.Credential) (*providers.AnalyzeResponse, error) {
	return func(context.Context, providers.Credential) (*providers.AnalyzeResponse, error) {
		return nil, err
	}
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []models.UsageRecord
}

func (f *fakeRecorder) Record(_ context.Context, rec models.UsageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
}

func (f *fakeRecorder) last() models.UsageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[len(f.records)-1]
}

type harness struct {
	svc      *Service
	mr       *miniredis.Miniredis
	store    *redis.Client
	breaker  *circuit.Breaker
	primary  *fakeAdapter
	fallback *fakeAdapter
	gemini   *keypool.Pool
	openai   *keypool.Pool
	usage    *fakeRecorder
}

type harnessOpts struct {
	fallback bool
	tier     models.Tier
	limits   *ratelimit.Limits
	timeout  time.Duration
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := redis.New(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if o.tier == "" {
		o.tier = models.TierFree
	}
	limits := ratelimit.Limits{FreeDaily: 3, PremiumDaily: 20, DevicePerMinute: 5, GlobalPerMinute: 500, IPPerHour: 60}
	if o.limits != nil {
		limits = *o.limits
	}

	h := &harness{
		mr:       mr,
		store:    store,
		breaker:  circuit.New(store, circuit.DefaultConfig()),
		primary:  &fakeAdapter{name: providers.ProviderGemini, fn: succeed(providers.ProviderGemini, "from gemini")},
		fallback: &fakeAdapter{name: providers.ProviderOpenAI, fn: succeed(providers.ProviderOpenAI, "from openai")},
		gemini:   keypool.New(providers.ProviderGemini, []models.ApiKeyConfig{{ID: "g1", Secret: "gs1", RPMLimit: 15}}, keypool.DefaultPolicy(), store),
		openai:   keypool.New(providers.ProviderOpenAI, []models.ApiKeyConfig{{ID: "o1", Secret: "os1", RPMLimit: 15}}, keypool.DefaultPolicy(), store),
		usage:    &fakeRecorder{},
	}

	deps := Deps{
		Auth:    fakeAuth{device: &models.Device{ID: "d1", Tier: o.tier, TokenVersion: 1}},
		Limiter: ratelimit.New(store, limits),
		Cache:   cache.New(store, cache.Options{Enabled: true, TTL: 7 * 24 * time.Hour, IdempotencyTTL: 24 * time.Hour}),
		Breaker: h.breaker,
		Usage:   h.usage,
		Primary: Route{Adapter: h.primary, Pool: h.gemini},
		Timeout: o.timeout,
	}
	if o.fallback {
		deps.Fallback = &Route{Adapter: h.fallback, Pool: h.openai}
	}
	h.svc = NewService(deps)
	return h
}

// jpeg returns bytes that sniff as a JPEG and differ per name
func jpeg(name string) []byte {
	if name == "" {
		return nil
	}
	return append([]byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}, name...)
}

func request(image, requestID string) Request {
	return Request{
		AccessToken: "token",
		ClientIP:    "203.0.113.7",
		Image:       jpeg(image),
		MimeType:    "image/jpeg",
		Mode:        models.ModeFishID,
		RequestID:   requestID,
	}
}

func tripCircuit(t *testing.T, b *circuit.Breaker, provider string) {
	t.Helper()
	for i := 0; i < circuit.DefaultConfig().FailureThreshold; i++ {
		require.NoError(t, b.RecordFailure(context.Background(), provider))
	}
}

func assertCode(t *testing.T, err error, code apperr.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, apperr.CodeOf(err))
}

func TestAnalyze_PrimarySuccess(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	resp, err := h.svc.Analyze(ctx, request("tank-1", "req-1"))
	require.NoError(t, err)
	assert.Equal(t, "from gemini", resp.Result.Summary)
	assert.Equal(t, providers.ProviderGemini, resp.Provider)
	assert.False(t, resp.Cached)
	assert.Equal(t, 1, resp.Usage.Used)
	assert.Equal(t, 3, resp.Usage.Limit)
	assert.Equal(t, 2, resp.Usage.Remaining)

	rec := h.usage.last()
	assert.Equal(t, "d1", rec.DeviceID)
	assert.Equal(t, providers.ProviderGemini, rec.Provider)
	assert.Equal(t, "g1", rec.KeyID)
	assert.Equal(t, 1500, rec.TotalTokens)
	assert.InDelta(t, 0.002, rec.CostUSD, 1e-12)
	assert.Equal(t, 200, rec.StatusCode)
	require.NotNil(t, rec.RequestID)
	assert.Equal(t, "req-1", *rec.RequestID)
	assert.Nil(t, rec.ErrorCode)

	assert.True(t, h.mr.Exists("cache:image:"+cache.HashImage(jpeg("tank-1"))+":fish_id"))
	assert.True(t, h.mr.Exists("idempotency:d1:req-1"))
}

func TestAnalyze_CacheHitSkipsProvider(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	_, err := h.svc.Analyze(ctx, request("tank-1", "req-1"))
	require.NoError(t, err)

	resp, err := h.svc.Analyze(ctx, request("tank-1", "req-2"))
	require.NoError(t, err)
	assert.True(t, resp.Cached)
	assert.Equal(t, ProviderCache, resp.Provider)
	assert.Equal(t, "from gemini", resp.Result.Summary)
	assert.Equal(t, 1, h.primary.callCount())

	// cache hits still count against the quota and seed idempotency
	assert.Equal(t, 2, resp.Usage.Used)
	assert.True(t, h.mr.Exists("idempotency:d1:req-2"))
	assert.True(t, h.usage.last().CacheHit)

	// a different mode is a different entry
	req := request("tank-1", "req-3")
	req.Mode = models.ModeCoralID
	resp, err = h.svc.Analyze(ctx, req)
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, 2, h.primary.callCount())
}

func TestAnalyze_IdempotentReplay(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	first, err := h.svc.Analyze(ctx, request("tank-1", "req-1"))
	require.NoError(t, err)

	// the payload is ignored on replay
	replay := request("something else entirely", "req-1")
	replay.Mode = models.ModePestID
	second, err := h.svc.Analyze(ctx, replay)
	require.NoError(t, err)

	assert.Equal(t, first.Result, second.Result)
	assert.True(t, second.Idempotent)
	assert.Equal(t, 1, h.primary.callCount())

	// no counter moved
	assert.Equal(t, 1, second.Usage.Used)
	assert.Equal(t, 2, second.Usage.Remaining)
	assert.True(t, h.usage.last().IdempotentHit)
}

func TestAnalyze_CorruptRetryReplaysStoredResult(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	first, err := h.svc.Analyze(ctx, request("tank-1", "req-1"))
	require.NoError(t, err)

	corrupt := []Request{
		{AccessToken: "token", RequestID: "req-1", Mode: "bogus"},
		{AccessToken: "token", RequestID: "req-1", Mode: models.ModeFishID, MimeType: "image/gif", Image: []byte("GIF89a")},
		{AccessToken: "token", RequestID: "req-1", Image: []byte("not pixels"), MimeType: "image/png", Mode: models.ModeFishID},
		{AccessToken: "token", RequestID: "req-1", Invalid: apperr.New(apperr.CodeInvalidRequest, "invalid json")},
	}
	for i, req := range corrupt {
		resp, err := h.svc.Analyze(ctx, req)
		require.NoError(t, err, "retry %d", i)
		assert.Equal(t, first.Result, resp.Result)
		assert.True(t, resp.Idempotent)
		assert.Equal(t, ProviderCache, resp.Provider)
	}
	assert.Equal(t, 1, h.primary.callCount())
	assert.Equal(t, 1, h.svc.peekUsage(ctx, &models.Device{ID: "d1", Tier: models.TierFree}).Used)

	// the same payloads without a stored result are rejected before admission
	for i, req := range corrupt {
		req.RequestID = "req-new"
		_, err := h.svc.Analyze(ctx, req)
		assertCode(t, err, apperr.CodeInvalidRequest)
		assert.False(t, h.mr.Exists("idempotency:d1:req-new"), "retry %d", i)
	}
	assert.Equal(t, 1, h.primary.callCount())
}

func TestAnalyze_ReplayIsScopedToDevice(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	_, err := h.svc.Analyze(ctx, request("tank-1", "shared"))
	require.NoError(t, err)

	h.svc.deps.Auth = fakeAuth{device: &models.Device{ID: "d2", Tier: models.TierFree, TokenVersion: 1}}
	resp, err := h.svc.Analyze(ctx, request("tank-2", "shared"))
	require.NoError(t, err)
	assert.False(t, resp.Idempotent)
	assert.Equal(t, 2, h.primary.callCount())
	assert.True(t, h.mr.Exists("idempotency:d2:shared"))
}

func TestAnalyze_FreeTierDailyLimit(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	for i, img := range []string{"a", "b", "c"} {
		resp, err := h.svc.Analyze(ctx, request(img, ""))
		require.NoError(t, err, "call %d", i+1)
		assert.Equal(t, 2-i, resp.Usage.Remaining)
	}

	_, err := h.svc.Analyze(ctx, request("d", ""))
	assertCode(t, err, apperr.CodeRateLimitExceeded)

	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	details, ok := appErr.Details.(LimitDetails)
	require.True(t, ok)
	assert.Equal(t, 3, details.Limit)
	assert.Equal(t, 0, details.Remaining)
	assert.Equal(t, ratelimit.ReasonDaily, details.Reason)

	now := time.Now().UTC()
	assert.True(t, details.ResetAt.After(now))
	assert.Equal(t, 0, details.ResetAt.Hour())
	assert.LessOrEqual(t, details.ResetAt.Sub(now), 24*time.Hour)

	assert.Equal(t, 3, h.primary.callCount())
}

func TestAnalyze_IPLimitRunsFirst(t *testing.T) {
	limits := ratelimit.Limits{FreeDaily: 3, DevicePerMinute: 5, GlobalPerMinute: 500, IPPerHour: 1}
	h := newHarness(t, harnessOpts{limits: &limits})
	ctx := context.Background()

	_, err := h.svc.Analyze(ctx, request("a", ""))
	require.NoError(t, err)
	_, err = h.svc.Analyze(ctx, request("b", ""))
	assertCode(t, err, apperr.CodeRateLimitExceeded)

	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, ratelimit.ReasonIPHourly, appErr.Details.(LimitDetails).Reason)
}

func TestAnalyze_CircuitOpenNoFallback(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	tripCircuit(t, h.breaker, providers.ProviderGemini)

	_, err := h.svc.Analyze(context.Background(), request("a", "req-1"))
	assertCode(t, err, apperr.CodeProviderUnavailable)
	assert.Zero(t, h.primary.callCount())

	rec := h.usage.last()
	require.NotNil(t, rec.ErrorCode)
	assert.Equal(t, "PROVIDER_UNAVAILABLE", *rec.ErrorCode)
	assert.Equal(t, 503, rec.StatusCode)
	assert.False(t, h.mr.Exists("idempotency:d1:req-1"))
}

func TestAnalyze_CircuitOpenUsesFallback(t *testing.T) {
	h := newHarness(t, harnessOpts{fallback: true})
	tripCircuit(t, h.breaker, providers.ProviderGemini)

	resp, err := h.svc.Analyze(context.Background(), request("a", ""))
	require.NoError(t, err)
	assert.Equal(t, providers.ProviderOpenAI, resp.Provider)
	assert.Equal(t, "from openai", resp.Result.Summary)
	assert.Zero(t, h.primary.callCount())
	assert.Equal(t, 1, h.fallback.callCount())

	rec := h.usage.last()
	assert.True(t, rec.FailoverUsed)
	assert.Equal(t, "o1", rec.KeyID)
}

func TestAnalyze_PrimaryFailureRecordedThenFallback(t *testing.T) {
	h := newHarness(t, harnessOpts{fallback: true})
	h.primary.fn = fail(&providers.StatusError{Provider: providers.ProviderGemini, StatusCode: 500, Body: "boom"})
	ctx := context.Background()

	resp, err := h.svc.Analyze(ctx, request("a", ""))
	require.NoError(t, err)
	assert.Equal(t, providers.ProviderOpenAI, resp.Provider)

	snap, err := h.breaker.State(ctx, providers.ProviderGemini)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Failures)

	assert.Equal(t, "1", h.mr.HGet("keypool:gemini:g1:health", "errors"))
	assert.Equal(t, "1", h.mr.HGet("keypool:openai:o1:health", "success"))
}

func TestAnalyze_UpstreamRateLimitCoolsKey(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.primary.fn = fail(&providers.StatusError{Provider: providers.ProviderGemini, StatusCode: 429})
	ctx := context.Background()

	_, err := h.svc.Analyze(ctx, request("a", ""))
	assertCode(t, err, apperr.CodeProviderError)
	assert.Equal(t, 60*time.Second, h.mr.TTL("keypool:gemini:g1:cooldown"))

	// the only key is cooling down
	_, err = h.svc.Analyze(ctx, request("b", ""))
	assertCode(t, err, apperr.CodeNoCapacity)
	assert.Equal(t, 1, h.primary.callCount())
}

func TestAnalyze_ParseErrorSurfaces(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.primary.fn = fail(providers.ErrParse)

	_, err := h.svc.Analyze(context.Background(), request("a", ""))
	assertCode(t, err, apperr.CodeParseError)

	h.primary.fn = fail(providers.ErrInvalidResponse)
	_, err = h.svc.Analyze(context.Background(), request("b", ""))
	assertCode(t, err, apperr.CodeInvalidResponse)
}

func TestAnalyze_LastRouteErrorWins(t *testing.T) {
	h := newHarness(t, harnessOpts{fallback: true})
	h.primary.fn = fail(providers.ErrParse)
	h.fallback.fn = fail(providers.ErrCostLimit)
	ctx := context.Background()

	_, err := h.svc.Analyze(ctx, request("a", ""))
	assertCode(t, err, apperr.CodeCostLimit)

	rec := h.usage.last()
	assert.True(t, rec.FailoverUsed)
	assert.Equal(t, providers.ProviderOpenAI, rec.Provider)

	// a refused spend records nothing against the fallback key or circuit
	assert.Empty(t, h.mr.HGet("keypool:openai:o1:health", "errors"))
	snap, err := h.breaker.State(ctx, providers.ProviderOpenAI)
	require.NoError(t, err)
	assert.Zero(t, snap.Failures)
}

func TestAnalyze_TimeoutCountsAsFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{timeout: 20 * time.Millisecond})
	h.primary.fn = func(ctx context.Context, _ providers.Credential) (*providers.AnalyzeResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	ctx := context.Background()

	_, err := h.svc.Analyze(ctx, request("a", ""))
	assertCode(t, err, apperr.CodeProviderError)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	snap, err := h.breaker.State(ctx, providers.ProviderGemini)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Failures)
}

func TestAnalyze_CredentialComesFromPool(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	var got providers.Credential
	h.primary.fn = func(ctx context.Context, cred providers.Credential) (*providers.AnalyzeResponse, error) {
		got = cred
		return succeed(providers.ProviderGemini, "x")(ctx, cred)
	}

	_, err := h.svc.Analyze(context.Background(), request("a", ""))
	require.NoError(t, err)
	assert.Equal(t, providers.Credential{KeyID: "g1", Secret: "gs1"}, got)
}

func TestAnalyze_AuthAndValidation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.svc.deps.Auth = fakeAuth{err: apperr.New(apperr.CodeTokenExpired, "token expired")}

	_, err := h.svc.Analyze(context.Background(), request("a", ""))
	assertCode(t, err, apperr.CodeTokenExpired)

	// invalid payloads are rejected only for an authenticated device
	h.svc.deps.Auth = fakeAuth{device: &models.Device{ID: "d1", Tier: models.TierFree}}
	req := request("a", "")
	req.Mode = "reef_id"
	_, err = h.svc.Analyze(context.Background(), req)
	assertCode(t, err, apperr.CodeInvalidRequest)

	_, err = h.svc.Analyze(context.Background(), request("", ""))
	assertCode(t, err, apperr.CodeInvalidRequest)

	req = request("a", "")
	req.MimeType = "image/png"
	_, err = h.svc.Analyze(context.Background(), req)
	assertCode(t, err, apperr.CodeInvalidRequest)

	// a decode error outside the taxonomy still maps to INVALID_REQUEST
	req = request("a", "")
	req.Invalid = errors.New("unexpected EOF")
	_, err = h.svc.Analyze(context.Background(), req)
	assertCode(t, err, apperr.CodeInvalidRequest)

	assert.Zero(t, h.primary.callCount())
	assert.Empty(t, h.usage.records)
}

func TestAnalyze_StoreDownStillServes(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.mr.Close()

	resp, err := h.svc.Analyze(context.Background(), request("a", "req-1"))
	require.NoError(t, err)
	assert.Equal(t, providers.ProviderGemini, resp.Provider)
}
