// Package usage records analyze calls and reports per-device and operator
// usage.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/metrics"
	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/logging"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/models"
)

const defaultPersistTimeout = 5 * time.Second

// Store persists usage records
type Store interface {
	LogUsage(ctx context.Context, rec *models.UsageRecord) error
	UsageSummary(ctx context.Context, since time.Time) ([]models.UsageSummary, error)
}

// Counter reads today's admitted requests for a device
type Counter interface {
	Peek(ctx context.Context, deviceID string, tier models.Tier) (ratelimit.Result, error)
}

// Daily is a device's quota status for today
type Daily struct {
	Used      int         `json:"requests_today"`
	Limit     int         `json:"daily_limit"`
	Remaining int         `json:"remaining"`
	ResetAt   time.Time   `json:"reset_at"`
	Tier      models.Tier `json:"tier"`
}

type Service struct {
	store          Store
	counter        Counter
	persistTimeout time.Duration
	now            func() time.Time
	wg             sync.WaitGroup
}

// NewService creates a usage service
func NewService(store Store, counter Counter) *Service {
	return &Service{
		store:          store,
		counter:        counter,
		persistTimeout: defaultPersistTimeout,
		now:            time.Now,
	}
}

// Record updates metrics and persists the record in the background. The
// write gets its own deadline so a disconnected client does not drop it.
func (s *Service) Record(ctx context.Context, rec models.UsageRecord) {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}

	metrics.AnalyzeOutcomesTotal.WithLabelValues(outcome(rec)).Inc()
	if rec.Provider != "" && rec.CostUSD > 0 {
		metrics.ProviderCostUSD.WithLabelValues(rec.Provider).Add(rec.CostUSD)
	}

	lg := logging.FromContext(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		persistCtx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
		defer cancel()

		if err := s.store.LogUsage(persistCtx, &rec); err != nil {
			lg.Error("failed to persist usage",
				slog.String("device_id", rec.DeviceID),
				slog.String("usage_id", rec.ID),
				slog.Any("error", err),
			)
		}
	}()
}

// Wait blocks until every in-flight record is persisted
func (s *Service) Wait() {
	s.wg.Wait()
}

// Daily returns today's quota status for a device
func (s *Service) Daily(ctx context.Context, device *models.Device) (Daily, error) {
	res, err := s.counter.Peek(ctx, device.ID, device.Tier)
	if err != nil {
		return Daily{}, err
	}
	return FromResult(res, device.Tier), nil
}

// FromResult converts a limiter decision into the client usage view
func FromResult(res ratelimit.Result, tier models.Tier) Daily {
	return Daily{
		Used:      res.Used(),
		Limit:     res.Limit,
		Remaining: res.Remaining,
		ResetAt:   res.ResetAt,
		Tier:      tier,
	}
}

// Summary aggregates durable usage per provider since a point in time
func (s *Service) Summary(ctx context.Context, since time.Time) ([]models.UsageSummary, error) {
	return s.store.UsageSummary(ctx, since)
}

func outcome(rec models.UsageRecord) string {
	switch {
	case rec.ErrorCode != nil:
		return *rec.ErrorCode
	case rec.IdempotentHit:
		return "idempotent"
	case rec.CacheHit:
		return "cache_hit"
	default:
		return "ok"
	}
}
