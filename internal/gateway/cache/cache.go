package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/metrics"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/logging"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/models"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/redis"
)

const totalHitsKey = "cache:stats:hits"

// Options configures result caching
type Options struct {
	Enabled        bool
	TTL            time.Duration
	IdempotencyTTL time.Duration
}

type Cache struct {
	redis *redis.Client
	opts  Options
}

// Stats reports cache effectiveness for cost-savings reporting
type Stats struct {
	Hits int64 `json:"hits"`
}

// New creates a new cache instance
func New(redisClient *redis.Client, opts Options) *Cache {
	return &Cache{redis: redisClient, opts: opts}
}

// HashImage returns the hex SHA-256 digest of the raw image bytes
func HashImage(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])
}

func imageKey(hash string, mode models.AnalysisMode) string {
	return fmt.Sprintf("cache:image:%s:%s", hash, mode)
}

func hitsKey(hash string) string {
	return "cache:hits:" + hash
}

// idempotency entries are scoped per device so one device cannot replay
// another's result by guessing its request id
func idempotencyKey(deviceID, requestID string) string {
	return "idempotency:" + deviceID + ":" + requestID
}

// GetCachedResult returns the cached analysis of an image in a mode, or nil
// on a miss, when caching is disabled, or when the store is unreachable.
func (c *Cache) GetCachedResult(ctx context.Context, hash string, mode models.AnalysisMode) *models.AnalysisResult {
	if !c.opts.Enabled {
		return nil
	}

	res := c.read(ctx, imageKey(hash, mode))
	if res == nil {
		return nil
	}

	if _, err := c.redis.IncrWithExpiry(ctx, hitsKey(hash), c.opts.TTL); err != nil {
		logging.FromContext(ctx).Warn("cache hit counter failed", slog.Any("error", err))
	}
	if _, err := c.redis.Incr(ctx, totalHitsKey); err != nil {
		logging.FromContext(ctx).Warn("cache hit counter failed", slog.Any("error", err))
	}
	metrics.CacheHitsTotal.WithLabelValues("image").Inc()
	return res
}

// CacheResult stores an analysis for an image in a mode
func (c *Cache) CacheResult(ctx context.Context, hash string, mode models.AnalysisMode, res *models.AnalysisResult) error {
	if !c.opts.Enabled {
		return nil
	}
	return c.write(ctx, imageKey(hash, mode), res, c.opts.TTL)
}

// GetIdempotent returns the result a device previously stored for a request
// id, or nil
func (c *Cache) GetIdempotent(ctx context.Context, deviceID, requestID string) *models.AnalysisResult {
	if requestID == "" {
		return nil
	}
	res := c.read(ctx, idempotencyKey(deviceID, requestID))
	if res != nil {
		metrics.CacheHitsTotal.WithLabelValues("idempotency").Inc()
	}
	return res
}

// SetIdempotent stores the result of a request id for retry replays
func (c *Cache) SetIdempotent(ctx context.Context, deviceID, requestID string, res *models.AnalysisResult) error {
	if requestID == "" {
		return nil
	}
	return c.write(ctx, idempotencyKey(deviceID, requestID), res, c.opts.IdempotencyTTL)
}

// InvalidateImage drops every mode variant of an image plus its hit counter
func (c *Cache) InvalidateImage(ctx context.Context, hash string) (int64, error) {
	keys := make([]string, 0, len(models.AllModes)+1)
	for _, mode := range models.AllModes {
		keys = append(keys, imageKey(hash, mode))
	}
	keys = append(keys, hitsKey(hash))

	n, err := c.redis.Del(ctx, keys...)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate image %s: %w", hash, err)
	}
	return n, nil
}

// InvalidateMode drops every cached result produced in a mode
func (c *Cache) InvalidateMode(ctx context.Context, mode models.AnalysisMode) (int64, error) {
	keys, err := c.redis.ScanKeys(ctx, fmt.Sprintf("cache:image:*:%s", mode))
	if err != nil {
		return 0, fmt.Errorf("failed to scan cache for mode %s: %w", mode, err)
	}
	n, err := c.redis.Del(ctx, keys...)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate mode %s: %w", mode, err)
	}
	return n, nil
}

// Stats returns the global hit counter
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	vals, err := c.redis.GetInts(ctx, totalHitsKey)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Hits: vals[0]}, nil
}

func (c *Cache) read(ctx context.Context, key string) *models.AnalysisResult {
	data, err := c.redis.GetBytes(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.ErrNotFound) {
			logging.FromContext(ctx).Warn("cache read failed, treating as miss", slog.String("key", key), slog.Any("error", err))
		}
		return nil
	}

	var res models.AnalysisResult
	if err := json.Unmarshal(data, &res); err != nil {
		logging.FromContext(ctx).Warn("failed to deserialize cached result", slog.String("key", key), slog.Any("error", err))
		return nil
	}
	return &res
}

func (c *Cache) write(ctx context.Context, key string, res *models.AnalysisResult, ttl time.Duration) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to serialize result: %w", err)
	}
	return c.redis.Set(ctx, key, data, ttl)
}
