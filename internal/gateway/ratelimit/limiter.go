package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mrmushfiq/reefscan-gateway/internal/shared/clock"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/logging"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/models"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/redis"
)

// Limits configures every admission counter. A zero per-minute or per-hour
// limit disables that counter.
type Limits struct {
	FreeDaily       int
	PremiumDaily    int
	DevicePerMinute int
	GlobalPerMinute int
	IPPerHour       int
}

// Reason names the counter that rejected a request
type Reason string

const (
	ReasonDaily        Reason = "daily"
	ReasonDeviceMinute Reason = "device_minute"
	ReasonGlobalMinute Reason = "global_minute"
	ReasonIPHourly     Reason = "ip_hourly"
)

// Result is the admission decision returned to the caller
type Result struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Reason    Reason    `json:"reason,omitempty"`
}

// Limiter implements fixed-window request admission over the shared store
type Limiter struct {
	store  *redis.Client
	limits Limits
	now    func() time.Time
}

// New creates a new limiter
func New(store *redis.Client, limits Limits) *Limiter {
	return &Limiter{store: store, limits: limits, now: time.Now}
}

// DailyLimit returns the daily quota for a tier
func (l *Limiter) DailyLimit(tier models.Tier) int {
	if tier == models.TierPremium {
		return l.limits.PremiumDaily
	}
	return l.limits.FreeDaily
}

func dailyKey(deviceID string, now time.Time) string {
	return fmt.Sprintf("ratelimit:device:%s:daily:%s", deviceID, clock.UTCDate(now))
}

func minuteKey(deviceID string) string {
	return fmt.Sprintf("ratelimit:device:%s:minute", deviceID)
}

const globalMinuteKey = "ratelimit:global:minute"

func ipKey(ip string) string {
	return fmt.Sprintf("ratelimit:ip:%s:hour", ip)
}

func exceeded(count int64, limit int) bool {
	return limit > 0 && count >= int64(limit)
}

// Check admits a device request. Counters are only incremented when every
// check passes; store failures admit the request.
func (l *Limiter) Check(ctx context.Context, deviceID string, tier models.Tier) Result {
	now := l.now()
	dailyLimit := l.DailyLimit(tier)
	midnight := clock.NextUTCMidnight(now)
	dk, mk := dailyKey(deviceID, now), minuteKey(deviceID)

	counts, err := l.store.GetInts(ctx, dk, mk, globalMinuteKey)
	if err != nil {
		logging.FromContext(ctx).Warn("rate limit read failed, admitting request",
			slog.String("device_id", deviceID), slog.Any("error", err))
		return Result{Allowed: true, Limit: dailyLimit, Remaining: dailyLimit, ResetAt: midnight}
	}

	switch {
	case exceeded(counts[0], dailyLimit):
		return Result{Limit: dailyLimit, Remaining: 0, ResetAt: midnight, Reason: ReasonDaily}
	case exceeded(counts[1], l.limits.DevicePerMinute):
		return Result{Limit: l.limits.DevicePerMinute, Remaining: 0, ResetAt: l.windowReset(ctx, mk, now, time.Minute), Reason: ReasonDeviceMinute}
	case exceeded(counts[2], l.limits.GlobalPerMinute):
		return Result{Limit: l.limits.GlobalPerMinute, Remaining: 0, ResetAt: l.windowReset(ctx, globalMinuteKey, now, time.Minute), Reason: ReasonGlobalMinute}
	}

	used := counts[0] + 1
	if n, err := l.store.IncrWithExpiry(ctx, dk, clock.UntilUTCMidnight(now)); err == nil {
		used = n
	} else {
		logging.FromContext(ctx).Warn("daily counter increment failed", slog.String("device_id", deviceID), slog.Any("error", err))
	}
	if _, err := l.store.IncrWithExpiry(ctx, mk, time.Minute); err != nil {
		logging.FromContext(ctx).Warn("minute counter increment failed", slog.String("device_id", deviceID), slog.Any("error", err))
	}
	if _, err := l.store.IncrWithExpiry(ctx, globalMinuteKey, time.Minute); err != nil {
		logging.FromContext(ctx).Warn("global counter increment failed", slog.Any("error", err))
	}

	remaining := dailyLimit - int(used)
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Limit: dailyLimit, Remaining: remaining, ResetAt: midnight}
}

// CheckIP counts a request against the per-IP hourly abuse counter. The
// counter advances on every call, admitted or not.
func (l *Limiter) CheckIP(ctx context.Context, ip string) Result {
	now := l.now()
	if ip == "" || l.limits.IPPerHour <= 0 {
		return Result{Allowed: true, Limit: l.limits.IPPerHour, ResetAt: now.Add(time.Hour)}
	}

	key := ipKey(ip)
	n, err := l.store.IncrWithExpiry(ctx, key, time.Hour)
	if err != nil {
		logging.FromContext(ctx).Warn("ip counter increment failed, admitting request", slog.Any("error", err))
		return Result{Allowed: true, Limit: l.limits.IPPerHour, Remaining: l.limits.IPPerHour, ResetAt: now.Add(time.Hour)}
	}

	remaining := l.limits.IPPerHour - int(n)
	if remaining < 0 {
		remaining = 0
	}
	res := Result{
		Allowed:   n <= int64(l.limits.IPPerHour),
		Limit:     l.limits.IPPerHour,
		Remaining: remaining,
		ResetAt:   l.windowReset(ctx, key, now, time.Hour),
	}
	if !res.Allowed {
		res.Reason = ReasonIPHourly
	}
	return res
}

// Peek reports today's usage for a device without touching any counter
func (l *Limiter) Peek(ctx context.Context, deviceID string, tier models.Tier) (Result, error) {
	now := l.now()
	dailyLimit := l.DailyLimit(tier)

	counts, err := l.store.GetInts(ctx, dailyKey(deviceID, now))
	if err != nil {
		return Result{}, fmt.Errorf("failed to read daily usage: %w", err)
	}

	remaining := dailyLimit - int(counts[0])
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   remaining > 0,
		Limit:     dailyLimit,
		Remaining: remaining,
		ResetAt:   clock.NextUTCMidnight(now),
	}, nil
}

// Used returns how many requests were admitted today from a Peek result
func (r Result) Used() int {
	return r.Limit - r.Remaining
}

func (l *Limiter) windowReset(ctx context.Context, key string, now time.Time, window time.Duration) time.Time {
	ttl, err := l.store.TTL(ctx, key)
	if err != nil || ttl < 0 {
		return now.Add(window)
	}
	return now.Add(ttl)
}
