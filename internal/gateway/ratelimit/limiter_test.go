package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/reefscan-gateway/internal/shared/models"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/redis"
)

var testLimits = Limits{
	FreeDaily:       3,
	PremiumDaily:    20,
	DevicePerMinute: 5,
	GlobalPerMinute: 500,
	IPPerHour:       2,
}

func newTestLimiter(t *testing.T, limits Limits) (*Limiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := redis.New(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	now := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	l := New(store, limits)
	l.now = func() time.Time { return now }
	return l, mr, &now
}

func TestCheck_DailyQuotaExhausted(t *testing.T) {
	l, mr, now := newTestLimiter(t, testLimits)
	ctx := context.Background()

	for i, want := range []int{2, 1, 0} {
		res := l.Check(ctx, "d1", models.TierFree)
		require.True(t, res.Allowed, "call %d", i+1)
		assert.Equal(t, 3, res.Limit)
		assert.Equal(t, want, res.Remaining)
	}

	for i := 0; i < 3; i++ {
		res := l.Check(ctx, "d1", models.TierFree)
		assert.False(t, res.Allowed)
		assert.Equal(t, ReasonDaily, res.Reason)
		assert.Equal(t, 0, res.Remaining)
		assert.Equal(t, time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC), res.ResetAt)
	}

	// rejected calls never advance the counter
	val, err := mr.Get(dailyKey("d1", *now))
	require.NoError(t, err)
	assert.Equal(t, "3", val)
	assert.Equal(t, 14*time.Hour, mr.TTL(dailyKey("d1", *now)))

	*now = now.Add(14 * time.Hour)
	mr.FastForward(time.Minute)
	res := l.Check(ctx, "d1", models.TierFree)
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining)
}

func TestCheck_PremiumLimit(t *testing.T) {
	l, _, _ := newTestLimiter(t, testLimits)
	res := l.Check(context.Background(), "p1", models.TierPremium)
	assert.True(t, res.Allowed)
	assert.Equal(t, 20, res.Limit)
	assert.Equal(t, 19, res.Remaining)
}

func TestCheck_DeviceMinuteLimit(t *testing.T) {
	limits := testLimits
	limits.DevicePerMinute = 2
	l, mr, now := newTestLimiter(t, limits)
	ctx := context.Background()

	require.True(t, l.Check(ctx, "p1", models.TierPremium).Allowed)
	require.True(t, l.Check(ctx, "p1", models.TierPremium).Allowed)

	res := l.Check(ctx, "p1", models.TierPremium)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonDeviceMinute, res.Reason)
	assert.Equal(t, 2, res.Limit)
	assert.Equal(t, now.Add(time.Minute), res.ResetAt)

	val, err := mr.Get(dailyKey("p1", *now))
	require.NoError(t, err)
	assert.Equal(t, "2", val)

	mr.FastForward(61 * time.Second)
	assert.True(t, l.Check(ctx, "p1", models.TierPremium).Allowed)
}

func TestCheck_GlobalMinuteLimit(t *testing.T) {
	limits := testLimits
	limits.GlobalPerMinute = 2
	l, mr, _ := newTestLimiter(t, limits)
	ctx := context.Background()

	require.True(t, l.Check(ctx, "a", models.TierFree).Allowed)
	require.True(t, l.Check(ctx, "b", models.TierFree).Allowed)

	res := l.Check(ctx, "c", models.TierFree)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonGlobalMinute, res.Reason)
	assert.False(t, mr.Exists(minuteKey("c")))
}

func TestCheckIP_AlwaysIncrements(t *testing.T) {
	l, mr, _ := newTestLimiter(t, testLimits)
	ctx := context.Background()

	assert.True(t, l.CheckIP(ctx, "10.0.0.1").Allowed)
	assert.True(t, l.CheckIP(ctx, "10.0.0.1").Allowed)

	res := l.CheckIP(ctx, "10.0.0.1")
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonIPHourly, res.Reason)

	val, err := mr.Get(ipKey("10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, "3", val)

	assert.True(t, l.CheckIP(ctx, "").Allowed)
}

func TestCheck_FailsOpenWhenStoreDown(t *testing.T) {
	l, mr, _ := newTestLimiter(t, testLimits)
	mr.Close()

	res := l.Check(context.Background(), "d1", models.TierFree)
	assert.True(t, res.Allowed)
	assert.True(t, l.CheckIP(context.Background(), "10.0.0.1").Allowed)
}

func TestPeek_NoSideEffects(t *testing.T) {
	l, mr, now := newTestLimiter(t, testLimits)
	ctx := context.Background()

	res, err := l.Peek(ctx, "d1", models.TierFree)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Remaining)
	assert.Equal(t, 0, res.Used())
	assert.False(t, mr.Exists(dailyKey("d1", *now)))

	l.Check(ctx, "d1", models.TierFree)
	res, err = l.Peek(ctx, "d1", models.TierFree)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Used())
	assert.Equal(t, 2, res.Remaining)
}
