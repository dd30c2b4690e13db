package keypool

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

func newTestPool(t *testing.T, keys ...models.ApiKeyConfig) (*Pool, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := redis.New(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	p := New("gemini", keys, DefaultPolicy(), store)
	p.now = func() time.Time { return now }
	return p, mr, &now
}

func key(id string, rpm int) models.ApiKeyConfig {
	return models.ApiKeyConfig{ID: id, Secret: "secret-" + id, RPMLimit: rpm, Tier: "standard"}
}

func TestSelectKey_LeastLoaded(t *testing.T) {
	p, _, _ := newTestPool(t, key("k1", 10), key("k2", 10))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.RecordSuccess(ctx, "k1"))
	}
	require.NoError(t, p.RecordSuccess(ctx, "k2"))

	k, err := p.SelectKey(ctx)
	require.NoError(t, err)
	require.NotNil(t, k)
	assert.Equal(t, "k2", k.ID())
	assert.Equal(t, "secret-k2", k.Secret())
	assert.Equal(t, int64(1), k.MinuteCount)
}

func TestSelectKey_TiesKeepConfigOrder(t *testing.T) {
	p, _, _ := newTestPool(t, key("k1", 10), key("k2", 10))
	k, err := p.SelectKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "k1", k.ID())
}

func TestSelectKey_ExcludesKeysAtRPMLimit(t *testing.T) {
	p, mr, _ := newTestPool(t, key("k1", 2))
	ctx := context.Background()

	require.NoError(t, p.RecordSuccess(ctx, "k1"))
	require.NoError(t, p.RecordSuccess(ctx, "k1"))

	k, err := p.SelectKey(ctx)
	require.NoError(t, err)
	assert.Nil(t, k)

	mr.FastForward(61 * time.Second)
	k, err = p.SelectKey(ctx)
	require.NoError(t, err)
	require.NotNil(t, k)
}

func TestSelectKey_ErrorRateNeedsMinimumSamples(t *testing.T) {
	p, _, _ := newTestPool(t, key("k1", 100), key("k2", 100))
	ctx := context.Background()

	// a single early failure does not disable a key
	require.NoError(t, p.RecordFailure(ctx, "k1", 500))
	k, err := p.SelectKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "k1", k.ID())

	// 1 error in 10 requests is 10%, above the 5% threshold
	for i := 0; i < 9; i++ {
		require.NoError(t, p.RecordSuccess(ctx, "k1"))
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, p.RecordSuccess(ctx, "k2"))
	}
	k, err = p.SelectKey(ctx)
	require.NoError(t, err)
	require.NotNil(t, k)
	assert.Equal(t, "k2", k.ID(), "k1 should be excluded even though it is less loaded")
}

func TestRecordFailure_429CoolsDownForExactlyTheCooldown(t *testing.T) {
	p, mr, now := newTestPool(t, key("k1", 100))
	ctx := context.Background()

	require.NoError(t, p.RecordFailure(ctx, "k1", 429))

	k, err := p.SelectKey(ctx)
	require.NoError(t, err)
	assert.Nil(t, k)

	*now = now.Add(59 * time.Second)
	mr.FastForward(59 * time.Second)
	k, err = p.SelectKey(ctx)
	require.NoError(t, err)
	assert.Nil(t, k, "still cooling down at 59s")

	*now = now.Add(time.Second)
	mr.FastForward(time.Second)
	k, err = p.SelectKey(ctx)
	require.NoError(t, err)
	require.NotNil(t, k)
	assert.Equal(t, "k1", k.ID())
}

func TestRecordFailure_OtherStatusNoCooldown(t *testing.T) {
	p, mr, _ := newTestPool(t, key("k1", 100))
	ctx := context.Background()

	require.NoError(t, p.RecordFailure(ctx, "k1", 503))
	assert.False(t, mr.Exists("keypool:gemini:k1:cooldown"))

	k, err := p.SelectKey(ctx)
	require.NoError(t, err)
	require.NotNil(t, k)
	assert.Equal(t, int64(1), k.Errors)
}

func TestRecordSuccess_DayCounterExpiresAtMidnight(t *testing.T) {
	p, mr, now := newTestPool(t, key("k1", 100))
	require.NoError(t, p.RecordSuccess(context.Background(), "k1"))

	dayKey := p.dayKey("k1", *now)
	assert.Equal(t, 12*time.Hour, mr.TTL(dayKey))
	assert.Equal(t, time.Minute, mr.TTL("keypool:gemini:k1:minute"))
	assert.Equal(t, time.Hour, mr.TTL("keypool:gemini:k1:health"))
}

func TestHealthSample_SuccessesAndErrorsExpireTogether(t *testing.T) {
	p, mr, now := newTestPool(t, key("k1", 0))
	ctx := context.Background()
	advance := func(d time.Duration) {
		*now = now.Add(d)
		mr.FastForward(d)
	}
	selected := func() bool {
		k, err := p.SelectKey(ctx)
		require.NoError(t, err)
		return k != nil && k.ID() == "k1"
	}

	for i := 0; i < 1000; i++ {
		require.NoError(t, p.RecordSuccess(ctx, "k1"))
	}
	advance(59 * time.Minute)
	for i := 0; i < 10; i++ {
		require.NoError(t, p.RecordFailure(ctx, "k1", 500))
	}
	assert.True(t, selected(), "10 errors in 1010 requests is healthy")

	// the successes must not age out while the late errors linger
	advance(2 * time.Minute)
	assert.True(t, selected())
	advance(55 * time.Minute)
	assert.True(t, selected())

	// a fresh sample that is mostly errors still excludes the key
	for i := 0; i < 10; i++ {
		require.NoError(t, p.RecordFailure(ctx, "k1", 500))
	}
	assert.False(t, selected())
}

func TestAvailability(t *testing.T) {
	p, _, _ := newTestPool(t, key("k1", 100), key("k2", 100), key("k3", 100))
	ctx := context.Background()

	require.NoError(t, p.RecordFailure(ctx, "k1", 429))
	require.NoError(t, p.RecordFailure(ctx, "k2", 429))

	av, err := p.Availability(ctx)
	require.NoError(t, err)
	assert.Equal(t, "gemini", av.Provider)
	assert.Equal(t, 3, av.Total)
	assert.Equal(t, 1, av.Available)
	assert.Equal(t, 2, av.CoolingDown)
	require.Len(t, av.Keys, 3)
	assert.False(t, av.Keys[0].Eligible)
	assert.True(t, av.Keys[2].Eligible)
}

func TestSelectKey_StoreDownUsesFirstKey(t *testing.T) {
	p, mr, _ := newTestPool(t, key("k1", 100), key("k2", 100))
	mr.Close()

	k, err := p.SelectKey(context.Background())
	require.NoError(t, err)
	require.NotNil(t, k)
	assert.Equal(t, "k1", k.ID())
}

func TestSelectKey_EmptyPool(t *testing.T) {
	p, _, _ := newTestPool(t)
	k, err := p.SelectKey(context.Background())
	require.NoError(t, err)
	assert.Nil(t, k)
}
