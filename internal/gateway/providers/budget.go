package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/mrmushfiq/reefscan-gateway/internal/shared/clock"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/redis"
)

// Budget caps a provider's daily spend in USD across all gateway instances
type Budget struct {
	store    *redis.Client
	provider string
	capUSD   float64
	now      func() time.Time
}

// NewBudget creates a daily budget; capUSD <= 0 disables the cap
func NewBudget(store *redis.Client, provider string, capUSD float64) *Budget {
	return &Budget{store: store, provider: provider, capUSD: capUSD, now: time.Now}
}

func (b *Budget) key(now time.Time) string {
	return fmt.Sprintf("cost:%s:%s", b.provider, clock.UTCDate(now))
}

// Spent returns today's recorded spend
func (b *Budget) Spent(ctx context.Context) (float64, error) {
	return b.store.GetFloat(ctx, b.key(b.now()))
}

// Check returns ErrCostLimit once today's spend reached the cap. An
// unreachable store also refuses, since spend can't be proven below the cap.
func (b *Budget) Check(ctx context.Context) error {
	if b == nil || b.capUSD <= 0 {
		return nil
	}
	spent, err := b.Spent(ctx)
	if err != nil {
		return fmt.Errorf("%w: spend unavailable: %v", ErrCostLimit, err)
	}
	if spent >= b.capUSD {
		return fmt.Errorf("%w: %s spent $%.4f of $%.2f today", ErrCostLimit, b.provider, spent, b.capUSD)
	}
	return nil
}

// Add records spend against today's counter
func (b *Budget) Add(ctx context.Context, usd float64) error {
	if b == nil || usd <= 0 {
		return nil
	}
	now := b.now()
	_, err := b.store.IncrByFloatWithExpiry(ctx, b.key(now), usd, clock.UntilUTCMidnight(now))
	return err
}
