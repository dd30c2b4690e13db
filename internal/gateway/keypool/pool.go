package keypool

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/metrics"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/clock"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/logging"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/models"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/redis"
)

// Policy holds the health thresholds applied during key selection
type Policy struct {
	ErrorRateThreshold float64
	MinSamples         int
	Cooldown           time.Duration
	// Window is how long a health sample lives. Successes and errors share
	// one sample and expire together, so the error rate is always taken over
	// the same span of requests.
	Window time.Duration
}

// DefaultPolicy excludes keys above 5% errors over at least 10 requests in
// an hour-long sample and cools a key down for 60s after an upstream 429.
func DefaultPolicy() Policy {
	return Policy{
		ErrorRateThreshold: 0.05,
		MinSamples:         10,
		Cooldown:           60 * time.Second,
		Window:             time.Hour,
	}
}

// KeyState is the load and health of one key, recomputed on every selection
type KeyState struct {
	Config        models.ApiKeyConfig
	MinuteCount   int64
	DayCount      int64
	Successes     int64
	Errors        int64
	CooldownUntil *time.Time
}

// ID returns the key identifier
func (k *KeyState) ID() string { return k.Config.ID }

// Secret returns the credential value
func (k *KeyState) Secret() string { return k.Config.Secret }

// ErrorRate returns errors over all requests in the window
func (k *KeyState) ErrorRate() float64 {
	total := k.Successes + k.Errors
	if total == 0 {
		return 0
	}
	return float64(k.Errors) / float64(total)
}

func (k *KeyState) coolingDown(now time.Time) bool {
	return k.CooldownUntil != nil && k.CooldownUntil.After(now)
}

func (k *KeyState) eligible(p Policy, now time.Time) bool {
	if k.coolingDown(now) {
		return false
	}
	if k.Config.RPMLimit > 0 && k.MinuteCount >= int64(k.Config.RPMLimit) {
		return false
	}
	if k.Successes+k.Errors >= int64(p.MinSamples) && k.ErrorRate() > p.ErrorRateThreshold {
		return false
	}
	return true
}

// KeyView is a credential-free view of a key for status reporting
type KeyView struct {
	ID            string     `json:"id"`
	Tier          string     `json:"tier"`
	RPMLimit      int        `json:"rpm_limit"`
	MinuteCount   int64      `json:"minute_count"`
	DayCount      int64      `json:"day_count"`
	ErrorRate     float64    `json:"error_rate"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	Eligible      bool       `json:"eligible"`
}

// Availability summarizes the pool
type Availability struct {
	Provider    string    `json:"provider"`
	Total       int       `json:"total"`
	Available   int       `json:"available"`
	CoolingDown int       `json:"cooling_down"`
	Keys        []KeyView `json:"keys"`
}

// Pool selects the least-loaded healthy key for one provider
type Pool struct {
	provider string
	keys     []models.ApiKeyConfig
	policy   Policy
	store    *redis.Client
	now      func() time.Time
}

// New creates a pool over an immutable key configuration
func New(provider string, keys []models.ApiKeyConfig, policy Policy, store *redis.Client) *Pool {
	cp := make([]models.ApiKeyConfig, len(keys))
	copy(cp, keys)
	return &Pool{
		provider: provider,
		keys:     cp,
		policy:   policy,
		store:    store,
		now:      time.Now,
	}
}

// Provider returns the provider this pool serves
func (p *Pool) Provider() string { return p.provider }

// Size returns the number of configured keys
func (p *Pool) Size() int { return len(p.keys) }

func (p *Pool) key(id, suffix string) string {
	return fmt.Sprintf("keypool:%s:%s:%s", p.provider, id, suffix)
}

func (p *Pool) dayKey(id string, now time.Time) string {
	return p.key(id, "day:"+clock.UTCDate(now))
}

func (p *Pool) healthKey(id string) string {
	return p.key(id, "health")
}

const (
	fieldSuccess = "success"
	fieldErrors  = "errors"
)

func (p *Pool) states(ctx context.Context, now time.Time) ([]KeyState, error) {
	const perKey = 3
	keys := make([]string, 0, len(p.keys)*perKey)
	health := make([]string, 0, len(p.keys))
	for _, k := range p.keys {
		keys = append(keys,
			p.key(k.ID, "minute"),
			p.dayKey(k.ID, now),
			p.key(k.ID, "cooldown"),
		)
		health = append(health, p.healthKey(k.ID))
	}

	vals, err := p.store.GetInts(ctx, keys...)
	if err != nil {
		return nil, err
	}
	samples, err := p.store.HGetInts(ctx, health, fieldSuccess, fieldErrors)
	if err != nil {
		return nil, err
	}

	states := make([]KeyState, len(p.keys))
	for i, k := range p.keys {
		v := vals[i*perKey : (i+1)*perKey]
		states[i] = KeyState{
			Config:      k,
			MinuteCount: v[0],
			DayCount:    v[1],
			Successes:   samples[i][0],
			Errors:      samples[i][1],
		}
		if v[2] > 0 {
			until := time.UnixMilli(v[2]).UTC()
			states[i].CooldownUntil = &until
		}
	}
	return states, nil
}

// SelectKey returns the eligible key with the lowest current minute count,
// or nil when no key is eligible.
func (p *Pool) SelectKey(ctx context.Context) (*KeyState, error) {
	if len(p.keys) == 0 {
		return nil, nil
	}
	now := p.now()

	states, err := p.states(ctx, now)
	if err != nil {
		// Without shared counters every key looks idle; keep serving on the first one.
		logging.FromContext(ctx).Warn("key pool read failed, using first key",
			slog.String("provider", p.provider), slog.Any("error", err))
		return &KeyState{Config: p.keys[0]}, nil
	}

	var best *KeyState
	for i := range states {
		s := &states[i]
		if !s.eligible(p.policy, now) {
			continue
		}
		if best == nil || s.MinuteCount < best.MinuteCount {
			best = s
		}
	}
	return best, nil
}

// RecordSuccess counts a successful call against a key
func (p *Pool) RecordSuccess(ctx context.Context, keyID string) error {
	now := p.now()
	if _, err := p.store.IncrWithExpiry(ctx, p.key(keyID, "minute"), time.Minute); err != nil {
		return fmt.Errorf("failed to record key usage: %w", err)
	}
	if _, err := p.store.IncrWithExpiry(ctx, p.dayKey(keyID, now), clock.UntilUTCMidnight(now)); err != nil {
		return fmt.Errorf("failed to record key usage: %w", err)
	}
	if _, err := p.store.HIncrWithExpiry(ctx, p.healthKey(keyID), fieldSuccess, p.policy.Window); err != nil {
		return fmt.Errorf("failed to record key success: %w", err)
	}
	return nil
}

// RecordFailure counts a failed call; an upstream 429 also cools the key down
func (p *Pool) RecordFailure(ctx context.Context, keyID string, statusCode int) error {
	if _, err := p.store.HIncrWithExpiry(ctx, p.healthKey(keyID), fieldErrors, p.policy.Window); err != nil {
		return fmt.Errorf("failed to record key failure: %w", err)
	}
	if statusCode != 429 {
		return nil
	}

	until := p.now().Add(p.policy.Cooldown)
	if err := p.store.Set(ctx, p.key(keyID, "cooldown"), strconv.FormatInt(until.UnixMilli(), 10), p.policy.Cooldown); err != nil {
		return fmt.Errorf("failed to set key cooldown: %w", err)
	}
	logging.FromContext(ctx).Warn("api key cooling down after upstream rate limit",
		slog.String("provider", p.provider),
		slog.String("key_id", keyID),
		slog.Time("until", until))
	return nil
}

// Availability reports how many keys can currently serve traffic
func (p *Pool) Availability(ctx context.Context) (Availability, error) {
	now := p.now()
	states, err := p.states(ctx, now)
	if err != nil {
		return Availability{}, fmt.Errorf("failed to read key pool: %w", err)
	}

	av := Availability{Provider: p.provider, Total: len(states), Keys: make([]KeyView, 0, len(states))}
	for i := range states {
		s := &states[i]
		ok := s.eligible(p.policy, now)
		if ok {
			av.Available++
		}
		if s.coolingDown(now) {
			av.CoolingDown++
		}
		av.Keys = append(av.Keys, KeyView{
			ID:            s.ID(),
			Tier:          s.Config.Tier,
			RPMLimit:      s.Config.RPMLimit,
			MinuteCount:   s.MinuteCount,
			DayCount:      s.DayCount,
			ErrorRate:     s.ErrorRate(),
			CooldownUntil: s.CooldownUntil,
			Eligible:      ok,
		})
	}

	metrics.KeysAvailable.WithLabelValues(p.provider).Set(float64(av.Available))
	metrics.KeysCoolingDown.WithLabelValues(p.provider).Set(float64(av.CoolingDown))

	if av.Total >= 2 && av.Available < 2 {
		logging.FromContext(ctx).Warn("key pool running low",
			slog.String("provider", p.provider),
			slog.Int("available", av.Available),
			slog.Int("cooling_down", av.CoolingDown),
			slog.Int("total", av.Total))
	}
	return av, nil
}
