package circuit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/metrics"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/logging"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/redis"
)

// State represents the state of a circuit breaker
type State string

const (
	// StateClosed lets every request through.
	StateClosed State = "CLOSED"
	// StateOpen rejects requests until the retry time passes.
	StateOpen State = "OPEN"
	// StateHalfOpen admits a limited number of probes.
	StateHalfOpen State = "HALF_OPEN"
)

func (s State) gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Config holds the breaker thresholds
type Config struct {
	FailureThreshold  int
	SuccessThreshold  int
	Timeout           time.Duration
	HalfOpenMaxProbes int
}

// DefaultConfig opens after 5 consecutive failures, probes after 30s and
// closes after 3 probe successes.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		SuccessThreshold:  3,
		Timeout:           30 * time.Second,
		HalfOpenMaxProbes: 3,
	}
}

// Snapshot is the persisted breaker state of one provider
type Snapshot struct {
	Provider    string     `json:"provider"`
	State       State      `json:"state"`
	Failures    int        `json:"consecutive_failures"`
	Successes   int        `json:"consecutive_successes"`
	LastFailure *time.Time `json:"last_failure_at,omitempty"`
	LastSuccess *time.Time `json:"last_success_at,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// Breaker is a per-provider state machine stored in the shared store. Every
// decision reads the latest snapshot and writes it back without locking;
// concurrent writers resolve last-write-wins.
type Breaker struct {
	store *redis.Client
	cfg   Config
	now   func() time.Time
}

// New creates a breaker. Thresholds below 1 take their defaults and the
// probe budget is raised to the success threshold so a half-open circuit can
// always close.
func New(store *redis.Client, cfg Config) *Breaker {
	return &Breaker{store: store, cfg: cfg.normalized(), now: time.Now}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.FailureThreshold < 1 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.HalfOpenMaxProbes < c.SuccessThreshold {
		c.HalfOpenMaxProbes = c.SuccessThreshold
	}
	return c
}

func stateKey(provider string) string {
	return "circuit:" + provider
}

func (b *Breaker) load(ctx context.Context, provider string) (Snapshot, error) {
	data, err := b.store.GetBytes(ctx, stateKey(provider))
	if errors.Is(err, redis.ErrNotFound) {
		return Snapshot{Provider: provider, State: StateClosed}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("corrupt circuit state for %s: %w", provider, err)
	}
	s.Provider = provider
	if s.State == "" {
		s.State = StateClosed
	}
	return s, nil
}

func (b *Breaker) save(ctx context.Context, s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := b.store.Set(ctx, stateKey(s.Provider), data, 0); err != nil {
		return fmt.Errorf("failed to save circuit state: %w", err)
	}
	metrics.CircuitState.WithLabelValues(s.Provider).Set(s.State.gauge())
	return nil
}

func (b *Breaker) transition(ctx context.Context, s *Snapshot, to State) {
	from := s.State
	s.State = to
	s.Failures = 0
	s.Successes = 0
	s.NextRetryAt = nil
	if to == StateOpen {
		retry := b.now().Add(b.cfg.Timeout)
		s.NextRetryAt = &retry
	}

	lg := logging.FromContext(ctx)
	attrs := []any{slog.String("provider", s.Provider), slog.String("from", string(from)), slog.String("to", string(to))}
	if to == StateOpen {
		lg.Warn("circuit breaker opened", attrs...)
	} else {
		lg.Info("circuit breaker state changed", attrs...)
	}
}

// ShouldAllow reports whether a call to provider may proceed. An OPEN circuit
// whose retry time has passed moves to HALF_OPEN here.
func (b *Breaker) ShouldAllow(ctx context.Context, provider string) bool {
	s, err := b.load(ctx, provider)
	if err != nil {
		logging.FromContext(ctx).Warn("circuit state unavailable, allowing request",
			slog.String("provider", provider), slog.Any("error", err))
		return true
	}

	switch s.State {
	case StateOpen:
		if s.NextRetryAt == nil || b.now().Before(*s.NextRetryAt) {
			return false
		}
		b.transition(ctx, &s, StateHalfOpen)
		if err := b.save(ctx, s); err != nil {
			logging.FromContext(ctx).Warn("failed to persist half-open transition",
				slog.String("provider", provider), slog.Any("error", err))
		}
		return true
	case StateHalfOpen:
		return s.Successes < b.cfg.HalfOpenMaxProbes
	default:
		return true
	}
}

// RecordSuccess reports a successful provider call
func (b *Breaker) RecordSuccess(ctx context.Context, provider string) error {
	s, err := b.load(ctx, provider)
	if err != nil {
		return err
	}
	now := b.now()
	s.LastSuccess = &now

	switch s.State {
	case StateClosed:
		s.Failures = 0
	case StateHalfOpen:
		s.Successes++
		if s.Successes >= b.cfg.SuccessThreshold {
			b.transition(ctx, &s, StateClosed)
		}
	}
	return b.save(ctx, s)
}

// RecordFailure reports a failed provider call
func (b *Breaker) RecordFailure(ctx context.Context, provider string) error {
	s, err := b.load(ctx, provider)
	if err != nil {
		return err
	}
	now := b.now()
	s.LastFailure = &now

	switch s.State {
	case StateClosed:
		s.Failures++
		if s.Failures >= b.cfg.FailureThreshold {
			b.transition(ctx, &s, StateOpen)
		}
	case StateHalfOpen:
		b.transition(ctx, &s, StateOpen)
	}
	return b.save(ctx, s)
}

// State returns the stored snapshot for a provider
func (b *Breaker) State(ctx context.Context, provider string) (Snapshot, error) {
	return b.load(ctx, provider)
}

// Reset forces a provider's circuit closed
func (b *Breaker) Reset(ctx context.Context, provider string) error {
	s, err := b.load(ctx, provider)
	if err != nil {
		s = Snapshot{Provider: provider}
	}
	b.transition(ctx, &s, StateClosed)
	return b.save(ctx, s)
}
