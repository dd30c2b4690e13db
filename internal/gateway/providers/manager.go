package providers

import (
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/config"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/redis"
)

// Manager holds the primary adapter and the optional fallback
type Manager struct {
	primary  Adapter
	fallback Adapter
	budget   *Budget
}

// NewManager builds the configured adapters
func NewManager(cfg *config.Config, store *redis.Client) *Manager {
	m := &Manager{
		primary: NewGeminiProvider(GeminiOptions{
			BaseURL:   cfg.GeminiBaseURL,
			Model:     cfg.GeminiModel,
			MaxTokens: cfg.MaxOutputTokens,
			Pricing:   Pricing{InputPer1K: cfg.GeminiInputPer1K, OutputPer1K: cfg.GeminiOutputPer1K},
			Timeout:   cfg.ProviderTimeout,
		}),
	}

	// Fallback only when enabled and keyed
	if cfg.FallbackEnabled && len(cfg.KeyPools.OpenAI) > 0 {
		m.budget = NewBudget(store, ProviderOpenAI, cfg.FallbackDailyCap)
		m.fallback = NewOpenAIProvider(OpenAIOptions{
			BaseURL:   cfg.OpenAIBaseURL,
			Model:     cfg.OpenAIModel,
			MaxTokens: cfg.MaxOutputTokens,
			Pricing:   Pricing{InputPer1K: cfg.OpenAIInputPer1K, OutputPer1K: cfg.OpenAIOutputPer1K},
			Timeout:   cfg.ProviderTimeout,
			Budget:    m.budget,
		})
	}

	return m
}

// Primary returns the primary adapter
func (m *Manager) Primary() Adapter { return m.primary }

// Fallback returns the fallback adapter, nil when disabled
func (m *Manager) Fallback() Adapter { return m.fallback }

// Budget returns the fallback spend budget, nil when disabled
func (m *Manager) Budget() *Budget { return m.budget }

// Names lists the configured provider names in routing order
func (m *Manager) Names() []string {
	names := []string{m.primary.Name()}
	if m.fallback != nil {
		names = append(names, m.fallback.Name())
	}
	return names
}
