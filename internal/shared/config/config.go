package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port        string `env:"PORT" envDefault:"8080"`
	Env         string `env:"ENV" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"reefscan-gateway"`

	// Database
	DatabaseURL string `env:"DATABASE_URL"`

	// Redis
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`

	// Auth
	JWTSecret       string        `env:"JWT_SECRET"`
	AppSecret       string        `env:"APP_SECRET"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`
	AdminToken      string        `env:"ADMIN_TOKEN"`

	// Provider key pools
	KeyPoolFile   string `env:"KEY_POOL_FILE"`
	GeminiAPIKeys string `env:"GEMINI_API_KEYS"`
	OpenAIAPIKeys string `env:"OPENAI_API_KEYS"`

	// Providers
	GeminiModel       string        `env:"GEMINI_MODEL" envDefault:"gemini-2.5-flash"`
	GeminiBaseURL     string        `env:"GEMINI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta"`
	GeminiInputPer1K  float64       `env:"GEMINI_INPUT_PER_1K" envDefault:"0.0003"`
	GeminiOutputPer1K float64       `env:"GEMINI_OUTPUT_PER_1K" envDefault:"0.0025"`
	OpenAIModel       string        `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OpenAIBaseURL     string        `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	OpenAIInputPer1K  float64       `env:"OPENAI_INPUT_PER_1K" envDefault:"0.00015"`
	OpenAIOutputPer1K float64       `env:"OPENAI_OUTPUT_PER_1K" envDefault:"0.0006"`
	FallbackEnabled   bool          `env:"FALLBACK_ENABLED" envDefault:"true"`
	FallbackDailyCap  float64       `env:"FALLBACK_DAILY_COST_CAP_USD" envDefault:"5"`
	ProviderTimeout   time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"30s"`
	MaxOutputTokens   int           `env:"MAX_OUTPUT_TOKENS" envDefault:"2048"`

	// Rate Limiting
	FreeDailyLimit     int `env:"FREE_DAILY_LIMIT" envDefault:"3"`
	PremiumDailyLimit  int `env:"PREMIUM_DAILY_LIMIT" envDefault:"20"`
	DevicePerMinute    int `env:"DEVICE_PER_MINUTE" envDefault:"5"`
	GlobalPerMinute    int `env:"GLOBAL_PER_MINUTE" envDefault:"500"`
	IPPerHour          int `env:"IP_PER_HOUR" envDefault:"60"`
	AuthPerMinutePerIP int `env:"AUTH_PER_MINUTE_PER_IP" envDefault:"20"`

	// Key pool policy
	KeyErrorRateThreshold float64       `env:"KEY_ERROR_RATE_THRESHOLD" envDefault:"0.05"`
	KeyMinSamples         int           `env:"KEY_MIN_SAMPLES" envDefault:"10"`
	KeyCooldown           time.Duration `env:"KEY_COOLDOWN" envDefault:"60s"`

	// Circuit breaker
	CircuitFailureThreshold int           `env:"CIRCUIT_FAILURE_THRESHOLD" envDefault:"5"`
	CircuitSuccessThreshold int           `env:"CIRCUIT_SUCCESS_THRESHOLD" envDefault:"3"`
	CircuitTimeout          time.Duration `env:"CIRCUIT_TIMEOUT" envDefault:"30s"`
	CircuitHalfOpenProbes   int           `env:"CIRCUIT_HALF_OPEN_PROBES" envDefault:"3"`

	// Caching
	CacheEnabled        bool          `env:"CACHE_ENABLED" envDefault:"true"`
	CacheTTL            time.Duration `env:"CACHE_TTL" envDefault:"168h"`
	IdempotencyTTL      time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	MaxImageBase64Bytes int           `env:"MAX_IMAGE_BASE64_BYTES" envDefault:"7000000"`

	// Loaded from KeyPoolFile or the *_API_KEYS variables
	KeyPools KeyPools `env:"-"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	pools, err := loadKeyPools(&cfg)
	if err != nil {
		return nil, err
	}
	cfg.KeyPools = pools

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that required fields are present
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.AppSecret == "" {
		errs = append(errs, errors.New("APP_SECRET is required"))
	}
	if len(c.KeyPools.Gemini) == 0 {
		errs = append(errs, errors.New("at least one primary provider key is required (GEMINI_API_KEYS or KEY_POOL_FILE)"))
	}
	if c.FallbackEnabled && len(c.KeyPools.OpenAI) == 0 {
		errs = append(errs, errors.New("FALLBACK_ENABLED requires OPENAI_API_KEYS or an openai pool in KEY_POOL_FILE"))
	}
	if c.FreeDailyLimit <= 0 || c.PremiumDailyLimit <= 0 {
		errs = append(errs, errors.New("daily limits must be positive"))
	}
	if c.CircuitFailureThreshold < 1 || c.CircuitSuccessThreshold < 1 {
		errs = append(errs, errors.New("CIRCUIT_FAILURE_THRESHOLD and CIRCUIT_SUCCESS_THRESHOLD must be at least 1"))
	}
	// fewer probes than required successes would leave the circuit half-open forever
	if c.CircuitHalfOpenProbes < c.CircuitSuccessThreshold {
		errs = append(errs, fmt.Errorf("CIRCUIT_HALF_OPEN_PROBES (%d) must be at least CIRCUIT_SUCCESS_THRESHOLD (%d)",
			c.CircuitHalfOpenProbes, c.CircuitSuccessThreshold))
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether the gateway runs in development mode
func (c *Config) IsDevelopment() bool {
	env := strings.ToLower(c.Env)
	return env == "development" || env == "dev"
}

// AdminEnabled reports whether admin endpoints should be mounted
func (c *Config) AdminEnabled() bool { return c.AdminToken != "" }
