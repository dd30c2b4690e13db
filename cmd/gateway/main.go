package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/analyzer"
	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/auth"
	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/circuit"
	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/handlers"
	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/keypool"
	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/metrics"
	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/usage"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/config"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/database"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/logging"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.Setup(cfg)
	logger.Info("starting reefscan gateway", slog.String("port", cfg.Port), slog.String("env", cfg.Env))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Initialize database
	db, err := connect(ctx, "postgres", func(ctx context.Context) (*database.DB, error) {
		return database.New(ctx, cfg.DatabaseURL)
	})
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to migrate database", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize Redis
	store, err := connect(ctx, "redis", func(ctx context.Context) (*redis.Client, error) {
		return redis.New(ctx, cfg.RedisURL)
	})
	if err != nil {
		logger.Error("failed to connect to redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	metrics.Register(prometheus.DefaultRegisterer)

	policy := keypool.Policy{
		ErrorRateThreshold: cfg.KeyErrorRateThreshold,
		MinSamples:         cfg.KeyMinSamples,
		Cooldown:           cfg.KeyCooldown,
		Window:             keypool.DefaultPolicy().Window,
	}
	geminiPool := keypool.New(providers.ProviderGemini, cfg.KeyPools.Gemini, policy, store)
	pools := []handlers.PoolReader{geminiPool}

	breaker := circuit.New(store, circuit.Config{
		FailureThreshold:  cfg.CircuitFailureThreshold,
		SuccessThreshold:  cfg.CircuitSuccessThreshold,
		Timeout:           cfg.CircuitTimeout,
		HalfOpenMaxProbes: cfg.CircuitHalfOpenProbes,
	})
	limiter := ratelimit.New(store, ratelimit.Limits{
		FreeDaily:       cfg.FreeDailyLimit,
		PremiumDaily:    cfg.PremiumDailyLimit,
		DevicePerMinute: cfg.DevicePerMinute,
		GlobalPerMinute: cfg.GlobalPerMinute,
		IPPerHour:       cfg.IPPerHour,
	})
	resultCache := cache.New(store, cache.Options{
		Enabled:        cfg.CacheEnabled,
		TTL:            cfg.CacheTTL,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})

	providerMgr := providers.NewManager(cfg, store)
	authSvc := auth.NewService(db, auth.Options{
		JWTSecret:  cfg.JWTSecret,
		AppSecret:  cfg.AppSecret,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})
	usageSvc := usage.NewService(db, limiter)

	deps := analyzer.Deps{
		Auth:    authSvc,
		Limiter: limiter,
		Cache:   resultCache,
		Breaker: breaker,
		Usage:   usageSvc,
		Primary: analyzer.Route{Adapter: providerMgr.Primary(), Pool: geminiPool},
		Timeout: cfg.ProviderTimeout,
	}
	if fb := providerMgr.Fallback(); fb != nil {
		openaiPool := keypool.New(providers.ProviderOpenAI, cfg.KeyPools.OpenAI, policy, store)
		deps.Fallback = &analyzer.Route{Adapter: fb, Pool: openaiPool}
		pools = append(pools, openaiPool)
	}
	logger.Info("providers ready", slog.Any("providers", providerMgr.Names()))

	var admin *handlers.AdminHandler
	if cfg.AdminEnabled() {
		admin = handlers.NewAdminHandler(authSvc, resultCache, breaker, usageSvc, providerMgr.Names())
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Analyze:            handlers.NewAnalyzeHandler(analyzer.NewService(deps), cfg.MaxImageBase64Bytes),
		Auth:               handlers.NewAuthHandler(authSvc),
		Usage:              handlers.NewUsageHandler(usageSvc),
		Health:             handlers.NewHealthHandler(store, db, breaker, pools...),
		Admin:              admin,
		Verifier:           authSvc,
		AdminToken:         cfg.AdminToken,
		AuthPerMinutePerIP: cfg.AuthPerMinutePerIP,
	})

	// HTTP server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      cfg.ProviderTimeout*2 + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr), slog.Bool("admin", cfg.AdminEnabled()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.Any("error", err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}

	// flush in-flight usage and last-seen writes before the pools close
	usageSvc.Wait()
	authSvc.Wait()
	logger.Info("server stopped")
}

// connect retries a datastore dial with exponential backoff until it
// succeeds, the context ends or a minute passes
func connect[T any](ctx context.Context, name string, dial func(context.Context) (T, error)) (T, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 5 * time.Second
	expo.MaxElapsedTime = time.Minute

	var out T
	op := func() error {
		v, err := dial(ctx)
		if err != nil {
			slog.Warn("datastore not ready", slog.String("store", name), slog.Any("error", err))
			return err
		}
		out = v
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return out, err
	}
	slog.Info("connected", slog.String("store", name))
	return out, nil
}
