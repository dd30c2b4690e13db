package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/mrmushfiq/reefscan-gateway/internal/shared/config"
)

type loggerKey struct{}

// Setup configures a JSON slog logger with service fields and installs it as
// the default logger.
func Setup(cfg *config.Config) *slog.Logger {
	return setup(os.Stdout, cfg)
}

func setup(w io.Writer, cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDevelopment() {
		opts.Level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(w, opts)).With(
		slog.String("service", cfg.ServiceName),
		slog.String("env", cfg.Env),
	)
	slog.SetDefault(logger)
	return logger
}

// WithLogger attaches a request-scoped logger to the context
func WithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey{}, lg)
}

// FromContext returns the request-scoped logger or the default logger
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if lg, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && lg != nil {
			return lg
		}
	}
	return slog.Default()
}
