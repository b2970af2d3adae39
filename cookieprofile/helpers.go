package cookieprofile

import (
	"context"
	"log/slog"
	"strconv"
)

type contextKey string

const loggerContextKey contextKey = "logger"

// WithLogger returns a context carrying the given logger, retrievable
// with ContextLogger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns the logger carried by the context, if any.
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

// contextLoggerOr returns the context's logger, falling back to the
// given default (or slog.Default).
func contextLoggerOr(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ContextLogger(ctx); ok && logger != nil {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

// parseSnowflake converts a Discord snowflake string to its numeric
// form. Malformed input returns 0, which every caller treats as
// "absent".
func parseSnowflake(id string) int64 {
	if id == "" {
		return 0
	}
	v, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// formatSnowflake converts a numeric snowflake back to the string form
// the platform API expects. Zero formats as "" rather than "0" so
// "absent" round-trips.
func formatSnowflake(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}
