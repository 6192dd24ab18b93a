// Package shield protects the radar HTTP API. It bundles API-key
// authentication, Redis-backed rate limiting, security headers, body limits,
// request tracing, and per-request metrics into a single importable package.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.HeadToGet)
//	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
//	r.Use(shield.MaxJSONBody(2 << 20))
//	r.Use(shield.TraceID)
//	r.Use(shield.RequestMetrics(sink))
//	r.Use(shield.APIAuth(authCfg))
//	r.Use(shield.NewRateLimiter(rdb, rlCfg).Middleware)
package shield

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	// LoggerKey is the context key for the per-request structured logger.
	LoggerKey contextKey = "shield_logger"

	// TraceIDKey is the context key for the per-request trace ID.
	TraceIDKey contextKey = "shield_trace_id"

	// APIKeyKey is the context key for the authenticated API key.
	APIKeyKey contextKey = "shield_api_key"
)

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// GetTraceID retrieves the trace ID from the context, or "" if unset.
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

// GetAPIKey retrieves the authenticated API key from the context, or "" for
// unauthenticated (public path) requests.
func GetAPIKey(ctx context.Context) string {
	v, _ := ctx.Value(APIKeyKey).(string)
	return v
}
