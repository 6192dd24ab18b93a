package shield

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitConfig controls the fixed-window per-key rate limiter.
type RateLimitConfig struct {
	// RPM is the allowed requests per minute per API key. 0 disables limiting.
	RPM int

	// BypassKeys are API keys exempt from limiting (internal workers).
	BypassKeys []string

	// Prefix namespaces the Redis counters. Defaults to "ratelimit:v1".
	Prefix string
}

// RateLimiter enforces a fixed one-minute window per API key, counted in
// Redis so all API replicas share the budget. Redis failures fail open:
// losing rate limiting is better than losing the API.
type RateLimiter struct {
	rdb redis.UniversalClient
	cfg RateLimitConfig
}

// NewRateLimiter builds a limiter on the given Redis client.
func NewRateLimiter(rdb redis.UniversalClient, cfg RateLimitConfig) *RateLimiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "ratelimit:v1"
	}
	return &RateLimiter{rdb: rdb, cfg: cfg}
}

func (rl *RateLimiter) bypass(key string) bool {
	for _, b := range rl.cfg.BypassKeys {
		if key == b {
			return true
		}
	}
	return false
}

// Allow increments the caller's window counter and reports whether the
// request is within budget.
func (rl *RateLimiter) Allow(r *http.Request, key string) bool {
	if rl == nil || rl.rdb == nil || rl.cfg.RPM <= 0 {
		return true
	}
	if rl.bypass(key) {
		return true
	}
	if key == "" {
		// Unauthenticated (public) requests share a per-IP budget.
		key = "ip:" + ExtractIP(r)
	}
	ctx := r.Context()
	window := time.Now().Unix() / 60
	redisKey := fmt.Sprintf("%s:%s:%d", rl.cfg.Prefix, key, window)
	n, err := rl.rdb.Incr(ctx, redisKey).Result()
	if err != nil {
		slog.Warn("shield: rate limit counter unavailable", "error", err)
		return true
	}
	if n == 1 {
		if err := rl.rdb.Expire(ctx, redisKey, 120*time.Second).Err(); err != nil {
			slog.Warn("shield: rate limit expire", "error", err)
		}
	}
	return n <= int64(rl.cfg.RPM)
}

// Middleware rejects over-budget requests with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(r, GetAPIKey(r.Context())) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate_limited"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractIP returns the client IP, preferring the first X-Forwarded-For
// entry when present (the API sits behind a reverse proxy).
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
