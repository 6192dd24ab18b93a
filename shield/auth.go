package shield

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthConfig controls API-key authentication.
type AuthConfig struct {
	// Required toggles enforcement. When false every request passes through.
	Required bool

	// Keys is the set of accepted API keys.
	Keys []string

	// PublicPaths are exact paths that never require a key.
	PublicPaths []string
}

// DefaultPublicPaths lists the endpoints that stay open for probes and
// scrapers even when authentication is enforced.
func DefaultPublicPaths() []string {
	return []string{"/health", "/health/cache", "/health/queue", "/metrics", "/metrics/basic"}
}

func (c AuthConfig) isPublic(path string) bool {
	for _, p := range c.PublicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// ExtractKey pulls the API key from the x-api-key header, falling back to a
// Bearer Authorization header. Returns "" when neither is present.
func ExtractKey(r *http.Request) string {
	if k := r.Header.Get("x-api-key"); k != "" {
		return k
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func (c AuthConfig) validKey(key string) bool {
	if key == "" {
		return false
	}
	ok := false
	for _, want := range c.Keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(want)) == 1 {
			ok = true
		}
	}
	return ok
}

// APIAuth returns middleware that rejects requests without a valid API key.
// Public paths pass through unauthenticated. The accepted key is stored in
// the request context under APIKeyKey for the rate limiter.
func APIAuth(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Required || cfg.isPublic(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			key := ExtractKey(r)
			if !cfg.validKey(key) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			ctx := context.WithValue(r.Context(), APIKeyKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
