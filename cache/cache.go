// Package cache is the shared Redis response cache for GET endpoints. It
// stores rendered JSON bodies keyed by method, path, normalized query and
// content-negotiation headers, with per-path TTL overrides and a short
// single-flight lock so a cold popular key is rendered once, not once per
// concurrent client.
package cache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config controls the cache. Zero values fall back to defaults via New.
type Config struct {
	Enabled    bool
	Prefix     string        // default "api-cache:v1"
	TTL        time.Duration // default 60s
	TTLByPath  map[string]time.Duration
	MaxBytes   int           // default 512KB
	MetricsTTL time.Duration // default 7d
	LockTTL    time.Duration // default 8s
	LockWait   time.Duration // default 200ms
}

// Cache is the Redis-backed response cache.
type Cache struct {
	rdb *redis.Client
	cfg Config
}

// New builds a Cache, filling config defaults.
func New(rdb *redis.Client, cfg Config) *Cache {
	if cfg.Prefix == "" {
		cfg.Prefix = "api-cache:v1"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 512 * 1024
	}
	if cfg.MetricsTTL <= 0 {
		cfg.MetricsTTL = 7 * 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 8 * time.Second
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 200 * time.Millisecond
	}
	return &Cache{rdb: rdb, cfg: cfg}
}

// Prefix returns the configured key prefix, for exposition and invalidation.
func (c *Cache) Prefix() string { return c.cfg.Prefix }

// Entry is the stored representation of a cached response.
type Entry struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	BodyB64 string            `json:"body_b64"`
}

func normalizeQuery(r *http.Request) string {
	q := r.URL.Query()
	if len(q) == 0 {
		return ""
	}
	var pairs []string
	for k, vs := range q {
		for _, v := range vs {
			pairs = append(pairs, k+"="+v)
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

// Key derives the cache key for a request. Representation headers are part
// of the key so clients negotiating different content never collide.
func (c *Cache) Key(r *http.Request) string {
	accept := strings.ToLower(r.Header.Get("Accept"))
	lang := strings.ToLower(r.Header.Get("Accept-Language"))
	return fmt.Sprintf("%s:%s:%s?%s|a=%s|l=%s",
		c.cfg.Prefix, strings.ToUpper(r.Method), r.URL.Path, normalizeQuery(r), accept, lang)
}

func bypass(r *http.Request) bool {
	switch r.Header.Get("x-cache-bypass") {
	case "1", "true", "True":
		return true
	}
	if r.Header.Get("Authorization") != "" || r.Header.Get("Cookie") != "" {
		return true
	}
	switch r.URL.Query().Get("cache") {
	case "0", "false":
		return true
	}
	return false
}

// ShouldAttempt reports whether this request participates in caching at all.
func (c *Cache) ShouldAttempt(r *http.Request) bool {
	return c.cfg.Enabled && r.Method == http.MethodGet && !bypass(r)
}

// ttlFor picks the longest matching path-prefix override, or the default.
func (c *Cache) ttlFor(path string) time.Duration {
	best := ""
	ttl := c.cfg.TTL
	for prefix, d := range c.cfg.TTLByPath {
		if strings.HasPrefix(path, prefix) && len(prefix) > len(best) {
			best = prefix
			ttl = d
		}
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (c *Cache) incrMetric(ctx context.Context, name string) {
	key := c.cfg.Prefix + ":metrics:" + name
	if err := c.rdb.Incr(ctx, key).Err(); err != nil {
		return
	}
	c.rdb.Expire(ctx, key, c.cfg.MetricsTTL)
}

// Get looks the request up. A hit also bumps the hit counter; lookup errors
// and decode failures count as misses.
func (c *Cache) Get(ctx context.Context, r *http.Request) (*Entry, []byte, bool) {
	if !c.ShouldAttempt(r) {
		return nil, nil, false
	}
	raw, err := c.rdb.Get(ctx, c.Key(r)).Bytes()
	if err != nil {
		return nil, nil, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, nil, false
	}
	body, err := base64.StdEncoding.DecodeString(e.BodyB64)
	if err != nil {
		return nil, nil, false
	}
	c.incrMetric(ctx, "hit")
	return &e, body, true
}

// Storable reports whether a rendered response qualifies for the cache:
// 200, JSON, no cookies, under the size cap, and not explicitly skipped.
func (c *Cache) Storable(r *http.Request, status int, header http.Header, body []byte) bool {
	if !c.ShouldAttempt(r) || status != http.StatusOK {
		return false
	}
	if header.Get("Set-Cookie") != "" {
		return false
	}
	if !strings.Contains(strings.ToLower(header.Get("Content-Type")), "application/json") {
		return false
	}
	if len(body) > c.cfg.MaxBytes {
		return false
	}
	switch header.Get("x-cache-skip") {
	case "1", "true", "True":
		return false
	}
	return true
}

// Set stores a response under the request's key.
func (c *Cache) Set(ctx context.Context, r *http.Request, status int, header http.Header, body []byte) error {
	if !c.Storable(r, status, header, body) {
		return nil
	}
	e := Entry{
		Status:  status,
		Headers: map[string]string{"content-type": header.Get("Content-Type")},
		BodyB64: base64.StdEncoding.EncodeToString(body),
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: marshal entry: %w", err)
	}
	if err := c.rdb.Set(ctx, c.Key(r), data, c.ttlFor(r.URL.Path)).Err(); err != nil {
		return fmt.Errorf("cache: set: %w", err)
	}
	return nil
}

// TryLock takes the single-flight lock for the request's key. The first
// caller renders; the rest wait for the fill.
func (c *Cache) TryLock(ctx context.Context, r *http.Request) bool {
	if !c.cfg.Enabled {
		return false
	}
	ok, err := c.rdb.SetNX(ctx, c.Key(r)+":lock", "1", c.cfg.LockTTL).Result()
	return err == nil && ok
}

// Unlock releases the single-flight lock.
func (c *Cache) Unlock(ctx context.Context, r *http.Request) {
	if !c.cfg.Enabled {
		return
	}
	c.rdb.Del(ctx, c.Key(r)+":lock")
}

// WaitForFill sleeps one lock-wait interval and retries the lookup. Losers
// of the lock race call this instead of rendering.
func (c *Cache) WaitForFill(ctx context.Context, r *http.Request) (*Entry, []byte, bool) {
	if !c.cfg.Enabled {
		return nil, nil, false
	}
	select {
	case <-ctx.Done():
		return nil, nil, false
	case <-time.After(c.cfg.LockWait):
	}
	return c.Get(ctx, r)
}

// MarkMiss bumps the miss counter. The middleware calls it once per
// render-from-origin.
func (c *Cache) MarkMiss(ctx context.Context) {
	if c.cfg.Enabled {
		c.incrMetric(ctx, "miss")
	}
}

// InvalidatePathPrefixes deletes cached GET responses whose path starts with
// any of the prefixes. Returns the number of keys removed.
func (c *Cache) InvalidatePathPrefixes(ctx context.Context, prefixes ...string) int {
	if !c.cfg.Enabled {
		return 0
	}
	patterns := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		patterns = append(patterns, c.cfg.Prefix+":GET:"+p+"*")
	}
	return c.InvalidatePatterns(ctx, patterns...)
}

// InvalidatePatterns deletes keys matching raw Redis glob patterns.
func (c *Cache) InvalidatePatterns(ctx context.Context, patterns ...string) int {
	if !c.cfg.Enabled {
		return 0
	}
	deleted := 0
	for _, pattern := range patterns {
		iter := c.rdb.Scan(ctx, 0, pattern, 500).Iterator()
		for iter.Next(ctx) {
			if err := c.rdb.Del(ctx, iter.Val()).Err(); err == nil {
				deleted++
			}
		}
		if err := iter.Err(); err != nil {
			return deleted
		}
	}
	return deleted
}

// Snapshot returns the hit/miss counters for /metrics/basic.
func (c *Cache) Snapshot(ctx context.Context) (enabled bool, hit, miss int64) {
	if !c.cfg.Enabled {
		return false, 0, 0
	}
	hit, _ = c.rdb.Get(ctx, c.cfg.Prefix+":metrics:hit").Int64()
	miss, _ = c.rdb.Get(ctx, c.cfg.Prefix+":metrics:miss").Int64()
	return true, hit, miss
}
