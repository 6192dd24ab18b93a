package cache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testCache(t *testing.T, cfg Config) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	cfg.Enabled = true
	return New(rdb, cfg), mr
}

func jsonHandler(hits *atomic.Int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"n": hits.Load()})
	})
}

func TestMiddlewareHitMiss(t *testing.T) {
	c, _ := testCache(t, Config{})
	var hits atomic.Int64
	h := c.Middleware(jsonHandler(&hits))

	req := httptest.NewRequest(http.MethodGet, "/v1/tenders?limit=10", nil)

	w1 := httptest.NewRecorder()
	h.ServeHTTP(w1, req)
	if w1.Header().Get("x-cache") != "miss" {
		t.Fatalf("first request x-cache = %q", w1.Header().Get("x-cache"))
	}

	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, req)
	if w2.Header().Get("x-cache") != "hit" {
		t.Fatalf("second request x-cache = %q", w2.Header().Get("x-cache"))
	}
	if hits.Load() != 1 {
		t.Fatalf("origin hit %d times, want 1", hits.Load())
	}
	if w1.Body.String() != w2.Body.String() {
		t.Fatalf("cached body differs: %q vs %q", w1.Body, w2.Body)
	}

	_, hit, miss := c.Snapshot(context.Background())
	if hit != 1 || miss != 1 {
		t.Fatalf("snapshot hit=%d miss=%d", hit, miss)
	}
}

func TestKeyVariesByQueryOrder(t *testing.T) {
	c, _ := testCache(t, Config{})
	a := httptest.NewRequest(http.MethodGet, "/v1/tenders?b=2&a=1", nil)
	b := httptest.NewRequest(http.MethodGet, "/v1/tenders?a=1&b=2", nil)
	if c.Key(a) != c.Key(b) {
		t.Fatalf("query order changed the key: %q vs %q", c.Key(a), c.Key(b))
	}
	d := httptest.NewRequest(http.MethodGet, "/v1/tenders?a=1&b=3", nil)
	if c.Key(a) == c.Key(d) {
		t.Fatal("different query produced identical key")
	}
}

func TestBypass(t *testing.T) {
	c, _ := testCache(t, Config{})

	for name, mutate := range map[string]func(*http.Request){
		"post":           func(r *http.Request) { r.Method = http.MethodPost },
		"bypass header":  func(r *http.Request) { r.Header.Set("x-cache-bypass", "1") },
		"authorization":  func(r *http.Request) { r.Header.Set("Authorization", "Bearer x") },
		"cookie":         func(r *http.Request) { r.Header.Set("Cookie", "sid=1") },
		"cache=0 query":  func(r *http.Request) { r.URL.RawQuery = "cache=0" },
		"cache=false qp": func(r *http.Request) { r.URL.RawQuery = "cache=false" },
	} {
		req := httptest.NewRequest(http.MethodGet, "/v1/tenders", nil)
		mutate(req)
		if c.ShouldAttempt(req) {
			t.Errorf("%s: request should bypass the cache", name)
		}
	}
}

func TestStorableRejectsNonJSONAndErrors(t *testing.T) {
	c, _ := testCache(t, Config{MaxBytes: 16})
	req := httptest.NewRequest(http.MethodGet, "/v1/tenders", nil)

	jsonHdr := http.Header{"Content-Type": []string{"application/json"}}
	if !c.Storable(req, 200, jsonHdr, []byte(`{}`)) {
		t.Fatal("plain JSON 200 must be storable")
	}
	if c.Storable(req, 500, jsonHdr, []byte(`{}`)) {
		t.Fatal("500 stored")
	}
	if c.Storable(req, 200, http.Header{"Content-Type": []string{"text/html"}}, []byte(`x`)) {
		t.Fatal("non-JSON stored")
	}
	if c.Storable(req, 200, jsonHdr, make([]byte, 17)) {
		t.Fatal("oversized body stored")
	}
	skip := http.Header{"Content-Type": []string{"application/json"}}
	skip.Set("x-cache-skip", "1")
	if c.Storable(req, 200, skip, []byte(`{}`)) {
		t.Fatal("x-cache-skip ignored")
	}
}

func TestTTLByPathLongestPrefixWins(t *testing.T) {
	c, mr := testCache(t, Config{
		TTL: time.Minute,
		TTLByPath: map[string]time.Duration{
			"/v1":         10 * time.Second,
			"/v1/tenders": 5 * time.Second,
		},
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/tenders/1", nil)
	hdr := http.Header{"Content-Type": []string{"application/json"}}
	if err := c.Set(context.Background(), req, 200, hdr, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	ttl := mr.TTL(c.Key(req))
	if ttl != 5*time.Second {
		t.Fatalf("ttl = %v, want 5s (longest prefix)", ttl)
	}
}

func TestInvalidatePathPrefixes(t *testing.T) {
	c, _ := testCache(t, Config{})
	ctx := context.Background()
	hdr := http.Header{"Content-Type": []string{"application/json"}}

	for _, path := range []string{"/v1/tenders", "/v1/tenders/1", "/v1/events"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if err := c.Set(ctx, req, 200, hdr, []byte(`{}`)); err != nil {
			t.Fatal(err)
		}
	}

	deleted := c.InvalidatePathPrefixes(ctx, "/v1/tenders")
	if deleted != 2 {
		t.Fatalf("deleted = %d, want 2", deleted)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
	if _, _, ok := c.Get(ctx, req); !ok {
		t.Fatal("unrelated path was invalidated")
	}
}

func TestSingleFlightLock(t *testing.T) {
	c, _ := testCache(t, Config{LockWait: 10 * time.Millisecond})
	ctx := context.Background()
	req := httptest.NewRequest(http.MethodGet, "/v1/tenders", nil)

	if !c.TryLock(ctx, req) {
		t.Fatal("first lock failed")
	}
	if c.TryLock(ctx, req) {
		t.Fatal("second lock acquired while held")
	}
	c.Unlock(ctx, req)
	if !c.TryLock(ctx, req) {
		t.Fatal("lock not released")
	}
}
