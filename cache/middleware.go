package cache

import (
	"bytes"
	"net/http"
)

// recorder buffers a downstream response so it can be both cached and
// replayed to the client.
type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header), status: http.StatusOK}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) { r.status = status }

func (r *recorder) Write(p []byte) (int, error) { return r.body.Write(p) }

// Middleware serves cacheable GETs from Redis and fills the cache on miss.
// A short per-key lock keeps concurrent cold requests from all hitting the
// origin: the lock loser waits once for the winner's fill before rendering
// itself.
func (c *Cache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.ShouldAttempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()

		if e, body, ok := c.Get(ctx, r); ok {
			serve(w, e, body, "hit")
			return
		}

		locked := c.TryLock(ctx, r)
		if !locked {
			if e, body, ok := c.WaitForFill(ctx, r); ok {
				serve(w, e, body, "hit")
				return
			}
		} else {
			defer c.Unlock(ctx, r)
		}

		rec := newRecorder()
		next.ServeHTTP(rec, r)

		c.MarkMiss(ctx)
		body := rec.body.Bytes()
		if c.Storable(r, rec.status, rec.header, body) {
			// Fill errors are invisible to the client.
			_ = c.Set(ctx, r, rec.status, rec.header, body)
		}

		for k, vs := range rec.header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.Header().Set("x-cache", "miss")
		w.WriteHeader(rec.status)
		w.Write(body)
	})
}

func serve(w http.ResponseWriter, e *Entry, body []byte, state string) {
	for k, v := range e.Headers {
		if v != "" {
			w.Header().Set(k, v)
		}
	}
	w.Header().Set("x-cache", state)
	w.WriteHeader(e.Status)
	w.Write(body)
}
