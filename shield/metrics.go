package shield

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/radar/metrics"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// RequestMetrics returns middleware that records request counters, the
// per-route labeled counter, the last-request gauge, and the latency
// histogram on the given sink.
func RequestMetrics(sink *metrics.Sink) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			defer func() {
				elapsed := float64(time.Since(start).Milliseconds())
				ctx := r.Context()
				if rec := recover(); rec != nil {
					sink.IncrCounter(ctx, "api.exceptions_total")
					sw.status = http.StatusInternalServerError
					http.Error(sw.ResponseWriter, "internal error", http.StatusInternalServerError)
				}
				sink.IncrCounter(ctx, "api.requests_total")
				switch {
				case sw.status >= 500:
					sink.IncrCounter(ctx, "api.errors_5xx_total")
				case sw.status >= 400:
					sink.IncrCounter(ctx, "api.errors_4xx_total")
				}
				sink.SetGauge(ctx, "api.last_request_ms", elapsed)
				sink.ObserveHistogram(ctx, "api.request_duration_ms", elapsed)
				sink.IncrCounterLabeled(ctx, "api.requests_by_route_total", map[string]string{
					"route":  routePattern(r),
					"status": strconv.Itoa(sw.status),
				}, 1)
			}()

			next.ServeHTTP(sw, r)
		})
	}
}

// routePattern returns the chi route pattern so path parameters don't
// explode label cardinality. Falls back to the raw path outside chi.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
