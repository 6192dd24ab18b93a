package httpapi

import (
	"net/http"

	"github.com/hazyhaar/radar/metrics"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{"db": "unknown", "redis": "unknown"}
	ok := true

	if err := s.st.Ping(ctx); err != nil {
		checks["db"] = "error"
		ok = false
	} else {
		checks["db"] = "ok"
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			checks["redis"] = "error"
			ok = false
		} else {
			checks["redis"] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok, "checks": checks})
}

func (s *Server) handleHealthCache(w http.ResponseWriter, r *http.Request) {
	if s.c == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	enabled, hit, miss := s.c.Snapshot(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"enabled": enabled, "hit": hit, "miss": miss})
}

func (s *Server) handleHealthQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sink.QueueLengths(r.Context(), metrics.DefaultQueues))
}

func (s *Server) handleMetricsBasic(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counters, err := s.sink.Counters(ctx, metrics.DefaultCounters)
	if err != nil {
		counters = map[string]int64{}
	}
	gauges, err := s.sink.Gauges(ctx, metrics.DefaultGauges)
	if err != nil {
		gauges = map[string]float64{}
	}
	out := map[string]any{
		"counters": counters,
		"gauges":   gauges,
		"queues":   s.sink.QueueLengths(ctx, metrics.DefaultQueues),
	}
	if s.c != nil {
		enabled, hit, miss := s.c.Snapshot(ctx)
		out["cache"] = map[string]any{"enabled": enabled, "hit": hit, "miss": miss}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	prefix := ""
	if s.c != nil {
		prefix = s.c.Prefix()
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(s.sink.RenderPrometheus(r.Context(), prefix)))
}
