// Package httpapi is the core HTTP surface: tender ingestion, read
// endpoints, subscription management, insight extraction and the metrics
// and health probes. Middleware is layered with shield and the shared
// response cache.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/radar/cache"
	"github.com/hazyhaar/radar/config"
	"github.com/hazyhaar/radar/metrics"
	"github.com/hazyhaar/radar/queue"
	"github.com/hazyhaar/radar/shield"
	"github.com/hazyhaar/radar/store"
)

// Server wires the route handlers to their dependencies.
type Server struct {
	st      *store.Store
	q       *queue.Client
	c       *cache.Cache
	sink    *metrics.Sink
	rdb     redis.UniversalClient
	limiter *shield.RateLimiter
	ins     *Insights
	cfg     config.Config
}

// New builds the server. c and limiter may be nil; ins may be nil when
// insight routes should 404.
func New(st *store.Store, q *queue.Client, c *cache.Cache, sink *metrics.Sink,
	rdb redis.UniversalClient, limiter *shield.RateLimiter, ins *Insights, cfg config.Config) *Server {
	if ins == nil {
		ins = NewInsights(st, nil, nil, 0)
	}
	return &Server{st: st, q: q, c: c, sink: sink, rdb: rdb, limiter: limiter, ins: ins, cfg: cfg}
}

// Router assembles the chi router with the full middleware stack.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(shield.TraceID)
	r.Use(shield.HeadToGet)
	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
	if s.sink != nil {
		r.Use(shield.RequestMetrics(s.sink))
	}
	r.Use(shield.APIAuth(shield.AuthConfig{
		Required:    s.cfg.Auth.Required,
		Keys:        s.cfg.Auth.Keys,
		PublicPaths: shield.DefaultPublicPaths(),
	}))
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}
	if s.c != nil {
		r.Use(s.c.Middleware)
	}
	r.Use(shield.MaxJSONBody(1 << 20))

	r.Get("/health", s.handleHealth)
	r.Get("/health/cache", s.handleHealthCache)
	r.Get("/health/queue", s.handleHealthQueue)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/metrics/basic", s.handleMetricsBasic)

	r.Post("/v1/ingest/tender", s.handleIngestTender)
	r.Post("/v1/tenders/upsert", s.handleUpsertTender)
	r.Get("/v1/documents/list", s.handleListDocuments)
	r.Post("/v1/segments/search", s.handleSearchSegments)
	r.Get("/v1/events", s.handleListEvents)

	r.Post("/v1/users/upsert", s.handleUpsertUser)
	r.Post("/v1/users/follow", s.handleFollow)
	r.Post("/v1/users/unfollow", s.handleUnfollow)

	r.Get("/v1/subscriptions/list", s.handleListSubscriptions)
	r.Post("/v1/subscriptions/create", s.handleCreateSubscription)
	r.Post("/v1/subscriptions/update", s.handleUpdateSubscription)
	r.Post("/v1/subscriptions/pause_all", s.handlePauseAll)
	r.Post("/v1/subscriptions/set_frequency", s.handleSetFrequency)

	r.Post("/v1/insights/summary", s.handleInsightSummary)
	r.Post("/v1/insights/extract", s.handleInsightExtract)
	r.Post("/v1/insights/checklist", s.handleInsightChecklist)
	r.Post("/v1/insights/qa", s.handleInsightQA)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func readJSON(r *http.Request, v any) error {
	defer io.Copy(io.Discard, r.Body)
	return json.NewDecoder(r.Body).Decode(v)
}

// notFound maps store.ErrNotFound onto a 404 and everything else onto 500.
func (s *Server) fail(w http.ResponseWriter, err error, code string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, code)
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error")
}
