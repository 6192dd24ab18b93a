// Package metrics is the Redis-backed metrics sink shared by every radar
// process. Counters, labeled counters, gauges and histograms live as plain
// Redis keys with a rolling TTL, so any process can write and the API can
// render the whole picture without a scrape registry.
//
// Every write is best-effort: a broken Redis never fails the caller. This
// mirrors the rest of the observability surface — the pipeline must keep
// moving even blind.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultBuckets are the histogram upper bounds in milliseconds.
var DefaultBuckets = []float64{50, 100, 200, 500, 1000, 2000, 5000}

// Sink writes metrics into Redis under a common prefix.
type Sink struct {
	rdb     *redis.Client
	prefix  string
	ttl     time.Duration
	buckets []float64
	enabled bool
}

// Option customises a Sink.
type Option func(*Sink)

// WithPrefix overrides the key prefix. Default: "metrics:v1".
func WithPrefix(p string) Option { return func(s *Sink) { s.prefix = p } }

// WithTTL overrides the rolling key TTL. Default: 7 days.
func WithTTL(d time.Duration) Option { return func(s *Sink) { s.ttl = d } }

// WithBuckets overrides the histogram bucket bounds.
func WithBuckets(b []float64) Option { return func(s *Sink) { s.buckets = b } }

// Disabled turns the sink into a no-op (used when METRICS_ENABLED=0).
func Disabled() Option { return func(s *Sink) { s.enabled = false } }

// New builds a Sink on rdb.
func New(rdb *redis.Client, opts ...Option) *Sink {
	s := &Sink{
		rdb:     rdb,
		prefix:  "metrics:v1",
		ttl:     7 * 24 * time.Hour,
		buckets: DefaultBuckets,
		enabled: true,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Prefix returns the configured key prefix.
func (s *Sink) Prefix() string { return s.prefix }

// Buckets returns the configured histogram bounds.
func (s *Sink) Buckets() []float64 { return s.buckets }

func (s *Sink) counterKey(name string) string { return s.prefix + ":c:" + name }
func (s *Sink) gaugeKey(name string) string   { return s.prefix + ":g:" + name }

func (s *Sink) bucketKey(name, le string) string {
	return s.prefix + ":h:" + name + ":bucket:" + le
}

func formatBucket(b float64) string {
	return strconv.FormatFloat(b, 'f', -1, 64)
}

// IncrCounter adds 1 to a counter.
func (s *Sink) IncrCounter(ctx context.Context, name string) {
	s.IncrCounterBy(ctx, name, 1)
}

// IncrCounterBy adds n to a counter and refreshes its TTL.
func (s *Sink) IncrCounterBy(ctx context.Context, name string, n int64) {
	if !s.enabled {
		return
	}
	key := s.counterKey(name)
	if err := s.rdb.IncrBy(ctx, key, n).Err(); err != nil {
		slog.Warn("metrics: incr failed", "name", name, "error", err)
		return
	}
	s.rdb.Expire(ctx, key, s.ttl)
}

// labelsKey renders labels as "k1=v1,k2=v2" with sorted keys.
func labelsKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}

// IncrCounterLabeled adds n to a labeled counter and registers the label
// tuple in the per-metric set so exposition can enumerate it.
func (s *Sink) IncrCounterLabeled(ctx context.Context, name string, labels map[string]string, n int64) {
	if !s.enabled {
		return
	}
	lk := labelsKey(labels)
	setKey := s.prefix + ":clset:" + name
	key := s.prefix + ":cl:" + name + ":" + lk
	if err := s.rdb.SAdd(ctx, setKey, lk).Err(); err != nil {
		slog.Warn("metrics: label set failed", "name", name, "error", err)
		return
	}
	if err := s.rdb.IncrBy(ctx, key, n).Err(); err != nil {
		slog.Warn("metrics: labeled incr failed", "name", name, "error", err)
		return
	}
	s.rdb.Expire(ctx, key, s.ttl)
	s.rdb.Expire(ctx, setKey, s.ttl)
}

// SetGauge records the current value of a gauge.
func (s *Sink) SetGauge(ctx context.Context, name string, value float64) {
	if !s.enabled {
		return
	}
	key := s.gaugeKey(name)
	if err := s.rdb.Set(ctx, key, strconv.FormatFloat(value, 'f', -1, 64), s.ttl).Err(); err != nil {
		slog.Warn("metrics: gauge failed", "name", name, "error", err)
	}
}

// ObserveHistogram records a millisecond observation: every bucket with
// bound >= value is incremented, plus +Inf, sum and count.
func (s *Sink) ObserveHistogram(ctx context.Context, name string, valueMS float64) {
	if !s.enabled {
		return
	}
	for _, b := range s.buckets {
		if valueMS <= b {
			s.rdb.Incr(ctx, s.bucketKey(name, formatBucket(b)))
		}
	}
	s.rdb.Incr(ctx, s.bucketKey(name, "+Inf"))
	s.rdb.IncrByFloat(ctx, s.prefix+":h:"+name+":sum", valueMS)
	s.rdb.Incr(ctx, s.prefix+":h:"+name+":count")

	s.rdb.Expire(ctx, s.prefix+":h:"+name+":sum", s.ttl)
	s.rdb.Expire(ctx, s.prefix+":h:"+name+":count", s.ttl)
	for _, b := range s.buckets {
		s.rdb.Expire(ctx, s.bucketKey(name, formatBucket(b)), s.ttl)
	}
	s.rdb.Expire(ctx, s.bucketKey(name, "+Inf"), s.ttl)
}

// Counters fetches a batch of counters, defaulting missing ones to 0.
func (s *Sink) Counters(ctx context.Context, names []string) (map[string]int64, error) {
	if !s.enabled || len(names) == 0 {
		return map[string]int64{}, nil
	}
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = s.counterKey(n)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("metrics: mget counters: %w", err)
	}
	out := make(map[string]int64, len(names))
	for i, n := range names {
		out[n] = parseInt(vals[i])
	}
	return out, nil
}

// Gauges fetches a batch of gauges. Missing gauges are absent from the map.
func (s *Sink) Gauges(ctx context.Context, names []string) (map[string]float64, error) {
	if !s.enabled || len(names) == 0 {
		return map[string]float64{}, nil
	}
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = s.gaugeKey(n)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("metrics: mget gauges: %w", err)
	}
	out := make(map[string]float64, len(names))
	for i, n := range names {
		if vals[i] == nil {
			continue
		}
		if f, err := strconv.ParseFloat(fmt.Sprint(vals[i]), 64); err == nil {
			out[n] = f
		}
	}
	return out, nil
}

// LabeledCounters enumerates every label tuple recorded for name.
func (s *Sink) LabeledCounters(ctx context.Context, name string) (map[string]int64, error) {
	if !s.enabled {
		return map[string]int64{}, nil
	}
	setKey := s.prefix + ":clset:" + name
	labels, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("metrics: smembers %s: %w", name, err)
	}
	if len(labels) == 0 {
		return map[string]int64{}, nil
	}
	sort.Strings(labels)
	keys := make([]string, len(labels))
	for i, l := range labels {
		keys[i] = s.prefix + ":cl:" + name + ":" + l
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("metrics: mget labeled: %w", err)
	}
	out := make(map[string]int64, len(labels))
	for i, l := range labels {
		out[l] = parseInt(vals[i])
	}
	return out, nil
}

// Histogram holds a read-back histogram snapshot.
type Histogram struct {
	Buckets map[string]int64 // keyed by le, including "+Inf"
	Sum     float64
	Count   int64
}

// ReadHistogram fetches a histogram snapshot.
func (s *Sink) ReadHistogram(ctx context.Context, name string) (*Histogram, error) {
	if !s.enabled {
		return &Histogram{Buckets: map[string]int64{}}, nil
	}
	les := make([]string, 0, len(s.buckets)+1)
	for _, b := range s.buckets {
		les = append(les, formatBucket(b))
	}
	les = append(les, "+Inf")

	keys := make([]string, len(les))
	for i, le := range les {
		keys[i] = s.bucketKey(name, le)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("metrics: mget histogram: %w", err)
	}
	h := &Histogram{Buckets: make(map[string]int64, len(les))}
	for i, le := range les {
		h.Buckets[le] = parseInt(vals[i])
	}
	if v, err := s.rdb.Get(ctx, s.prefix+":h:"+name+":sum").Result(); err == nil {
		h.Sum, _ = strconv.ParseFloat(v, 64)
	}
	if v, err := s.rdb.Get(ctx, s.prefix+":h:"+name+":count").Result(); err == nil {
		h.Count, _ = strconv.ParseInt(v, 10, 64)
	}
	return h, nil
}

// QueueLengths reads LLEN for each queue. Unreachable queues report -1.
func (s *Sink) QueueLengths(ctx context.Context, queues []string) map[string]int64 {
	out := make(map[string]int64, len(queues))
	for _, q := range queues {
		n, err := s.rdb.LLen(ctx, q).Result()
		if err != nil {
			out[q] = -1
			continue
		}
		out[q] = n
	}
	return out
}

func parseInt(v any) int64 {
	if v == nil {
		return 0
	}
	n, _ := strconv.ParseInt(fmt.Sprint(v), 10, 64)
	return n
}
