package metrics

import (
	"context"
	"sort"
	"strconv"
	"strings"
)

// Default exposition sets. Every process writes freely; the renderer only
// exposes names it knows about, so new metrics get added here.
var (
	DefaultCounters = []string{
		"api.requests_total",
		"api.errors_4xx_total",
		"api.errors_5xx_total",
		"api.exceptions_total",
		"api.ingest.queued_total",
		"api.ingest.queue_full_total",
		"api.ingest.error_total",
		"agent.enrich.ok_total",
		"agent.enrich.error_total",
		"agent.enrich.skip_total",
		"bot.updates_total",
		"bot.messages_total",
		"bot.commands_total",
		"bot.callbacks_total",
		"bot.errors_total",
		"notifier.requests_total",
		"notifier.sent_total",
		"notifier.errors_total",
		"worker.compras_fetch.batch_ok_total",
		"worker.compras_fetch.batch_error_total",
		"worker.compras_fetch.items_total",
		"worker.compras_fetch.ingest_ok_total",
		"worker.compras_fetch.ingest_error_total",
		"data.normalization.error_total",
		"worker.triage.consumed_total",
		"worker.triage.enqueued_fetch_total",
		"worker.triage.error_total",
		"worker.triage.dead_total",
		"worker.fetch_docs.consumed_total",
		"worker.fetch_docs.ok_total",
		"worker.fetch_docs.retry_total",
		"worker.fetch_docs.error_total",
		"worker.fetch_docs.dead_total",
		"worker.fetch_docs.missing_tender_or_url_total",
		"worker.fetch_docs.duplicate_total",
		"worker.parse.consumed_total",
		"worker.parse.ok_total",
		"worker.parse.retry_total",
		"worker.parse.error_total",
		"worker.parse.dead_total",
	}

	DefaultGauges = []string{"api.last_request_ms"}

	DefaultLabeledCounters = []string{"api.requests_by_route_total"}

	DefaultHistograms = []string{"api.request_duration_ms", "agent.enrich_duration_ms"}

	DefaultQueues = []string{
		"q:triage",
		"q:fetch_parse",
		"q:parse",
		"q:parse_smoke",
		"q:dead_triage",
		"q:dead_fetch_docs",
		"q:dead_parse",
	}
)

// sanitize maps a dotted metric name onto the Prometheus charset.
func sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// escapeLabel escapes a label value per the exposition format.
func escapeLabel(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	return v
}

// RenderPrometheus produces the text exposition for the default metric sets
// plus live queue depths and the cache hit/miss counters kept under
// cachePrefix (pass "" to skip them). Read errors degrade to zeros.
func (s *Sink) RenderPrometheus(ctx context.Context, cachePrefix string) string {
	var lines []string

	counters, err := s.Counters(ctx, DefaultCounters)
	if err != nil {
		counters = map[string]int64{}
	}
	for _, name := range DefaultCounters {
		sn := sanitize(name)
		lines = append(lines, "# TYPE "+sn+" counter")
		lines = append(lines, sn+" "+strconv.FormatInt(counters[name], 10))
	}

	gauges, err := s.Gauges(ctx, DefaultGauges)
	if err != nil {
		gauges = map[string]float64{}
	}
	for _, name := range DefaultGauges {
		sn := sanitize(name)
		lines = append(lines, "# TYPE "+sn+" gauge")
		lines = append(lines, sn+" "+strconv.FormatFloat(gauges[name], 'f', -1, 64))
	}

	lines = append(lines, "# TYPE queue_length gauge")
	depths := s.QueueLengths(ctx, DefaultQueues)
	for _, q := range DefaultQueues {
		lines = append(lines, `queue_length{queue="`+escapeLabel(q)+`"} `+strconv.FormatInt(depths[q], 10))
	}

	if cachePrefix != "" {
		lines = append(lines, "# TYPE cache_requests_total counter")
		hit := s.rawCounter(ctx, cachePrefix+":metrics:hit")
		miss := s.rawCounter(ctx, cachePrefix+":metrics:miss")
		lines = append(lines, `cache_requests_total{result="hit"} `+strconv.FormatInt(hit, 10))
		lines = append(lines, `cache_requests_total{result="miss"} `+strconv.FormatInt(miss, 10))
	}

	for _, name := range DefaultLabeledCounters {
		sn := sanitize(name)
		lines = append(lines, "# TYPE "+sn+" counter")
		labeled, err := s.LabeledCounters(ctx, name)
		if err != nil {
			continue
		}
		tuples := make([]string, 0, len(labeled))
		for t := range labeled {
			tuples = append(tuples, t)
		}
		sort.Strings(tuples)
		for _, t := range tuples {
			lines = append(lines, sn+"{"+renderLabelTuple(t)+"} "+strconv.FormatInt(labeled[t], 10))
		}
	}

	for _, name := range DefaultHistograms {
		sn := sanitize(name)
		lines = append(lines, "# TYPE "+sn+" histogram")
		h, err := s.ReadHistogram(ctx, name)
		if err != nil {
			h = &Histogram{Buckets: map[string]int64{}}
		}
		for _, b := range s.buckets {
			le := formatBucket(b)
			lines = append(lines, sn+`_bucket{le="`+le+`"} `+strconv.FormatInt(h.Buckets[le], 10))
		}
		lines = append(lines, sn+`_bucket{le="+Inf"} `+strconv.FormatInt(h.Buckets["+Inf"], 10))
		lines = append(lines, sn+"_sum "+strconv.FormatFloat(h.Sum, 'f', -1, 64))
		lines = append(lines, sn+"_count "+strconv.FormatInt(h.Count, 10))
	}

	return strings.Join(lines, "\n") + "\n"
}

// renderLabelTuple turns "route=/v1/x,method=GET" into Prometheus label
// syntax. Tuples come from labelsKey, so splitting on "," and "=" is safe.
func renderLabelTuple(tuple string) string {
	var parts []string
	for _, pair := range strings.Split(tuple, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		parts = append(parts, sanitize(k)+`="`+escapeLabel(v)+`"`)
	}
	return strings.Join(parts, ",")
}

func (s *Sink) rawCounter(ctx context.Context, key string) int64 {
	v, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}
