package metrics

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testSink(t *testing.T, opts ...Option) (*Sink, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, opts...), rdb
}

func TestCounterRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := testSink(t)

	s.IncrCounter(ctx, "api.requests_total")
	s.IncrCounterBy(ctx, "api.requests_total", 4)

	got, err := s.Counters(ctx, []string{"api.requests_total", "api.never_written"})
	if err != nil {
		t.Fatal(err)
	}
	if got["api.requests_total"] != 5 {
		t.Fatalf("counter = %d, want 5", got["api.requests_total"])
	}
	if got["api.never_written"] != 0 {
		t.Fatalf("missing counter = %d, want 0", got["api.never_written"])
	}
}

func TestLabeledCounter(t *testing.T) {
	ctx := context.Background()
	s, _ := testSink(t)

	s.IncrCounterLabeled(ctx, "api.requests_by_route_total", map[string]string{"route": "/v1/tenders", "method": "GET"}, 1)
	s.IncrCounterLabeled(ctx, "api.requests_by_route_total", map[string]string{"method": "GET", "route": "/v1/tenders"}, 2)
	s.IncrCounterLabeled(ctx, "api.requests_by_route_total", map[string]string{"route": "/health", "method": "GET"}, 1)

	got, err := s.LabeledCounters(ctx, "api.requests_by_route_total")
	if err != nil {
		t.Fatal(err)
	}
	// Key order inside a tuple is canonical, so both writes hit one key.
	if got["method=GET,route=/v1/tenders"] != 3 {
		t.Fatalf("labeled counters = %v", got)
	}
	if len(got) != 2 {
		t.Fatalf("tuples = %d, want 2: %v", len(got), got)
	}
}

func TestGauge(t *testing.T) {
	ctx := context.Background()
	s, _ := testSink(t)

	s.SetGauge(ctx, "api.last_request_ms", 12.5)
	got, err := s.Gauges(ctx, []string{"api.last_request_ms", "api.absent"})
	if err != nil {
		t.Fatal(err)
	}
	if got["api.last_request_ms"] != 12.5 {
		t.Fatalf("gauge = %v", got)
	}
	if _, ok := got["api.absent"]; ok {
		t.Fatal("absent gauge materialized")
	}
}

func TestHistogramBuckets(t *testing.T) {
	ctx := context.Background()
	s, _ := testSink(t)

	s.ObserveHistogram(ctx, "api.request_duration_ms", 75)
	s.ObserveHistogram(ctx, "api.request_duration_ms", 9000)

	h, err := s.ReadHistogram(ctx, "api.request_duration_ms")
	if err != nil {
		t.Fatal(err)
	}
	// 75ms lands in every bucket >= 100; 9000ms only in +Inf.
	if h.Buckets["50"] != 0 || h.Buckets["100"] != 1 || h.Buckets["5000"] != 1 || h.Buckets["+Inf"] != 2 {
		t.Fatalf("buckets = %v", h.Buckets)
	}
	if h.Count != 2 || h.Sum != 9075 {
		t.Fatalf("sum/count = %v/%v", h.Sum, h.Count)
	}
}

func TestDisabledSinkIsNoop(t *testing.T) {
	ctx := context.Background()
	s, rdb := testSink(t, Disabled())

	s.IncrCounter(ctx, "api.requests_total")
	s.SetGauge(ctx, "api.last_request_ms", 1)
	s.ObserveHistogram(ctx, "api.request_duration_ms", 1)

	keys, err := rdb.Keys(ctx, "*").Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Fatalf("disabled sink wrote keys: %v", keys)
	}
}

func TestRenderPrometheus(t *testing.T) {
	ctx := context.Background()
	s, rdb := testSink(t)

	s.IncrCounterBy(ctx, "api.requests_total", 3)
	s.IncrCounterLabeled(ctx, "api.requests_by_route_total", map[string]string{"route": "/v1/tenders", "method": "GET"}, 2)
	s.ObserveHistogram(ctx, "api.request_duration_ms", 120)
	rdb.LPush(ctx, "q:triage", "x", "y")
	rdb.Set(ctx, "cache:v1:metrics:hit", "7", 0)

	out := s.RenderPrometheus(ctx, "cache:v1")

	for _, want := range []string{
		"# TYPE api_requests_total counter\napi_requests_total 3",
		`queue_length{queue="q:triage"} 2`,
		`queue_length{queue="q:parse"} 0`,
		`cache_requests_total{result="hit"} 7`,
		`cache_requests_total{result="miss"} 0`,
		`api_requests_by_route_total{method="GET",route="/v1/tenders"} 2`,
		`api_request_duration_ms_bucket{le="200"} 1`,
		`api_request_duration_ms_bucket{le="+Inf"} 1`,
		"api_request_duration_ms_sum 120",
		"api_request_duration_ms_count 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q\n---\n%s", want, out)
		}
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("exposition must end with a newline")
	}
}
