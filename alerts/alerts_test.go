package alerts

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/radar/metrics"
)

func newMonitor(t *testing.T, cfg Config) (*Monitor, *redis.Client, *metrics.Sink) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	sink := metrics.New(rdb)
	return New(rdb, sink, nil, nil, cfg), rdb, sink
}

func TestQueueThresholdFires(t *testing.T) {
	ctx := context.Background()
	m, rdb, _ := newMonitor(t, Config{
		QueueThresholds: map[string]int64{"q:dead_parse": 1},
	})
	rdb.LPush(ctx, "q:dead_parse", "x")

	msgs := m.RunOnce(ctx)
	if len(msgs) != 1 {
		t.Fatalf("msgs = %d, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0], "fila q:dead_parse com 1 itens (limite 1)") {
		t.Fatalf("msg = %q", msgs[0])
	}
}

func TestQueueBelowThresholdSilent(t *testing.T) {
	ctx := context.Background()
	m, rdb, _ := newMonitor(t, Config{
		QueueThresholds: map[string]int64{"q:triage": 5},
	})
	rdb.LPush(ctx, "q:triage", "a", "b")

	if msgs := m.RunOnce(ctx); len(msgs) != 0 {
		t.Fatalf("msgs = %v", msgs)
	}
}

func TestCooldownSuppressesRepeat(t *testing.T) {
	ctx := context.Background()
	m, rdb, _ := newMonitor(t, Config{
		Cooldown:        time.Minute,
		QueueThresholds: map[string]int64{"q:dead_triage": 1},
	})
	rdb.LPush(ctx, "q:dead_triage", "x")

	if msgs := m.RunOnce(ctx); len(msgs) != 1 {
		t.Fatalf("first pass = %d", len(msgs))
	}
	if msgs := m.RunOnce(ctx); len(msgs) != 0 {
		t.Fatalf("cooldown pass = %v", msgs)
	}
}

func TestCounterDeltaFires(t *testing.T) {
	ctx := context.Background()
	m, _, sink := newMonitor(t, Config{
		CounterThresholds: map[string]int64{"worker.parse.dead_total": 1},
	})

	// First pass records the baseline of zero with no delta.
	if msgs := m.RunOnce(ctx); len(msgs) != 0 {
		t.Fatalf("baseline pass = %v", msgs)
	}

	sink.IncrCounter(ctx, "worker.parse.dead_total")
	msgs := m.RunOnce(ctx)
	if len(msgs) != 1 {
		t.Fatalf("msgs = %d, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0], "worker.parse.dead_total subiu +1") {
		t.Fatalf("msg = %q", msgs[0])
	}
}

func TestCounterStableStaysSilent(t *testing.T) {
	ctx := context.Background()
	m, _, sink := newMonitor(t, Config{
		CounterThresholds: map[string]int64{"api.errors_5xx_total": 5},
	})
	sink.IncrCounterBy(ctx, "api.errors_5xx_total", 100)

	// Baseline swallows the pre-existing total.
	m.RunOnce(ctx)
	if msgs := m.RunOnce(ctx); len(msgs) != 0 {
		t.Fatalf("stable counter fired: %v", msgs)
	}
}
