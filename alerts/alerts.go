// Package alerts watches queue depths and counter deltas and pings the ops
// Telegram channel when a threshold trips. Redis cooldown keys keep a
// persistent condition from flooding the channel.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/radar/metrics"
	"github.com/hazyhaar/radar/notify"
	"github.com/hazyhaar/radar/store"
)

// Config tunes the monitor loop.
type Config struct {
	Prefix   string
	Poll     time.Duration
	Cooldown time.Duration
	ChatID   string

	// QueueThresholds fires when a list reaches the limit; dead queues
	// usually sit at 1 so a single poison message alerts.
	QueueThresholds map[string]int64
	// CounterThresholds fires on the delta since the previous poll.
	CounterThresholds map[string]int64
}

func (c *Config) defaults() {
	if c.Prefix == "" {
		c.Prefix = "alerts:v1"
	}
	if c.Poll < 5*time.Second {
		c.Poll = time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Minute
	}
}

// Monitor is the operational alert loop.
type Monitor struct {
	rdb  redis.UniversalClient
	sink *metrics.Sink
	tg   *notify.Telegram
	st   *store.Store
	cfg  Config
}

// New builds the monitor. st may be nil to skip the alert audit rows.
func New(rdb redis.UniversalClient, sink *metrics.Sink, tg *notify.Telegram, st *store.Store, cfg Config) *Monitor {
	cfg.defaults()
	return &Monitor{rdb: rdb, sink: sink, tg: tg, st: st, cfg: cfg}
}

// Run polls until the context ends.
func (m *Monitor) Run(ctx context.Context) error {
	slog.Info("alerts monitor started", "poll", m.cfg.Poll,
		"queues", len(m.cfg.QueueThresholds), "counters", len(m.cfg.CounterThresholds))
	t := time.NewTicker(m.cfg.Poll)
	defer t.Stop()
	for {
		if msgs := m.RunOnce(ctx); len(msgs) > 0 {
			m.deliver(ctx, msgs)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// RunOnce evaluates every threshold and returns the alert lines that fired
// and passed their cooldown.
func (m *Monitor) RunOnce(ctx context.Context) []string {
	var out []string
	out = append(out, m.checkQueues(ctx)...)
	out = append(out, m.checkCounters(ctx)...)
	return out
}

func (m *Monitor) checkQueues(ctx context.Context) []string {
	var out []string
	for q, limit := range m.cfg.QueueThresholds {
		size, err := m.rdb.LLen(ctx, q).Result()
		if err != nil {
			slog.Warn("alerts: llen failed", "queue", q, "error", err)
			continue
		}
		if size >= limit && m.cooldownOK(ctx, "queue:"+q) {
			out = append(out, fmt.Sprintf("ALERTA: fila %s com %d itens (limite %d)", q, size, limit))
			m.record(ctx, "queue_backlog", map[string]any{"queue": q, "size": size, "limit": limit})
		}
	}
	return out
}

func (m *Monitor) checkCounters(ctx context.Context) []string {
	var names []string
	for name := range m.cfg.CounterThresholds {
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil
	}
	counters, err := m.sink.Counters(ctx, names)
	if err != nil {
		slog.Warn("alerts: counter read failed", "error", err)
		return nil
	}
	var out []string
	for name, limit := range m.cfg.CounterThresholds {
		now := counters[name]
		prevKey := m.cfg.Prefix + ":last:" + name
		prev, _ := strconv.ParseInt(m.rdb.Get(ctx, prevKey).Val(), 10, 64)
		if err := m.rdb.Set(ctx, prevKey, strconv.FormatInt(now, 10), 2*m.cfg.Cooldown).Err(); err != nil {
			slog.Warn("alerts: snapshot write failed", "counter", name, "error", err)
		}
		delta := now - prev
		if delta < 0 {
			delta = 0
		}
		if delta >= limit && m.cooldownOK(ctx, "counter:"+name) {
			out = append(out, fmt.Sprintf("ALERTA: %s subiu +%d (limite %d)", name, delta, limit))
			m.record(ctx, "counter_spike", map[string]any{"counter": name, "delta": delta, "limit": limit})
		}
	}
	return out
}

// cooldownOK claims the per-condition gate; Redis errors fail open so a
// broken Redis never silences alerting entirely.
func (m *Monitor) cooldownOK(ctx context.Context, key string) bool {
	ok, err := m.rdb.SetNX(ctx, m.cfg.Prefix+":cooldown:"+key, "1", m.cfg.Cooldown).Result()
	if err != nil {
		return true
	}
	return ok
}

func (m *Monitor) record(ctx context.Context, alertType string, payload map[string]any) {
	if m.st == nil {
		return
	}
	if err := m.st.InsertAlert(ctx, alertType, payload); err != nil {
		slog.Warn("alerts: record failed", "type", alertType, "error", err)
	}
}

func (m *Monitor) deliver(ctx context.Context, msgs []string) {
	text := strings.Join(msgs, "\n")
	slog.Warn("alerts fired", "count", len(msgs))
	if m.tg == nil || !m.tg.Configured() || m.cfg.ChatID == "" {
		return
	}
	if err := m.tg.Send(ctx, m.cfg.ChatID, text, nil); err != nil {
		slog.Error("alerts: telegram send failed", "error", err)
	}
}
