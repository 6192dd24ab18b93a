// Package digest sends each daily subscriber one Telegram summary of the
// tenders that matched their filters over the lookback window.
package digest

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/radar/metrics"
	"github.com/hazyhaar/radar/notify"
	"github.com/hazyhaar/radar/store"
)

// Config tunes the digest loop.
type Config struct {
	Lookback time.Duration
	MaxItems int
	Poll     time.Duration
}

func (c *Config) defaults() {
	if c.Lookback <= 0 {
		c.Lookback = 24 * time.Hour
	}
	if c.MaxItems <= 0 {
		c.MaxItems = 8
	}
	if c.Poll <= 0 {
		c.Poll = time.Hour
	}
}

// Worker is the daily digest loop.
type Worker struct {
	st   *store.Store
	tg   *notify.Telegram
	sink *metrics.Sink
	cfg  Config
}

// New builds the worker.
func New(st *store.Store, tg *notify.Telegram, sink *metrics.Sink, cfg Config) *Worker {
	cfg.defaults()
	return &Worker{st: st, tg: tg, sink: sink, cfg: cfg}
}

// Run polls until the context ends.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("daily digest started", "poll", w.cfg.Poll, "lookback", w.cfg.Lookback)
	t := time.NewTicker(w.cfg.Poll)
	defer t.Stop()
	for {
		if err := w.RunOnce(ctx); err != nil {
			slog.Error("digest: pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// RunOnce sends at most one digest per daily subscriber per calendar day.
func (w *Worker) RunOnce(ctx context.Context) error {
	if !w.tg.Configured() {
		return nil
	}
	subs, err := w.st.ActiveSubscriptions(ctx)
	if err != nil {
		return err
	}
	byUser := map[int64][]*store.Subscription{}
	for _, sub := range subs {
		if strings.ToLower(sub.Frequency) != "daily" || sub.TelegramUserID == 0 {
			continue
		}
		byUser[sub.UserID] = append(byUser[sub.UserID], sub)
	}
	if len(byUser) == 0 {
		return nil
	}

	now := time.Now().UTC()
	tenders, err := w.st.RecentTenders(ctx, now.Add(-w.cfg.Lookback), 200)
	if err != nil {
		return err
	}
	midnight := now.Truncate(24 * time.Hour)

	for userID, userSubs := range byUser {
		sent, err := w.st.UserAlertExistsSince(ctx, userID, "daily_summary", midnight)
		if err != nil {
			slog.Warn("digest: sent check failed", "user_id", userID, "error", err)
			continue
		}
		if sent {
			continue
		}
		matched := w.match(tenders, userSubs)
		msg := Format(matched)
		chatID := strconv.FormatInt(userSubs[0].TelegramUserID, 10)
		if err := w.tg.Send(ctx, chatID, msg, nil); err != nil {
			slog.Warn("digest: send failed", "user_id", userID, "error", err)
			w.sink.IncrCounter(ctx, "notifier.errors_total")
			continue
		}
		w.sink.IncrCounter(ctx, "notifier.sent_total")
		err = w.st.InsertUserAlert(ctx, userID, "daily_summary", map[string]any{
			"count":      len(matched),
			"lookback_h": int(w.cfg.Lookback.Hours()),
		})
		if err != nil {
			slog.Warn("digest: record failed", "user_id", userID, "error", err)
		}
		slog.Info("digest: sent", "user_id", userID, "items", len(matched))
	}
	return nil
}

// match keeps tenders matching any of the user's subscriptions, capped at
// MaxItems, in store order (newest first).
func (w *Worker) match(tenders []*store.Tender, subs []*store.Subscription) []*store.Tender {
	var out []*store.Tender
	for _, t := range tenders {
		for _, sub := range subs {
			if notify.ParseFilters(sub.Filters).Matches(t) {
				out = append(out, t)
				break
			}
		}
		if len(out) >= w.cfg.MaxItems {
			break
		}
	}
	return out
}

// Format renders the digest message.
func Format(items []*store.Tender) string {
	if len(items) == 0 {
		return "Resumo diário: nenhum edital novo nas últimas 24h."
	}
	lines := []string{"Resumo diário — últimas 24h:"}
	for _, t := range items {
		muni := t.Municipio
		if muni == "" {
			muni = "?"
		}
		uf := t.UF
		if uf == "" {
			uf = "?"
		}
		line := "- " + muni + "/" + uf + " • " + notify.Short(t.Objeto, 90)
		if t.IDPNCP != "" {
			line += " (" + t.IDPNCP + ")"
		}
		if url := t.URLs["pncp"]; url != "" {
			line += "\n  " + url
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
