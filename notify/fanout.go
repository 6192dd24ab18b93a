package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/radar/metrics"
	"github.com/hazyhaar/radar/store"
)

// FanoutConfig wires the notifier.
type FanoutConfig struct {
	BotUsername string
	// UFChannels maps a state code to its broadcast channel chat ID.
	UFChannels map[string]string
}

// Notifier fans one tender out to matching subscribers and the UF channel.
type Notifier struct {
	tg   *Telegram
	st   *store.Store
	rdb  redis.UniversalClient
	sink *metrics.Sink
	cfg  FanoutConfig
}

// NewNotifier builds a Notifier.
func NewNotifier(tg *Telegram, st *store.Store, rdb redis.UniversalClient, sink *metrics.Sink, cfg FanoutConfig) *Notifier {
	return &Notifier{tg: tg, st: st, rdb: rdb, sink: sink, cfg: cfg}
}

const idempotencyTTL = 24 * time.Hour

// Fanout delivers the opportunity message for one pipeline stage. Private
// messages go to active realtime subscriptions whose filters match; the
// per-UF channel gets one broadcast with action buttons when at least one
// matching subscription opted into channel delivery. Redis SETNX keys make
// redelivery safe; Redis being down degrades to at-least-once.
func (n *Notifier) Fanout(ctx context.Context, stage string, t *store.Tender, score int) {
	if !n.tg.Configured() {
		return
	}
	n.sink.IncrCounter(ctx, "notifier.requests_total")
	msg := FormatTender(t, score)

	subs, err := n.st.ActiveSubscriptions(ctx)
	if err != nil {
		slog.Warn("notify: load subscriptions", "error", err)
		n.sink.IncrCounter(ctx, "notifier.errors_total")
		return
	}

	sentUsers := map[int64]bool{}
	wantsChannel := false
	for _, sub := range subs {
		if sub.TelegramUserID == 0 {
			continue
		}
		freq := strings.ToLower(sub.Frequency)
		if freq != "" && freq != "realtime" && freq != "rt" {
			continue
		}
		if !ParseFilters(sub.Filters).Matches(t) {
			continue
		}
		delivery := ParseDelivery(sub.Delivery)
		if delivery.Channel {
			wantsChannel = true
		}
		if !delivery.PV || sentUsers[sub.TelegramUserID] {
			continue
		}
		sentUsers[sub.TelegramUserID] = true
		if !n.claim(ctx, n.userKey(stage, t.ID, sub.TelegramUserID)) {
			continue
		}
		if err := n.tg.Send(ctx, strconv.FormatInt(sub.TelegramUserID, 10), msg, nil); err != nil {
			slog.Warn("notify: private send failed", "user", sub.TelegramUserID, "error", err)
			n.sink.IncrCounter(ctx, "notifier.errors_total")
			continue
		}
		n.sink.IncrCounter(ctx, "notifier.sent_total")
	}

	channelID := n.cfg.UFChannels[strings.ToUpper(t.UF)]
	if channelID == "" || !wantsChannel {
		return
	}
	if !n.claim(ctx, n.channelKey(stage, strings.ToUpper(t.UF), t.ID)) {
		return
	}
	if err := n.tg.Send(ctx, channelID, msg, Keyboard(t, n.cfg.BotUsername)); err != nil {
		slog.Warn("notify: channel send failed", "channel", channelID, "error", err)
		n.sink.IncrCounter(ctx, "notifier.errors_total")
		return
	}
	n.sink.IncrCounter(ctx, "notifier.sent_total")
}

// userKey is the per-(stage,tender,user) idempotency key. Every stage
// claims one, so a requeued tender never messages the same user twice
// within the TTL.
func (n *Notifier) userKey(stage string, tenderID, userID int64) string {
	return fmt.Sprintf("tg_sent:%s:%d:%d", stage, tenderID, userID)
}

func (n *Notifier) channelKey(stage, uf string, tenderID int64) string {
	if stage == "parse" {
		return fmt.Sprintf("tg_sent:parse:chan:%s:%d", uf, tenderID)
	}
	return fmt.Sprintf("chan_sent:%s:%d", uf, tenderID)
}

// claim takes an idempotency key; Redis errors fail open.
func (n *Notifier) claim(ctx context.Context, key string) bool {
	ok, err := n.rdb.SetNX(ctx, key, "1", idempotencyTTL).Result()
	if err != nil {
		slog.Warn("notify: idempotency key unavailable", "key", key, "error", err)
		return true
	}
	return ok
}
