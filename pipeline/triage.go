package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/hazyhaar/radar/events"
	"github.com/hazyhaar/radar/metrics"
	"github.com/hazyhaar/radar/notify"
	"github.com/hazyhaar/radar/queue"
	"github.com/hazyhaar/radar/store"
	"github.com/hazyhaar/radar/triage"
)

// TriageConfig tunes the scoring worker.
type TriageConfig struct {
	Queue        string
	FetchQueue   string
	DeadQueue    string
	MinScore     int
	MaxRetries   int
	RetryBackoff time.Duration
	// NotifyStage routes Telegram fan-out: "triage" notifies here, "parse"
	// defers to the parse worker.
	NotifyStage string
}

// TriageWorker scores incoming tenders against the rules and routes the
// interesting ones to the fetch queue.
type TriageWorker struct {
	q     *queue.Client
	st    *store.Store
	rules *triage.Rules
	sink  *metrics.Sink
	ev    *events.Logger
	notif *notify.Notifier
	cfg   TriageConfig
}

// NewTriageWorker builds the worker. notif may be nil when Telegram is off.
func NewTriageWorker(q *queue.Client, st *store.Store, rules *triage.Rules, sink *metrics.Sink, ev *events.Logger, notif *notify.Notifier, cfg TriageConfig) *TriageWorker {
	if cfg.Queue == "" {
		cfg.Queue = queue.Triage
	}
	if cfg.FetchQueue == "" {
		cfg.FetchQueue = queue.FetchParse
	}
	if cfg.DeadQueue == "" {
		cfg.DeadQueue = queue.DeadTriage
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if rules == nil {
		rules = triage.DefaultRules()
	}
	return &TriageWorker{q: q, st: st, rules: rules, sink: sink, ev: ev, notif: notif, cfg: cfg}
}

// triageMessage tolerates the payload shapes producers emit: tender fields
// at the top level, nested under "tender", or nested under "payload".
type triageMessage struct {
	ForceFetch     bool            `json:"force_fetch"`
	ID             json.Number     `json:"id"`
	TenderID       json.Number     `json:"tender_id"`
	IDPNCP         string          `json:"id_pncp"`
	Source         string          `json:"source"`
	SourceID       string          `json:"source_id"`
	Orgao          string          `json:"orgao"`
	Municipio      string          `json:"municipio"`
	UF             string          `json:"uf"`
	Modalidade     string          `json:"modalidade"`
	Objeto         string          `json:"objeto"`
	Status         string          `json:"status"`
	DataPublicacao string          `json:"data_publicacao"`
	URLs           json.RawMessage `json:"urls"`
	URL            string          `json:"url"`

	Tender  *triageMessage `json:"tender"`
	Payload *triageMessage `json:"payload"`
}

func (m *triageMessage) info() *triageMessage {
	switch {
	case m.Tender != nil:
		return m.Tender
	case m.Payload != nil:
		return m.Payload
	default:
		return m
	}
}

func (m *triageMessage) force() bool {
	if m.ForceFetch {
		return true
	}
	if m.Tender != nil && m.Tender.ForceFetch {
		return true
	}
	if m.Payload != nil {
		if m.Payload.ForceFetch {
			return true
		}
		if m.Payload.Tender != nil && m.Payload.Tender.ForceFetch {
			return true
		}
	}
	return false
}

func (m *triageMessage) numericID() int64 {
	for _, n := range []json.Number{m.TenderID, m.ID} {
		if n == "" {
			continue
		}
		if id, err := strconv.ParseInt(n.String(), 10, 64); err == nil && id > 0 {
			return id
		}
	}
	return 0
}

// fetchRequest is what triage hands to the fetch worker.
type fetchRequest struct {
	ForceFetch bool              `json:"force_fetch,omitempty"`
	TenderID   int64             `json:"tender_id,omitempty"`
	IDPNCP     string            `json:"id_pncp,omitempty"`
	Source     string            `json:"source,omitempty"`
	SourceID   string            `json:"source_id,omitempty"`
	URLs       map[string]string `json:"urls,omitempty"`
	Score      int               `json:"score"`
	Reasons    []string          `json:"reasons,omitempty"`
	QueuedAt   string            `json:"queued_at"`
	URL        string            `json:"url"`
}

// Run consumes the triage queue until the context ends.
func (w *TriageWorker) Run(ctx context.Context) error {
	slog.Info("triage worker started", "queue", w.cfg.Queue, "min_score", w.cfg.MinScore)
	for {
		raw, err := w.q.PopBlocking(ctx, w.cfg.Queue, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("triage: pop failed", "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}
		if raw == nil {
			continue
		}
		if err := w.Handle(ctx, raw); err != nil {
			slog.Error("triage: handle failed", "error", err)
			w.sink.IncrCounter(ctx, "worker.triage.error_total")
			w.retryOrDead(ctx, raw, err)
		}
	}
}

func (w *TriageWorker) retryOrDead(ctx context.Context, raw []byte, cause error) {
	if n, ok := requeue(ctx, w.q, w.cfg.Queue, raw, w.cfg.MaxRetries, w.cfg.RetryBackoff); ok {
		w.ev.Log(ctx, "triage", "retry", 0, 0, map[string]any{"queue": w.cfg.Queue, "retries": n})
		return
	}
	if err := w.q.PushDead(ctx, w.cfg.DeadQueue, "triage_failed", cause, raw); err != nil {
		slog.Error("triage: dead push failed", "error", err)
		return
	}
	w.sink.IncrCounter(ctx, "worker.triage.dead_total")
	w.ev.Log(ctx, "triage", "dead", 0, 0, map[string]any{"queue": w.cfg.DeadQueue, "error": cause.Error()})
}

// Handle scores one message. A returned error means retryable infrastructure
// failure; drops and low scores return nil.
func (w *TriageWorker) Handle(ctx context.Context, raw []byte) error {
	w.sink.IncrCounter(ctx, "worker.triage.consumed_total")

	var m triageMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		// Malformed JSON never improves on retry.
		w.sink.IncrCounter(ctx, "worker.triage.error_total")
		w.ev.Log(ctx, "triage", "error_bad_json", 0, 0, map[string]any{"queue": w.cfg.Queue})
		slog.Warn("triage: dropping malformed message", "bytes", len(raw))
		return nil
	}
	info := m.info()
	force := m.force()

	t, err := w.resolveTender(ctx, &m, info)
	if err != nil {
		return err
	}
	w.ev.Log(ctx, "triage", "consumed", tenderIDOf(t), 0,
		map[string]any{"queue": w.cfg.Queue, "id_pncp": info.IDPNCP})

	// DB row wins over whatever the message carried.
	uf, municipio, modalidade, objeto := info.UF, info.Municipio, info.Modalidade, info.Objeto
	if t != nil {
		uf, municipio, modalidade, objeto = t.UF, t.Municipio, t.Modalidade, t.Objeto
	}

	res := w.rules.Score(triage.Input{Objeto: objeto, UF: uf, Modalidade: modalidade})

	if !force {
		if !w.rules.AllowUF(uf) {
			w.ev.Log(ctx, "triage", "drop_uf_allowlist", tenderIDOf(t), 0, map[string]any{"uf": uf})
			return nil
		}
		if !w.rules.AllowMunicipio(municipio) {
			w.ev.Log(ctx, "triage", "drop_municipio_allowlist", tenderIDOf(t), 0, map[string]any{"municipio": municipio})
			return nil
		}
	}

	if w.cfg.NotifyStage == "triage" && w.notif != nil {
		w.notif.Fanout(ctx, "triage", w.notifyTarget(t, info), res.Score)
	}

	urls := w.resolveURLs(&m, info, t)
	pick := firstURL(urls, "pncp", "compras", "url", "sistema_origem")
	if pick == "" || (!force && res.Score < w.cfg.MinScore) {
		w.ev.Log(ctx, "triage", "skip", tenderIDOf(t), 0,
			map[string]any{"score": res.Score, "has_url": pick != ""})
		return nil
	}

	req := fetchRequest{
		ForceFetch: force,
		IDPNCP:     info.IDPNCP,
		Source:     info.Source,
		SourceID:   info.SourceID,
		URLs:       urls,
		Score:      res.Score,
		Reasons:    res.Reasons,
		QueuedAt:   nowISO(),
		URL:        pick,
	}
	if t != nil {
		req.TenderID = t.ID
		if req.IDPNCP == "" {
			req.IDPNCP = t.IDPNCP
		}
	}
	if u := urls["pncp"]; u != "" {
		req.URL = u
	}
	if err := w.q.Push(ctx, w.cfg.FetchQueue, req); err != nil {
		return err
	}
	w.sink.IncrCounter(ctx, "worker.triage.enqueued_fetch_total")
	w.ev.Log(ctx, "triage", "enqueued_fetch", req.TenderID, 0,
		map[string]any{"queue": w.cfg.FetchQueue, "score": res.Score, "url": req.URL})
	slog.Info("triage: enqueued fetch", "tender_id", req.TenderID, "id_pncp", req.IDPNCP,
		"score", res.Score, "url", req.URL)
	return nil
}

// resolveTender completes message fields from the database: numeric id,
// then control number, then source identity. Not finding a row is fine;
// a database failure is not.
func (w *TriageWorker) resolveTender(ctx context.Context, m, info *triageMessage) (*store.Tender, error) {
	if id := info.numericID(); id > 0 {
		t, err := w.st.GetTender(ctx, id)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	idp := info.IDPNCP
	if idp == "" && m.Payload != nil {
		idp = m.Payload.IDPNCP
	}
	if idp != "" {
		t, err := w.st.GetTenderByPNCP(ctx, idp)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if info.Source != "" && info.SourceID != "" {
		t, err := w.st.GetTenderBySource(ctx, info.Source, info.SourceID)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// resolveURLs walks the producers' url placements in priority order.
func (w *TriageWorker) resolveURLs(m, info *triageMessage, t *store.Tender) map[string]string {
	if urls := decodeURLs(info.URLs); len(urls) > 0 {
		return urls
	}
	if t != nil && len(t.URLs) > 0 {
		return t.URLs
	}
	if m.Payload != nil {
		if m.Payload.Tender != nil {
			if urls := decodeURLs(m.Payload.Tender.URLs); len(urls) > 0 {
				return urls
			}
		}
		if m.Payload.Payload != nil {
			if urls := decodeURLs(m.Payload.Payload.URLs); len(urls) > 0 {
				return urls
			}
		}
		if urls := decodeURLs(m.Payload.URLs); len(urls) > 0 {
			return urls
		}
	}
	return decodeURLs(m.URLs)
}

// notifyTarget prefers the stored row; a tender not yet in the database
// still gets announced from the message fields.
func (w *TriageWorker) notifyTarget(t *store.Tender, info *triageMessage) *store.Tender {
	if t != nil {
		return t
	}
	return &store.Tender{
		IDPNCP:         info.IDPNCP,
		Orgao:          info.Orgao,
		Municipio:      info.Municipio,
		UF:             info.UF,
		Modalidade:     info.Modalidade,
		Objeto:         info.Objeto,
		Status:         info.Status,
		DataPublicacao: info.DataPublicacao,
		URLs:           decodeURLs(info.URLs),
	}
}

func tenderIDOf(t *store.Tender) int64 {
	if t == nil {
		return 0
	}
	return t.ID
}

func firstURL(urls map[string]string, keys ...string) string {
	for _, k := range keys {
		if u := urls[k]; u != "" {
			return u
		}
	}
	return ""
}
