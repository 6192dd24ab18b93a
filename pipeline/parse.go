package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/hazyhaar/radar/docpipe"
	"github.com/hazyhaar/radar/events"
	"github.com/hazyhaar/radar/metrics"
	"github.com/hazyhaar/radar/notify"
	"github.com/hazyhaar/radar/queue"
	"github.com/hazyhaar/radar/segment"
	"github.com/hazyhaar/radar/store"
	"github.com/hazyhaar/radar/triage"
)

// ParseConfig tunes the text extraction worker.
type ParseConfig struct {
	// Queues are popped in order; the smoke queue goes first so canary
	// jobs never wait behind the backlog.
	Queues       []string
	SmokeQueue   string
	DeadQueue    string
	MaxChars     int
	DropBody     bool
	MaxRetries   int
	RetryBackoff time.Duration

	// Smoke jobs run a reduced profile: no OCR, no embeddings, tighter
	// char budget.
	SmokeMaxChars int
	SmokeDropBody bool

	// The post-OCR gate drops documents whose text matches neither the
	// keywords nor the regex.
	GateEnabled  bool
	GateKeywords []string
	GateRegex    string

	DocConvertEnabled bool
	NotifyStage       string
	EmbeddingsEnabled bool
	Segment           segment.Options
	OCR               docpipe.OCRConfig
}

// Enricher classifies a tender from its parsed text.
type Enricher interface {
	Enrich(ctx context.Context, tenderID int64, text string, meta map[string]any, existing *store.Tender)
}

// Embedder produces a vector for one text chunk.
type Embedder interface {
	Embed(ctx context.Context, prompt string) ([]float64, error)
}

// ParseWorker turns fetched document bodies into searchable text: extract,
// OCR fallback, enrichment, notification fan-out, artifacts, and segments.
type ParseWorker struct {
	q        *queue.Client
	st       *store.Store
	sink     *metrics.Sink
	ev       *events.Logger
	enricher Enricher
	notif    *notify.Notifier
	rules    *triage.Rules
	embed    Embedder

	pipe      *docpipe.Pipeline
	smokePipe *docpipe.Pipeline
	gateRe    *regexp.Regexp
	cfg       ParseConfig
}

// NewParseWorker builds the worker. enricher, notif, and embed may be nil.
func NewParseWorker(q *queue.Client, st *store.Store, sink *metrics.Sink, ev *events.Logger, enricher Enricher, notif *notify.Notifier, rules *triage.Rules, embed Embedder, cfg ParseConfig) *ParseWorker {
	if cfg.SmokeQueue == "" {
		cfg.SmokeQueue = queue.ParseSmoke
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{cfg.SmokeQueue, queue.Parse}
	}
	if cfg.DeadQueue == "" {
		cfg.DeadQueue = queue.DeadParse
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 200000
	}
	if cfg.SmokeMaxChars <= 0 {
		cfg.SmokeMaxChars = 20000
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
	w := &ParseWorker{
		q: q, st: st, sink: sink, ev: ev,
		enricher: enricher, notif: notif, rules: rules, embed: embed,
		pipe:      docpipe.New(docpipe.Config{MaxChars: cfg.MaxChars}),
		smokePipe: docpipe.New(docpipe.Config{MaxChars: min(cfg.MaxChars, cfg.SmokeMaxChars)}),
		cfg:       cfg,
	}
	if cfg.GateRegex != "" {
		re, err := regexp.Compile("(?im)" + cfg.GateRegex)
		if err != nil {
			slog.Warn("parse: invalid gate regex", "regex", cfg.GateRegex, "error", err)
		} else {
			w.gateRe = re
		}
	}
	return w
}

// parseMessage is the parse queue payload.
type parseMessage struct {
	DocumentID int64  `json:"document_id"`
	TenderID   int64  `json:"tender_id"`
	IDPNCP     string `json:"id_pncp"`
	URL        string `json:"url"`
	SHA256     string `json:"sha256"`
}

// Run consumes the parse queues until the context ends.
func (w *ParseWorker) Run(ctx context.Context) error {
	slog.Info("parse worker started", "queues", strings.Join(w.cfg.Queues, ","),
		"max_chars", w.cfg.MaxChars, "ocr", w.cfg.OCR.Enabled)
	for {
		queueName, raw, err := w.q.PopBlockingAny(ctx, w.cfg.Queues, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("parse: pop failed", "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}
		if raw == nil {
			continue
		}
		if err := w.Handle(ctx, queueName, raw); err != nil {
			slog.Error("parse: handle failed", "queue", queueName, "error", err)
			w.sink.IncrCounter(ctx, "worker.parse.error_total")
			w.retryOrDead(ctx, queueName, raw, err)
		}
	}
}

func (w *ParseWorker) retryOrDead(ctx context.Context, queueName string, raw []byte, cause error) {
	if n, ok := requeue(ctx, w.q, queueName, raw, w.cfg.MaxRetries, w.cfg.RetryBackoff); ok {
		w.sink.IncrCounter(ctx, "worker.parse.retry_total")
		w.ev.Log(ctx, "parse", "retry", 0, 0,
			map[string]any{"queue": queueName, "retries": n, "error": cause.Error()})
		return
	}
	if err := w.q.PushDead(ctx, w.cfg.DeadQueue, "parse_failed", cause, raw); err != nil {
		slog.Error("parse: dead push failed", "error", err)
		return
	}
	w.sink.IncrCounter(ctx, "worker.parse.dead_total")
	w.ev.Log(ctx, "parse", "dead_parse_failed", 0, 0,
		map[string]any{"queue": w.cfg.DeadQueue, "error": cause.Error()})
}

// Handle parses one document. A returned error is retryable.
func (w *ParseWorker) Handle(ctx context.Context, queueName string, raw []byte) error {
	w.sink.IncrCounter(ctx, "worker.parse.consumed_total")

	var m parseMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		w.sink.IncrCounter(ctx, "worker.parse.error_total")
		slog.Warn("parse: dropping malformed message", "bytes", len(raw))
		return nil
	}
	w.ev.Log(ctx, "parse", "consumed", m.TenderID, m.DocumentID, map[string]any{"queue": queueName})
	if m.DocumentID == 0 {
		w.sink.IncrCounter(ctx, "worker.parse.error_total")
		w.ev.Log(ctx, "parse", "error_missing_document_id", 0, 0, map[string]any{"queue": queueName})
		slog.Warn("parse: message without document_id")
		return nil
	}

	smoke := queueName == w.cfg.SmokeQueue
	pipe := w.pipe
	dropBody := w.cfg.DropBody
	if smoke {
		pipe = w.smokePipe
		dropBody = dropBody || w.cfg.SmokeDropBody
	}

	doc, err := w.st.GetDocument(ctx, m.DocumentID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("parse: document not found", "doc_id", m.DocumentID)
		return nil
	}
	if err != nil {
		return err
	}

	var text string
	var quality float64
	ocrUsed := false
	hadBody := len(doc.Body) > 0

	if !hadBody && doc.TextoExtraido != "" {
		// Body already dropped on a previous pass; resegment from the
		// stored text.
		text = doc.TextoExtraido
		quality = docpipe.TextQuality(text)
	} else {
		res, err := pipe.Extract(ctx, doc.Body, doc.ContentType, doc.URL)
		if err != nil {
			return fmt.Errorf("pipeline: extract doc %d: %w", m.DocumentID, err)
		}
		text, quality = res.Text, res.Quality

		ocrEnabled := w.cfg.OCR.Enabled && !smoke
		if ocrEnabled && docpipe.NeedsOCR(res.Kind, text, quality, w.cfg.OCR) {
			start := time.Now()
			slog.Info("parse: ocr start", "doc_id", m.DocumentID, "mode", w.cfg.OCR.Mode)
			ocrText, err := pipe.RunOCR(ctx, doc.Body, res.Kind, w.cfg.OCR)
			if err != nil {
				slog.Warn("parse: ocr failed", "doc_id", m.DocumentID, "error", err)
			}
			slog.Info("parse: ocr done", "doc_id", m.DocumentID,
				"chars", len(ocrText), "elapsed", time.Since(start).Round(time.Second))
			if ocrText != "" {
				text = ocrText
				quality = docpipe.TextQuality(text)
				ocrUsed = true
			}
		}

		if err := w.st.SetParsedText(ctx, m.DocumentID, text, quality, ocrUsed, dropBody); err != nil {
			return err
		}
	}

	if !w.passesGate(text) {
		w.ev.Log(ctx, "parse", "drop_post_ocr_gate", doc.TenderID, doc.ID,
			map[string]any{"reason": "post_ocr_gate"})
		slog.Info("parse: gate drop", "doc_id", doc.ID, "tender_id", doc.TenderID)
		return nil
	}

	var tender *store.Tender
	if !smoke && text != "" {
		tender, err = w.st.GetTender(ctx, doc.TenderID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Warn("parse: tender load failed", "tender_id", doc.TenderID, "error", err)
		}
		if w.enricher != nil {
			w.enricher.Enrich(ctx, doc.TenderID, text, tenderMeta(tender), tender)
		}
		if w.cfg.NotifyStage == "parse" && w.notif != nil && tender != nil &&
			w.rules.AllowUF(tender.UF) && w.rules.AllowMunicipio(tender.Municipio) {
			w.notif.Fanout(ctx, "parse", tender, -1)
		}
	}

	if !smoke {
		w.storeArtifacts(ctx, doc, text)
	}

	segs := segment.Split(text, w.cfg.Segment)
	if len(segs) > 0 {
		var embeddings [][]float64
		if w.cfg.EmbeddingsEnabled && !smoke && w.embed != nil {
			embeddings = make([][]float64, len(segs))
			for i, seg := range segs {
				vec, err := w.embed.Embed(ctx, seg)
				if err != nil {
					slog.Warn("parse: embed failed", "doc_id", doc.ID, "idx", i, "error", err)
					continue
				}
				embeddings[i] = vec
			}
		}
		if err := w.st.ReplaceSegments(ctx, doc.ID, doc.TenderID, segs, embeddings); err != nil {
			return err
		}
	}

	w.sink.IncrCounter(ctx, "worker.parse.ok_total")
	w.ev.Log(ctx, "parse", "ok", doc.TenderID, doc.ID, map[string]any{"chars": len(text)})
	slog.Info("parse: ok", "doc_id", doc.ID, "tender_id", doc.TenderID,
		"chars", len(text), "segments", len(segs), "ocr", ocrUsed)
	return nil
}

// passesGate applies the optional post-OCR relevance gate.
func (w *ParseWorker) passesGate(text string) bool {
	if !w.cfg.GateEnabled {
		return true
	}
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range w.cfg.GateKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	if w.gateRe != nil && w.gateRe.MatchString(text) {
		return true
	}
	return false
}

// storeArtifacts saves table text and the markdown rendition. Both are
// best-effort.
func (w *ParseWorker) storeArtifacts(ctx context.Context, doc *store.Document, text string) {
	kind := docpipe.Detect(doc.Body, doc.ContentType, doc.URL)
	if len(doc.Body) > 0 && kind == docpipe.KindHTML {
		if tables := docpipe.ExtractHTMLTables(doc.Body); len(tables) > 0 {
			if err := w.st.UpsertArtifact(ctx, doc.ID, "tables", tables); err != nil {
				slog.Warn("parse: tables artifact failed", "doc_id", doc.ID, "error", err)
			}
		}
	}
	if !w.cfg.DocConvertEnabled {
		return
	}
	conv, err := docpipe.ConvertMarkdown(kind, doc.Body, text)
	if err != nil || conv == nil {
		return
	}
	if err := w.st.UpsertArtifact(ctx, doc.ID, "doc_convert", conv); err != nil {
		slog.Warn("parse: doc_convert artifact failed", "doc_id", doc.ID, "error", err)
	}
}

// tenderMeta flattens the fields the enrichment prompt wants.
func tenderMeta(t *store.Tender) map[string]any {
	if t == nil {
		return nil
	}
	return map[string]any{
		"id_pncp":    t.IDPNCP,
		"source":     t.Source,
		"source_id":  t.SourceID,
		"orgao":      t.Orgao,
		"municipio":  t.Municipio,
		"uf":         t.UF,
		"modalidade": t.Modalidade,
		"objeto":     t.Objeto,
	}
}
