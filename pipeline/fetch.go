package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/radar/cache"
	"github.com/hazyhaar/radar/events"
	"github.com/hazyhaar/radar/metrics"
	"github.com/hazyhaar/radar/queue"
	"github.com/hazyhaar/radar/store"
)

const fetchUserAgent = "a-cobra/0.1 (+fetch_docs)"

// FetchConfig tunes the document download worker.
type FetchConfig struct {
	Queue        string
	ParseQueue   string
	DeadQueue    string
	MaxBytes     int64
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration

	// PNCP portal pages are not fetched directly: the docs API lists the
	// actual attachments and each one is requeued individually.
	PNCPDocsEnabled bool
	PNCPAPIBase     string
}

// FetchWorker downloads tender documents, deduplicates them by content
// digest, and hands them to the parse queue.
type FetchWorker struct {
	q     *queue.Client
	st    *store.Store
	sink  *metrics.Sink
	ev    *events.Logger
	cache *cache.Cache
	httpc *http.Client
	cfg   FetchConfig
}

// NewFetchWorker builds the worker. hc and c may be nil.
func NewFetchWorker(q *queue.Client, st *store.Store, sink *metrics.Sink, ev *events.Logger, c *cache.Cache, hc *http.Client, cfg FetchConfig) *FetchWorker {
	if cfg.Queue == "" {
		cfg.Queue = queue.FetchParse
	}
	if cfg.ParseQueue == "" {
		cfg.ParseQueue = queue.Parse
	}
	if cfg.DeadQueue == "" {
		cfg.DeadQueue = queue.DeadFetchDocs
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 5 * 1024 * 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.PNCPAPIBase == "" {
		cfg.PNCPAPIBase = "https://pncp.gov.br/api/pncp"
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &FetchWorker{q: q, st: st, sink: sink, ev: ev, cache: c, httpc: hc, cfg: cfg}
}

// fetchMessage is the fetch queue payload; it also tolerates the nested
// shape old producers used.
type fetchMessage struct {
	ForceFetch bool            `json:"force_fetch"`
	ID         json.Number     `json:"id"`
	TenderID   json.Number     `json:"tender_id"`
	IDPNCP     string          `json:"id_pncp"`
	Source     string          `json:"source"`
	SourceID   string          `json:"source_id"`
	URLs       json.RawMessage `json:"urls"`
	URL        string          `json:"url"`

	Payload *triageMessage `json:"payload"`
	Tender  *triageMessage `json:"tender"`
}

// parseRequest is what fetch hands to the parse worker.
type parseRequest struct {
	DocumentID int64  `json:"document_id"`
	TenderID   int64  `json:"tender_id"`
	IDPNCP     string `json:"id_pncp,omitempty"`
	URL        string `json:"url"`
	SHA256     string `json:"sha256,omitempty"`
	QueuedAt   string `json:"queued_at"`
}

// Run consumes the fetch queue until the context ends.
func (w *FetchWorker) Run(ctx context.Context) error {
	slog.Info("fetch worker started", "queue", w.cfg.Queue, "max_bytes", w.cfg.MaxBytes)
	for {
		raw, err := w.q.PopBlocking(ctx, w.cfg.Queue, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("fetch: pop failed", "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}
		if raw == nil {
			continue
		}
		if err := w.Handle(ctx, raw); err != nil {
			slog.Error("fetch: handle failed", "error", err)
			w.retryOrDead(ctx, raw, err)
		}
	}
}

// Retryable reasons carried in the handle error decide the dead envelope.
var (
	errDBUnavailable = errors.New("db_unavailable")
	errFetchFailed   = errors.New("fetch_failed")
)

func (w *FetchWorker) retryOrDead(ctx context.Context, raw []byte, cause error) {
	if n, ok := requeue(ctx, w.q, w.cfg.Queue, raw, w.cfg.MaxRetries, w.cfg.RetryBackoff); ok {
		w.sink.IncrCounter(ctx, "worker.fetch_docs.retry_total")
		w.ev.Log(ctx, "fetch_docs", "retry", 0, 0,
			map[string]any{"queue": w.cfg.Queue, "retries": n, "error": cause.Error()})
		return
	}
	reason := "fetch_failed"
	if errors.Is(cause, errDBUnavailable) {
		reason = "db_unavailable"
	}
	if err := w.q.PushDead(ctx, w.cfg.DeadQueue, reason, cause, raw); err != nil {
		slog.Error("fetch: dead push failed", "error", err)
		return
	}
	w.sink.IncrCounter(ctx, "worker.fetch_docs.dead_total")
	w.ev.Log(ctx, "fetch_docs", "dead_"+reason, 0, 0, map[string]any{"queue": w.cfg.DeadQueue})
}

// Handle fetches one document. A returned error is retryable; permanent
// failures go straight to the dead queue and return nil.
func (w *FetchWorker) Handle(ctx context.Context, raw []byte) error {
	w.sink.IncrCounter(ctx, "worker.fetch_docs.consumed_total")

	var m fetchMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		w.sink.IncrCounter(ctx, "worker.fetch_docs.error_total")
		slog.Warn("fetch: dropping malformed message", "bytes", len(raw))
		return nil
	}
	w.ev.Log(ctx, "fetch_docs", "consumed", 0, 0,
		map[string]any{"queue": w.cfg.Queue, "id_pncp": m.IDPNCP, "source": m.Source})

	urls := decodeURLs(m.URLs)
	url := m.URL
	if url == "" && m.Payload != nil && m.Payload.URL != "" {
		url = m.Payload.URL
	}
	if url == "" {
		url = firstURL(urls, "pncp", "pncp_doc", "url")
	}

	tenderID, err := w.resolveTender(ctx, &m, urls)
	if err != nil {
		w.sink.IncrCounter(ctx, "worker.fetch_docs.error_total")
		return fmt.Errorf("%w: %w", errDBUnavailable, err)
	}

	if tenderID == 0 || url == "" {
		w.pushMissing(ctx, raw, &m, tenderID, url)
		return nil
	}

	// PNCP portal page: list the real attachments instead of scraping it.
	if w.cfg.PNCPDocsEnabled && strings.Contains(url, "pncp.gov.br/app/contratacoes") {
		if cnpj, ano, seq, ok := parsePNCPID(m.IDPNCP); ok {
			docURLs, err := w.listPNCPDocs(ctx, cnpj, ano, seq)
			if err != nil {
				slog.Warn("fetch: pncp doc listing failed", "id_pncp", m.IDPNCP, "error", err)
			}
			if len(docURLs) > 0 {
				for _, du := range docURLs {
					req := map[string]any{
						"tender_id": tenderID,
						"id_pncp":   m.IDPNCP,
						"url":       du,
						"urls":      map[string]string{"pncp_doc": du},
						"queued_at": nowISO(),
					}
					if err := w.q.Push(ctx, w.cfg.Queue, req); err != nil {
						return err
					}
				}
				slog.Info("fetch: pncp docs enqueued", "tender_id", tenderID, "total", len(docURLs))
				w.ev.Log(ctx, "fetch_docs", "pncp_docs_enqueued", tenderID, 0,
					map[string]any{"total": len(docURLs)})
				return nil
			}
		}
	}

	status, headers, ctype, body, truncated, fetchErr := w.fetchURL(ctx, url)
	if fetchErr != nil {
		w.sink.IncrCounter(ctx, "worker.fetch_docs.error_total")
		return fmt.Errorf("%w: %s: %w", errFetchFailed, url, fetchErr)
	}

	sha := bodyDigest(body)
	if sha != "" {
		exists, err := w.st.DocumentExists(ctx, tenderID, sha)
		if err != nil {
			w.sink.IncrCounter(ctx, "worker.fetch_docs.error_total")
			return fmt.Errorf("%w: %w", errDBUnavailable, err)
		}
		if exists {
			w.sink.IncrCounter(ctx, "worker.fetch_docs.duplicate_total")
			w.ev.Log(ctx, "fetch_docs", "duplicate_skip", tenderID, 0,
				map[string]any{"sha256": sha, "url": url})
			slog.Info("fetch: duplicate body, skipping", "tender_id", tenderID, "sha256", sha)
			return nil
		}
	}

	docID, sha, err := w.st.InsertDocument(ctx, store.DocumentInput{
		TenderID:    tenderID,
		URL:         url,
		Source:      m.Source,
		HTTPStatus:  status,
		ContentType: ctype,
		Headers:     headers,
		Body:        body,
		Truncated:   truncated,
	})
	if errors.Is(err, store.ErrDuplicateDocument) {
		// A concurrent worker stored the same body between the check and
		// the insert.
		w.sink.IncrCounter(ctx, "worker.fetch_docs.duplicate_total")
		w.ev.Log(ctx, "fetch_docs", "duplicate_skip", tenderID, 0,
			map[string]any{"sha256": sha, "url": url})
		slog.Info("fetch: duplicate body, skipping", "tender_id", tenderID, "sha256", sha)
		return nil
	}
	if err != nil {
		w.sink.IncrCounter(ctx, "worker.fetch_docs.error_total")
		return fmt.Errorf("%w: %w", errDBUnavailable, err)
	}

	w.sink.IncrCounter(ctx, "worker.fetch_docs.ok_total")
	w.ev.Log(ctx, "fetch_docs", "ok", tenderID, docID,
		map[string]any{"http_status": status, "size_bytes": len(body), "truncated": truncated})
	slog.Info("fetch: document stored", "doc_id", docID, "tender_id", tenderID,
		"status", status, "bytes", len(body), "truncated", truncated)

	if w.cache != nil {
		w.cache.InvalidatePatterns(ctx,
			fmt.Sprintf("%s:GET:/v1/documents/list?tender_id=%d*", w.cache.Prefix(), tenderID))
	}

	return w.q.Push(ctx, w.cfg.ParseQueue, parseRequest{
		DocumentID: docID,
		TenderID:   tenderID,
		IDPNCP:     m.IDPNCP,
		URL:        url,
		SHA256:     sha,
		QueuedAt:   nowISO(),
	})
}

// resolveTender finds or creates the tender row this document belongs to.
func (w *FetchWorker) resolveTender(ctx context.Context, m *fetchMessage, urls map[string]string) (int64, error) {
	for _, n := range []json.Number{m.TenderID, m.ID} {
		if n == "" {
			continue
		}
		id, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		if _, err := w.st.GetTender(ctx, id); err == nil {
			return id, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return 0, err
		}
	}
	idp := m.IDPNCP
	if idp == "" && m.Payload != nil {
		idp = m.Payload.IDPNCP
	}
	if idp != "" {
		if t, err := w.st.GetTenderByPNCP(ctx, idp); err == nil {
			return t.ID, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return 0, err
		}
	}
	if m.Source != "" && m.SourceID != "" {
		if t, err := w.st.GetTenderBySource(ctx, m.Source, m.SourceID); err == nil {
			return t.ID, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return 0, err
		}
	}
	// Last resort: upsert from message metadata so the document has a home.
	if idp != "" {
		in := store.TenderInput{IDPNCP: idp, Source: m.Source, SourceID: m.SourceID, URLs: urls}
		if m.Payload != nil {
			in.Orgao = m.Payload.Orgao
			in.Municipio = m.Payload.Municipio
			in.UF = m.Payload.UF
			in.Modalidade = m.Payload.Modalidade
			in.Objeto = m.Payload.Objeto
			in.Status = m.Payload.Status
			in.DataPublicacao = m.Payload.DataPublicacao
		}
		return w.st.EnsureTender(ctx, in)
	}
	return 0, nil
}

func (w *FetchWorker) pushMissing(ctx context.Context, raw []byte, m *fetchMessage, tenderID int64, url string) {
	err := w.q.PushDead(ctx, w.cfg.DeadQueue, "missing_tender_or_url",
		fmt.Errorf("tender_id=%d url=%q id_pncp=%q", tenderID, url, m.IDPNCP), raw)
	if err != nil {
		slog.Error("fetch: dead push failed", "error", err)
	}
	w.sink.IncrCounter(ctx, "worker.fetch_docs.missing_tender_or_url_total")
	w.sink.IncrCounter(ctx, "worker.fetch_docs.dead_total")
	w.ev.Log(ctx, "fetch_docs", "dead_missing_tender_or_url", tenderID, 0,
		map[string]any{"queue": w.cfg.DeadQueue, "id_pncp": m.IDPNCP})
	slog.Warn("fetch: no resolvable tender or url", "tender_id", tenderID, "id_pncp", m.IDPNCP, "url", url)
}

// fetchURL downloads a document body, capped at MaxBytes.
func (w *FetchWorker) fetchURL(ctx context.Context, url string) (status int, headers map[string]string, ctype string, body []byte, truncated bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, "", nil, false, err
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "*/*")
	resp, err := w.httpc.Do(req)
	if err != nil {
		return 0, nil, "", nil, false, err
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, w.cfg.MaxBytes+1))
	if err != nil {
		return 0, nil, "", nil, false, err
	}
	if int64(len(body)) > w.cfg.MaxBytes {
		body = body[:w.cfg.MaxBytes]
		truncated = true
	}
	headers = make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return resp.StatusCode, headers, resp.Header.Get("Content-Type"), body, truncated, nil
}

func bodyDigest(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

var pncpIDPattern = regexp.MustCompile(`^(\d{14})-\d+-(\d+)/(\d{4})$`)

// parsePNCPID splits a control number like 00000000000191-1-000123/2025
// into the pieces the docs API wants. The sequence loses leading zeros.
func parsePNCPID(id string) (cnpj, ano, seq string, ok bool) {
	m := pncpIDPattern.FindStringSubmatch(strings.TrimSpace(id))
	if m == nil {
		return "", "", "", false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", "", "", false
	}
	return m[1], m[3], strconv.Itoa(n), true
}

// listPNCPDocs asks the PNCP API for a tender's attachment URLs. The
// response is either a bare list or wrapped in a "documentos" field.
func (w *FetchWorker) listPNCPDocs(ctx context.Context, cnpj, ano, seq string) ([]string, error) {
	url := fmt.Sprintf("%s/v1/orgaos/%s/compras/%s/%s/arquivos",
		strings.TrimRight(w.cfg.PNCPAPIBase, "/"), cnpj, ano, seq)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "application/json")
	resp, err := w.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pipeline: pncp docs: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, err
	}

	var items []map[string]any
	if err := json.Unmarshal(data, &items); err != nil {
		var wrapped struct {
			Documentos  []map[string]any `json:"documentos"`
			DocumentosU []map[string]any `json:"Documentos"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("pipeline: pncp docs: decode: %w", err)
		}
		items = wrapped.Documentos
		if len(items) == 0 {
			items = wrapped.DocumentosU
		}
	}
	var out []string
	for _, it := range items {
		if u, ok := it["url"].(string); ok && u != "" {
			out = append(out, u)
		}
	}
	return out, nil
}
