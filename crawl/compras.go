package crawl

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/radar/config"
	"github.com/hazyhaar/radar/metrics"
)

const defaultDetailPath = "/licitacoes/id/licitacao/{id}.json"

// ComprasCrawler polls the Compras.gov.br open-data API. The list endpoint
// is HAL-ish: items sit under _embedded and paging follows the next link.
type ComprasCrawler struct {
	cfg  config.ComprasCrawl
	ing  Ingestor
	sink *metrics.Sink
	hc   *http.Client
}

// NewCompras builds the crawler. sink and hc may be nil.
func NewCompras(cfg config.ComprasCrawl, ing Ingestor, sink *metrics.Sink, hc *http.Client) *ComprasCrawler {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.DetailPath == "" {
		cfg.DetailPath = defaultDetailPath
	}
	if cfg.DateField == "" {
		cfg.DateField = "data_publicacao"
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 500
	}
	if cfg.Poll <= 0 {
		cfg.Poll = time.Hour
	}
	return &ComprasCrawler{cfg: cfg, ing: ing, sink: sink, hc: hc}
}

// Run polls until the context ends.
func (c *ComprasCrawler) Run(ctx context.Context) error {
	slog.Info("compras crawler started", "base", c.cfg.APIBase)
	t := time.NewTicker(c.cfg.Poll)
	defer t.Stop()
	for {
		n, err := c.RunOnce(ctx)
		if err != nil {
			slog.Warn("compras crawl pass failed", "error", err)
			c.count(ctx, "worker.compras_fetch.batch_error_total", 1)
		} else {
			c.count(ctx, "worker.compras_fetch.batch_ok_total", 1)
			if n > 0 {
				c.count(ctx, "worker.compras_fetch.items_total", int64(n))
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// RunOnce walks the list pages for today, fetches each item's detail record
// and ingests the merged payload. It returns the number of items processed.
func (c *ComprasCrawler) RunOnce(ctx context.Context) (int, error) {
	next := c.listURL()
	pages, total := 0, 0
	for next != "" && pages < c.cfg.MaxPages && total < c.cfg.MaxItems {
		var payload map[string]any
		if err := getJSON(ctx, c.hc, next, &payload); err != nil {
			return total, err
		}
		items := comprasItems(payload)
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			ident := comprasID(item)
			if ident == "" {
				continue
			}
			detail := map[string]any{}
			detailURL := c.cfg.APIBase + strings.ReplaceAll(c.cfg.DetailPath, "{id}", ident)
			if err := getJSON(ctx, c.hc, detailURL, &detail); err != nil {
				slog.Warn("compras detail fetch failed", "id", ident, "error", err)
				detail = map[string]any{}
			}
			if err := c.ing.Ingest(ctx, c.mapTender(detail, item, ident)); err != nil {
				slog.Warn("compras ingest failed", "id", ident, "error", err)
				c.count(ctx, "worker.compras_fetch.ingest_error_total", 1)
			} else {
				c.count(ctx, "worker.compras_fetch.ingest_ok_total", 1)
			}
			total++
			if total >= c.cfg.MaxItems {
				break
			}
		}
		pages++
		next = nextLink(payload)
		if next != "" && strings.HasPrefix(next, "/") {
			next = c.cfg.APIBase + next
		}
	}
	return total, nil
}

func (c *ComprasCrawler) listURL() string {
	day := time.Now().UTC().Format("2006-01-02")
	q := url.Values{}
	q.Set(c.cfg.DateField+"_min", day)
	q.Set(c.cfg.DateField+"_max", day)
	if len(c.cfg.UASGs) > 0 {
		q.Set("uasg", strings.Join(c.cfg.UASGs, ","))
	}
	return c.cfg.APIBase + c.cfg.ListPath + "?" + q.Encode()
}

func (c *ComprasCrawler) mapTender(detail, fallback map[string]any, ident string) map[string]any {
	pick := func(key string) string {
		if v := str(detail[key]); v != "" {
			return v
		}
		return str(fallback[key])
	}
	urlHTML := c.cfg.APIBase + "/licitacoes/id/licitacao/" + ident + ".html"
	urlJSON := c.cfg.APIBase + "/licitacoes/id/licitacao/" + ident + ".json"

	orgao := ""
	if uasg := pick("uasg"); uasg != "" {
		orgao = "UASG " + uasg
	}
	return map[string]any{
		"id_pncp":         "compras:" + ident,
		"source":          "compras",
		"source_id":       ident,
		"orgao":           orgao,
		"modalidade":      pick("modalidade"),
		"objeto":          pick("objeto"),
		"data_publicacao": pick("data_publicacao"),
		"status":          pick("situacao_aviso"),
		"urls":            map[string]string{"compras": urlHTML, "api": urlJSON, "url": urlHTML},
		"force_fetch":     false,
		"source_payload":  map[string]any{"list_item": fallback, "detail": detail},
	}
}

func (c *ComprasCrawler) count(ctx context.Context, name string, n int64) {
	if c.sink != nil {
		c.sink.IncrCounterBy(ctx, name, n)
	}
}

func comprasItems(payload map[string]any) []map[string]any {
	candidates := []any{
		dig(payload, "_embedded", "licitacoes"),
		dig(payload, "_embedded", "licitacao"),
		dig(payload, "_embedded", "items"),
		payload["licitacoes"],
		payload["items"],
		payload["licitacao"],
	}
	for _, cand := range candidates {
		list, ok := cand.([]any)
		if !ok {
			continue
		}
		out := make([]map[string]any, 0, len(list))
		for _, v := range list {
			if m, ok := v.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func comprasID(item map[string]any) string {
	for _, key := range []string{"identificador", "id", "numero_processo", "numero_aviso"} {
		if v := str(item[key]); v != "" {
			return v
		}
	}
	return ""
}

func nextLink(payload map[string]any) string {
	links, ok := payload["_links"].(map[string]any)
	if !ok {
		links, ok = payload["links"].(map[string]any)
		if !ok {
			return ""
		}
	}
	next := links["next"]
	if next == nil {
		next = links["proximo"]
	}
	switch v := next.(type) {
	case string:
		return v
	case map[string]any:
		return str(v["href"])
	}
	return ""
}
