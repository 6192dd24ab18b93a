package crawl

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/radar/config"
)

// minPageSize is the smallest page the consulta API accepts.
const minPageSize = 10

// PNCPCrawler pages through the PNCP consulta API, one pass per configured
// modalidade id, for the current UTC day.
type PNCPCrawler struct {
	cfg config.PNCPCrawl
	ing Ingestor
	hc  *http.Client
}

// NewPNCP builds the crawler. hc may be nil.
func NewPNCP(cfg config.PNCPCrawl, ing Ingestor, hc *http.Client) *PNCPCrawler {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.PageSize < minPageSize {
		cfg.PageSize = minPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 500
	}
	if len(cfg.ModalidadeIDs) == 0 {
		cfg.ModalidadeIDs = []string{"8"}
	}
	if cfg.Poll <= 0 {
		cfg.Poll = time.Hour
	}
	return &PNCPCrawler{cfg: cfg, ing: ing, hc: hc}
}

// Run polls until the context ends.
func (c *PNCPCrawler) Run(ctx context.Context) error {
	slog.Info("pncp crawler started", "base", c.cfg.BaseURL, "modalidades", c.cfg.ModalidadeIDs)
	t := time.NewTicker(c.cfg.Poll)
	defer t.Stop()
	for {
		n, err := c.RunOnce(ctx)
		if err != nil {
			slog.Warn("pncp crawl pass failed", "error", err)
		} else {
			slog.Info("pncp crawl pass done", "items", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// RunOnce walks every modalidade for today and ingests each mapped item.
// It returns the number of items ingested.
func (c *PNCPCrawler) RunOnce(ctx context.Context) (int, error) {
	day := time.Now().UTC().Format("20060102")
	total := 0
	for _, mid := range c.cfg.ModalidadeIDs {
		for page := 1; page <= c.cfg.MaxPages; page++ {
			var payload struct {
				Data []map[string]any `json:"data"`
			}
			u := c.listURL(mid, page, day)
			if err := getJSON(ctx, c.hc, u, &payload); err != nil {
				slog.Warn("pncp list fetch failed", "modalidade", mid, "page", page, "error", err)
				break
			}
			if len(payload.Data) == 0 {
				break
			}
			for _, item := range payload.Data {
				mapped := mapPNCPItem(item)
				if mapped["id_pncp"] == "" {
					continue
				}
				if err := c.ing.Ingest(ctx, mapped); err != nil {
					slog.Warn("pncp ingest failed", "id_pncp", mapped["id_pncp"], "error", err)
					continue
				}
				total++
				if total >= c.cfg.MaxItems {
					return total, nil
				}
			}
			if c.cfg.Sleep > 0 {
				select {
				case <-ctx.Done():
					return total, ctx.Err()
				case <-time.After(c.cfg.Sleep):
				}
			}
		}
	}
	return total, nil
}

func (c *PNCPCrawler) listURL(modalidadeID string, page int, day string) string {
	q := url.Values{}
	q.Set("dataInicial", day)
	q.Set("dataFinal", day)
	q.Set("codigoModalidadeContratacao", modalidadeID)
	q.Set("pagina", strconv.Itoa(page))
	q.Set("tamanhoPagina", strconv.Itoa(c.cfg.PageSize))
	if c.cfg.UF != "" {
		q.Set("uf", c.cfg.UF)
	}
	return c.cfg.BaseURL + "/v1/contratacoes/publicacao?" + q.Encode()
}

// mapPNCPItem converts one consulta item into the ingest payload shape the
// triage pipeline expects.
func mapPNCPItem(item map[string]any) map[string]any {
	numero := str(item["numeroControlePNCP"])
	objeto := str(item["objetoCompra"])
	if info := str(item["informacaoComplementar"]); info != "" {
		if objeto != "" {
			objeto = objeto + " | " + info
		} else {
			objeto = info
		}
	}

	urls := map[string]string{}
	if numero != "" {
		urls["pncp"] = "https://pncp.gov.br/app/contratacoes/" + numero
	}
	if v := str(item["linkSistemaOrigem"]); v != "" {
		urls["sistema_origem"] = v
	}
	if v := str(item["linkProcessoEletronico"]); v != "" {
		urls["processo"] = v
	}

	return map[string]any{
		"id_pncp":         numero,
		"source":          "pncp",
		"source_id":       numero,
		"orgao":           str(dig(item, "orgaoEntidade", "razaoSocial")),
		"municipio":       str(dig(item, "unidadeOrgao", "municipioNome")),
		"uf":              strings.ToUpper(str(dig(item, "unidadeOrgao", "ufSigla"))),
		"modalidade":      str(item["modalidadeNome"]),
		"objeto":          objeto,
		"data_publicacao": str(item["dataPublicacaoPncp"]),
		"status":          str(item["situacaoCompraNome"]),
		"urls":            urls,
		"force_fetch":     false,
		"source_payload":  item,
	}
}
