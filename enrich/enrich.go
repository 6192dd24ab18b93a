// Package enrich classifies parsed tenders with a local LLM: one materia
// from a fixed vocabulary, an optional categoria, a confidence score, and
// up to ten tags. Model output is treated as hostile and goes through a
// tolerant JSON reader plus strict normalization before it touches the
// store. Enrichment is best-effort: failures count, they never break the
// parse stage.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/radar/metrics"
	"github.com/hazyhaar/radar/normalize"
	"github.com/hazyhaar/radar/ollama"
	"github.com/hazyhaar/radar/store"
)

// AllowedMaterias is the closed classification vocabulary. Anything else
// from the model is discarded.
var AllowedMaterias = []string{
	"saude",
	"educacao",
	"limpeza",
	"ti",
	"obras",
	"servicos",
	"materiais",
	"vigilancia",
	"manutencao",
	"alimentacao",
	"transporte",
	"seguranca",
	"administrativo",
	"outros",
}

// Config controls gating and truncation.
type Config struct {
	Enabled  bool
	Force    bool
	MinChars int
	MaxChars int
}

func (c *Config) defaults() {
	if c.MinChars <= 0 {
		c.MinChars = 300
	}
	if c.MaxChars <= 0 {
		c.MaxChars = 4000
	}
}

// Chatter is the LLM call the enricher needs.
type Chatter interface {
	Chat(ctx context.Context, messages []ollama.Message) (string, error)
}

// Enricher runs the classification pass.
type Enricher struct {
	client Chatter
	st     *store.Store
	sink   *metrics.Sink
	cfg    Config
}

// New builds an Enricher.
func New(client Chatter, st *store.Store, sink *metrics.Sink, cfg Config) *Enricher {
	cfg.defaults()
	return &Enricher{client: client, st: st, sink: sink, cfg: cfg}
}

// Enrich classifies one tender from its extracted text and metadata.
// Tenders already classified are skipped unless Force is set.
func (e *Enricher) Enrich(ctx context.Context, tenderID int64, text string, meta map[string]any, existing *store.Tender) {
	if !e.cfg.Enabled {
		return
	}
	text = strings.TrimSpace(text)
	if len([]rune(text)) < e.cfg.MinChars {
		e.sink.IncrCounter(ctx, "agent.enrich.skip_total")
		return
	}
	if !e.cfg.Force && existing != nil && (existing.Materia != "" || existing.Categoria != "") {
		e.sink.IncrCounter(ctx, "agent.enrich.skip_total")
		return
	}

	start := time.Now()
	defer func() {
		e.sink.ObserveHistogram(ctx, "agent.enrich_duration_ms", float64(time.Since(start).Milliseconds()))
	}()

	if runes := []rune(text); len(runes) > e.cfg.MaxChars {
		text = string(runes[:e.cfg.MaxChars])
	}
	raw, err := e.client.Chat(ctx, buildPrompt(text, meta))
	if err != nil {
		slog.Warn("enrich: chat failed", "tender_id", tenderID, "error", err)
		e.sink.IncrCounter(ctx, "agent.enrich.error_total")
		return
	}
	obj := ParseAgentOutput(raw)
	if obj == nil {
		e.sink.IncrCounter(ctx, "agent.enrich.error_total")
		return
	}
	result := Normalize(obj)
	if result.Materia == "" && result.Categoria == "" && len(result.Tags) == 0 {
		e.sink.IncrCounter(ctx, "agent.enrich.error_total")
		return
	}
	if err := e.st.ApplyEnrichment(ctx, tenderID, result); err != nil {
		slog.Warn("enrich: apply failed", "tender_id", tenderID, "error", err)
		e.sink.IncrCounter(ctx, "agent.enrich.error_total")
		return
	}
	e.sink.IncrCounter(ctx, "agent.enrich.ok_total")
}

func buildPrompt(text string, meta map[string]any) []ollama.Message {
	metaJSON, _ := json.Marshal(meta)
	prompt := "Responda APENAS com JSON valido (uma linha), sem texto extra. " +
		`Schema: {"materia":string,"categoria":string,"confidence":number,"tags":[string]}. ` +
		"Use valores em minusculo, sem acentos. Se incerto, use null. " +
		"materia deve ser UMA das opcoes: " + strings.Join(AllowedMaterias, ", ") + ". " +
		"Use no maximo 3 palavras por campo.\n\n" +
		fmt.Sprintf("Metadados: %s\n\nTexto:\n%s", metaJSON, text)
	return []ollama.Message{
		{Role: "system", Content: "Voce classifica materia de licitacoes."},
		{Role: "user", Content: prompt},
	}
}

// Normalize folds, validates, and bounds a parsed model response.
func Normalize(raw map[string]any) store.Enrichment {
	materia := normField(firstString(raw, "materia", "category", "categoria"))
	categoria := normField(firstString(raw, "categoria", "category"))

	var out store.Enrichment
	out.Materia = materia
	out.Categoria = categoria
	out.Confidence = toFloat(firstValue(raw, "confidence", "conf"))

	if tags, ok := raw["tags"].([]any); ok {
		for _, t := range tags {
			s := normalize.Fold(strings.TrimSpace(fmt.Sprint(t)))
			if s == "" || s == "<nil>" || len([]rune(s)) > 40 {
				continue
			}
			out.Tags = append(out.Tags, s)
			if len(out.Tags) == 10 {
				break
			}
		}
	}
	return out
}

// normField folds one classification value and checks the vocabulary.
func normField(s string) string {
	s = normalize.Fold(strings.TrimSpace(s))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if len([]rune(s)) > 80 {
		return ""
	}
	for _, allowed := range AllowedMaterias {
		if s == allowed {
			return s
		}
	}
	return ""
}

func firstString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := raw[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func firstValue(raw map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
	}
	return 0
}
