package httpapi

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/hazyhaar/radar/ollama"
	"github.com/hazyhaar/radar/store"
)

// Chatter is the LLM surface insights can use. Nil means heuristics only.
type Chatter interface {
	Chat(ctx context.Context, messages []ollama.Message) (string, error)
}

// Embedder ranks evidence by vector similarity when available.
type Embedder interface {
	Embed(ctx context.Context, prompt string) ([]float64, error)
}

// Insights answers summary/extract/qa requests from stored segments.
// Extraction is regex-first; the LLM only fills gaps the patterns miss.
type Insights struct {
	st       *store.Store
	chat     Chatter
	embed    Embedder
	embedDim int
}

func NewInsights(st *store.Store, chat Chatter, embed Embedder, embedDim int) *Insights {
	return &Insights{st: st, chat: chat, embed: embed, embedDim: embedDim}
}

// Field extraction patterns over whitespace-normalized edital text.
var (
	// regexp caps counted repeats at 1000; the capture is clipped to 400
	// chars downstream anyway.
	reObjeto       = regexp.MustCompile(`(?i)OBJETO\s*[:\-]?\s*(.{20,1000}?)\s*(?:VALOR|DATA|CRIT[ÉE]RIO|MODALIDADE|$)`)
	reValorGlobal  = regexp.MustCompile(`(?i)VALOR\s+GLOBAL\s*(R\$\s*[0-9.]+,[0-9]{2}.{0,80})`)
	reValorTotal   = regexp.MustCompile(`(?i)VALOR\s+TOTAL\s+(?:ESTIMADO\s+DA\s+CONTRATA[ÇC][AÃ]O\s*)?(R\$\s*[0-9.]+,[0-9]{2}.{0,80})`)
	reValorEstim   = regexp.MustCompile(`(?i)VALOR\s+(?:TOTAL\s+)?ESTIMADO.*?(R\$\s*[0-9.]+,[0-9]{2}.{0,80})`)
	reSessao       = regexp.MustCompile(`(?i)DATA\s+DA\s+SESS[ÃA]O\s+P[ÚU]BLICA\s*[:\-]?\s*([0-9]{2}/[0-9]{2}/[0-9]{4}.{0,40})`)
	rePrazo        = regexp.MustCompile(`(?i)PRAZO\s+FINAL\s+PARA\s+PROPOSTA\S*\s*[:\-]?\s*([0-9]{2}/[0-9]{2}/[0-9]{4}.{0,40})`)
	reModalidade   = regexp.MustCompile(`(?i)MODALIDADE\s*[:\-]?\s*([A-ZÇÃÕÂÊÔÁÉÍÓÚ\s]{4,80})`)
	reOrgao        = regexp.MustCompile(`(?i)[ÓO]RG[ÃA]O\s*[:\-]\s*(.{4,140})`)
	reContrata     = regexp.MustCompile(`(?i)(Contrata[^.]{60,220})`)
	reEmailNoise   = regexp.MustCompile(`(?i)E-mail\s*:\s*\S+`)
	reURLNoise     = regexp.MustCompile(`(?i)http\S+`)
	reCEPNoise     = regexp.MustCompile(`(?i)CEP\s*:\s*\S+`)
	segmentMarkers = []string{"OBJETO", "VALOR", "DATA", "SESSÃO", "SESSAO", "CRIT", "MODALIDADE"}
)

func normText(text string, max int) string {
	if len(text) > max {
		text = text[:max]
	}
	return strings.Join(strings.Fields(text), " ")
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// cleanObjectText strips header noise (contacts, URLs, postal codes) that
// PDFs tend to smear into the OBJETO clause.
func cleanObjectText(val string) string {
	if val == "" {
		return ""
	}
	for _, token := range []string{"http", "E-mail", "CEP:"} {
		if i := strings.Index(val, token); i >= 0 {
			val = val[:i]
		}
	}
	val = reEmailNoise.ReplaceAllString(val, "")
	val = reURLNoise.ReplaceAllString(val, "")
	val = reCEPNoise.ReplaceAllString(val, "")
	if i := strings.LastIndex(val, "OBJETO"); i >= 0 {
		val = val[i+len("OBJETO"):]
	}
	if i := strings.Index(val, "Contrata"); i >= 0 {
		val = val[i:]
	}
	return strings.Join(strings.Fields(val), " ")
}

func cutAtTokens(val string, tokens ...string) string {
	for _, token := range tokens {
		if i := strings.Index(val, token); i >= 0 {
			val = val[:i]
		}
	}
	return strings.TrimSpace(strings.Join(strings.Fields(val), " "))
}

// ExtractFields pulls the structured edital fields out of raw text.
func ExtractFields(text string) map[string]string {
	out := map[string]string{}
	if text == "" {
		return out
	}
	norm := normText(text, 20000)

	if m := reObjeto.FindStringSubmatch(norm); m != nil {
		val := cleanObjectText(m[1])
		if len(val) < 60 {
			if m2 := reContrata.FindStringSubmatch(norm); m2 != nil {
				val = cleanObjectText(m2[1])
			}
		}
		if val != "" {
			out["objeto"] = clip(val, 400)
		}
	}
	if m := reValorGlobal.FindStringSubmatch(norm); m != nil {
		out["valor_global"] = clip(strings.TrimSpace(m[1]), 120)
	}
	if m := reValorTotal.FindStringSubmatch(norm); m != nil {
		out["valor_total"] = clip(strings.TrimSpace(m[1]), 120)
	}
	if m := reValorEstim.FindStringSubmatch(norm); m != nil {
		out["valor_estimado"] = clip(strings.TrimSpace(m[1]), 120)
	}
	for _, k := range []string{"valor_global", "valor_total", "valor_estimado"} {
		if out[k] != "" {
			out["valor"] = out[k]
			break
		}
	}
	if m := reSessao.FindStringSubmatch(norm); m != nil {
		out["sessao"] = clip(cutAtTokens(m[1], "CRIT", "MODO", "PREFER"), 80)
	}
	if m := rePrazo.FindStringSubmatch(norm); m != nil {
		out["prazo_proposta"] = clip(strings.TrimSpace(m[1]), 80)
	}
	if m := reModalidade.FindStringSubmatch(norm); m != nil {
		if val := cutAtTokens(m[1], "CRIT", "MODO", "PREFER"); val != "" {
			out["modalidade"] = clip(val, 80)
		}
	}
	if m := reOrgao.FindStringSubmatch(norm); m != nil {
		if val := cutAtTokens(m[1], "EDITAL", "PREG", "OBJETO"); val != "" {
			out["orgao"] = clip(val, 140)
		}
	}
	return out
}

// Confidence blends field hits with the tender's extraction quality.
func Confidence(fields map[string]string, quality *store.TenderQuality) float64 {
	hits := 0
	for _, k := range []string{"objeto", "valor", "sessao", "prazo_proposta", "modalidade", "orgao"} {
		if fields[k] != "" {
			hits++
		}
	}
	fieldsScore := float64(hits) / 6.0
	chars := float64(quality.MaxChars) / 20000.0
	if chars > 1 {
		chars = 1
	}
	score := 0.5*fieldsScore + 0.3*quality.AvgQuality + 0.2*chars
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return float64(int(score*1000+0.5)) / 1000
}

// hintSegments prefers slices that carry summary signals over raw order.
func (ins *Insights) hintSegments(ctx context.Context, tenderID int64, limit int) ([]*store.Segment, error) {
	all, err := ins.st.SegmentsByTender(ctx, tenderID, 500)
	if err != nil {
		return nil, err
	}
	var out []*store.Segment
	for _, seg := range all {
		up := strings.ToUpper(seg.Text)
		for _, marker := range segmentMarkers {
			if strings.Contains(up, marker) {
				out = append(out, seg)
				break
			}
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// embedRank orders a tender's embedded segments by similarity to the prompt.
func (ins *Insights) embedRank(ctx context.Context, tenderID int64, prompt string, limit int) []*store.Segment {
	if ins.embed == nil {
		return nil
	}
	qvec, err := ins.embed.Embed(ctx, prompt)
	if err != nil || len(qvec) == 0 || (ins.embedDim > 0 && len(qvec) != ins.embedDim) {
		return nil
	}
	segs, err := ins.st.SegmentEmbeddings(ctx, tenderID, 500)
	if err != nil {
		return nil
	}
	type scored struct {
		seg   *store.Segment
		score float64
	}
	var ranked []scored
	for _, seg := range segs {
		if len(seg.Embedding) == 0 {
			continue
		}
		ranked = append(ranked, scored{seg, ollama.CosineSimilarity(qvec, seg.Embedding)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	var out []*store.Segment
	for _, r := range ranked {
		out = append(out, r.seg)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func joinSegments(segs []*store.Segment, max int) string {
	var parts []string
	for i, seg := range segs {
		if i >= max {
			break
		}
		parts = append(parts, seg.Text)
	}
	return strings.Join(parts, "\n\n")
}

// Summary builds the bullet summary with its confidence score.
func (ins *Insights) Summary(ctx context.Context, tenderID int64, limit int) (map[string]any, error) {
	segs, err := ins.hintSegments(ctx, tenderID, limit)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		segs = ins.embedRank(ctx, tenderID, "resumo do edital", limit)
	}
	if len(segs) == 0 {
		if segs, err = ins.st.SegmentsByTender(ctx, tenderID, limit); err != nil {
			return nil, err
		}
	}
	raw := joinSegments(segs, 6)
	fields := ExtractFields(raw)

	var bullets []string
	for _, f := range []struct{ key, label string }{
		{"objeto", "Objeto"}, {"valor", "Valor"}, {"sessao", "Sessao"},
		{"prazo_proposta", "Prazo proposta"}, {"modalidade", "Modalidade"}, {"orgao", "Orgao"},
	} {
		if fields[f.key] != "" {
			bullets = append(bullets, f.label+": "+fields[f.key])
		}
	}
	if len(bullets) == 0 {
		bullets = ins.llmSummarize(ctx, raw)
	}
	if len(bullets) > 0 && !summaryLooksUseful(bullets) {
		bullets = nil
	}
	if len(bullets) == 0 {
		for _, seg := range segs {
			if line := firstLineShort(seg.Text, 220); line != "" {
				bullets = append(bullets, line)
			}
		}
	}
	quality, err := ins.st.GetTenderQuality(ctx, tenderID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"tender_id":  tenderID,
		"bullets":    bullets,
		"confidence": Confidence(fields, quality),
		"quality":    quality,
	}, nil
}

// Extract returns the raw structured fields without summarization.
func (ins *Insights) Extract(ctx context.Context, tenderID int64, limit int) (map[string]any, error) {
	segs, err := ins.hintSegments(ctx, tenderID, limit)
	if err != nil {
		return nil, err
	}
	fields := ExtractFields(joinSegments(segs, len(segs)))
	quality, err := ins.st.GetTenderQuality(ctx, tenderID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"tender_id":  tenderID,
		"fields":     fields,
		"confidence": Confidence(fields, quality),
		"quality":    quality,
	}, nil
}

// QA answers a question over the tender's segments. Direct questions get a
// heuristic answer; everything else falls through to the LLM, then to a
// generic pointer at the evidence.
func (ins *Insights) QA(ctx context.Context, tenderID int64, question string, limit int) (map[string]any, error) {
	evidence := ins.keywordEvidence(ctx, tenderID, question, limit)
	evidence = append(evidence, ins.embedRank(ctx, tenderID, question, limit)...)
	if len(evidence) == 0 {
		more, err := ins.st.SearchSegments(ctx, question, tenderID, limit)
		if err == nil {
			evidence = more
		}
	}
	evidence = dedupeSegments(evidence)
	if len(evidence) == 0 {
		return map[string]any{
			"tender_id": tenderID,
			"answer":    "Não encontrei trechos relevantes.",
			"evidence":  []*store.Segment{},
		}, nil
	}
	answer := heuristicAnswer(question, evidence)
	if answer == "" {
		answer = ins.llmAnswer(ctx, question, evidence)
	}
	if answer == "" {
		answer = "Encontrei trechos relacionados. Revise os destaques abaixo."
	}
	return map[string]any{"tender_id": tenderID, "answer": answer, "evidence": evidence}, nil
}

func (ins *Insights) keywordEvidence(ctx context.Context, tenderID int64, question string, limit int) []*store.Segment {
	q := strings.ToLower(question)
	var needle []string
	switch {
	case strings.Contains(q, "sess") && strings.Contains(q, "data"):
		needle = []string{"DATA DA SESS"}
	case strings.Contains(q, "valor"):
		needle = []string{"VALOR", "ESTIMADO"}
	case strings.Contains(q, "objeto"):
		needle = []string{"OBJETO"}
	default:
		return nil
	}
	all, err := ins.st.SegmentsByTender(ctx, tenderID, 500)
	if err != nil {
		return nil
	}
	var out []*store.Segment
	for _, seg := range all {
		up := strings.ToUpper(seg.Text)
		match := true
		for _, n := range needle {
			if !strings.Contains(up, n) {
				match = false
				break
			}
		}
		if match {
			out = append(out, seg)
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}

func heuristicAnswer(question string, evidence []*store.Segment) string {
	q := strings.ToLower(question)
	joined := normText(joinSegments(evidence, 5), 1<<20)
	if strings.Contains(q, "sess") && strings.Contains(q, "data") {
		if m := reSessao.FindStringSubmatch(joined); m != nil {
			return "Data da sessao publica: " + cutAtTokens(m[1], "CRIT", "MODO", "PREFER") + "."
		}
	}
	if strings.Contains(q, "valor") {
		if m := reValorEstim.FindStringSubmatch(joined); m != nil {
			return "Valor estimado: " + strings.TrimSpace(m[1]) + "."
		}
	}
	if strings.Contains(q, "objeto") {
		if m := reObjeto.FindStringSubmatch(joined); m != nil {
			if val := cleanObjectText(m[1]); val != "" {
				return "Objeto: " + clip(val, 220) + "."
			}
		}
	}
	return ""
}

func (ins *Insights) llmSummarize(ctx context.Context, text string) []string {
	if ins.chat == nil || text == "" {
		return nil
	}
	prompt := "Responda APENAS com 6 a 10 linhas em formato de bullet iniciando por '-'. " +
		"Cada linha com no maximo 14 palavras. " +
		"Foque em objeto, orgao, modalidade, datas, valor e exigencias. " +
		"Nao copie trechos longos do edital.\n\nTexto:\n" + clip(text, 2000)
	content, err := ins.chat.Chat(ctx, []ollama.Message{
		{Role: "system", Content: "Você é um assistente que resume editais de licitação."},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return nil
	}
	var lines []string
	for _, ln := range strings.Split(content, "\n") {
		ln = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(ln), "-•"))
		ln = strings.Join(strings.Fields(ln), " ")
		if ln != "" {
			lines = append(lines, clip(ln, 220))
		}
	}
	if len(lines) == 0 || (len(lines) == 1 && len(lines[0]) > 300) {
		return nil
	}
	if len(lines) > 10 {
		lines = lines[:10]
	}
	return lines
}

func (ins *Insights) llmAnswer(ctx context.Context, question string, evidence []*store.Segment) string {
	if ins.chat == nil {
		return ""
	}
	var chunks []string
	for i, ev := range evidence {
		if i >= 3 {
			break
		}
		if t := strings.TrimSpace(ev.Text); t != "" {
			chunks = append(chunks, clip(t, 400))
		}
	}
	if len(chunks) == 0 {
		return ""
	}
	prompt := fmt.Sprintf("Responda de forma direta e curta em 1 a 3 frases. "+
		"Se nao houver certeza, diga que nao consta. "+
		"Use apenas o texto fornecido.\n\nPergunta:\n%s\n\nTrechos:\n%s",
		question, strings.Join(chunks, "\n\n---\n\n"))
	content, err := ins.chat.Chat(ctx, []ollama.Message{
		{Role: "system", Content: "Voce responde perguntas sobre editais com base em trechos."},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return ""
	}
	return strings.TrimSpace(content)
}

// summaryLooksUseful rejects summaries that only echo headers or contacts.
func summaryLooksUseful(bullets []string) bool {
	if len(bullets) == 0 {
		return false
	}
	joined := strings.ToLower(strings.Join(bullets, " "))
	for _, bad := range []string{"binario", "content type", "bytes"} {
		if strings.Contains(joined, bad) {
			return false
		}
	}
	hasObj := strings.Contains(joined, "objeto") || strings.Contains(joined, "contrat")
	hasVal := strings.Contains(joined, "r$") || strings.Contains(joined, "valor")
	hasData := strings.Contains(joined, "data") || strings.Contains(joined, "sess")
	if strings.Contains(joined, "e-mail") || strings.Contains(joined, "http") {
		hits := 0
		for _, h := range []bool{hasObj, hasVal, hasData} {
			if h {
				hits++
			}
		}
		return hits >= 2
	}
	return hasObj || (hasVal && hasData)
}

func firstLineShort(text string, max int) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	line := text
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		line = text[:i]
	}
	return clip(strings.Join(strings.Fields(line), " "), max)
}

func dedupeSegments(segs []*store.Segment) []*store.Segment {
	seen := map[int64]bool{}
	var out []*store.Segment
	for _, seg := range segs {
		if seg == nil || seen[seg.ID] {
			continue
		}
		seen[seg.ID] = true
		out = append(out, seg)
	}
	return out
}

// ChecklistItems is the static participation checklist served until field
// extraction can drive a dynamic one.
func ChecklistItems() []map[string]string {
	return []map[string]string{
		{"title": "Proposta comercial", "priority": "alta"},
		{"title": "Habilitação jurídica", "priority": "alta"},
		{"title": "Regularidade fiscal", "priority": "alta"},
		{"title": "Qualificação técnica", "priority": "media"},
		{"title": "Qualificação econômico-financeira", "priority": "media"},
		{"title": "Declarações obrigatórias", "priority": "media"},
	}
}
