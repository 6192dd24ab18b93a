// Package normalize canonicalizes free-form tender fields coming from
// heterogeneous upstream catalogs: whitespace squashing, accent folding,
// UF codes, and the modality/status enums used across the pipeline.
//
// All functions are total: bad input degrades to the empty string, never to
// an error.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Modality enum values.
const (
	ModalidadePregao          = "PREGAO"
	ModalidadeConcorrencia    = "CONCORRENCIA"
	ModalidadeDispensa        = "DISPENSA"
	ModalidadeInexigibilidade = "INEXIGIBILIDADE"
	ModalidadeConvite         = "CONVITE"
	ModalidadeTomadaPrecos    = "TOMADA_PRECOS"
	ModalidadeRDC             = "RDC"
	ModalidadeLeilao          = "LEILAO"
	ModalidadeOutra           = "OUTRA"
)

// Status enum values.
const (
	StatusOpen       = "OPEN"
	StatusInProgress = "IN_PROGRESS"
	StatusClosed     = "CLOSED"
	StatusCanceled   = "CANCELED"
	StatusSuspended  = "SUSPENDED"
	StatusFailed     = "FAILED"
	StatusUnknown    = "UNKNOWN"
)

var (
	wsRe          = regexp.MustCompile(`\s+`)
	municipioUFRe = regexp.MustCompile(`^(.+?)[\s/-]+([A-Za-z]{2})$`)
)

// Strip trims surrounding whitespace.
func Strip(s string) string {
	return strings.TrimSpace(s)
}

// SquashWS collapses runs of whitespace into single spaces and trims.
func SquashWS(s string) string {
	return strings.TrimSpace(wsRe.ReplaceAllString(s, " "))
}

// Fold removes diacritics (NFKD decomposition, combining marks dropped) and
// lowercases. "Pregão Eletrônico" → "pregao eletronico".
func Fold(s string) string {
	if s == "" {
		return ""
	}
	decomposed := norm.NFKD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// UF canonicalizes a two-letter state code: trimmed, uppercased. Anything
// that is not exactly two letters maps to "".
func UF(s string) string {
	u := strings.ToUpper(strings.TrimSpace(s))
	if len(u) != 2 {
		return ""
	}
	for _, r := range u {
		if r < 'A' || r > 'Z' {
			return ""
		}
	}
	return u
}

// SplitMunicipioUF splits "Cidade/UF" or "Cidade - UF" into its parts.
// When the trailing token is not a valid UF the whole input is returned as
// the city with an empty UF.
func SplitMunicipioUF(raw string) (city, uf string) {
	text := SquashWS(raw)
	if text == "" {
		return "", ""
	}
	if m := municipioUFRe.FindStringSubmatch(text); m != nil {
		if u := UF(m[2]); u != "" {
			return Strip(m[1]), u
		}
	}
	return text, ""
}

// Modalidade maps free-form modality text to the canonical enum by folded
// substring match. Empty input stays empty; unmatched input maps to OUTRA.
func Modalidade(raw string) string {
	s := Fold(Strip(raw))
	if s == "" {
		return ""
	}
	switch {
	case strings.Contains(s, "preg"):
		return ModalidadePregao
	case strings.Contains(s, "concorr"):
		return ModalidadeConcorrencia
	case strings.Contains(s, "dispensa"):
		return ModalidadeDispensa
	case strings.Contains(s, "inexig"):
		return ModalidadeInexigibilidade
	case strings.Contains(s, "convite"):
		return ModalidadeConvite
	case strings.Contains(s, "tomada"), strings.Contains(s, "precos"):
		return ModalidadeTomadaPrecos
	case strings.Contains(s, "rdc"):
		return ModalidadeRDC
	case strings.Contains(s, "leil"):
		return ModalidadeLeilao
	}
	return ModalidadeOutra
}

var statusKeywords = []struct {
	enum string
	keys []string
}{
	{StatusOpen, []string{"aberta", "aberto", "abertura", "publicada"}},
	{StatusInProgress, []string{"em andamento", "andamento", "processando"}},
	{StatusClosed, []string{"encerrada", "finalizada", "homologada"}},
	{StatusCanceled, []string{"cancelada", "anulada", "revogada"}},
	{StatusSuspended, []string{"suspensa", "suspenso"}},
	{StatusFailed, []string{"deserta", "fracassada"}},
}

// Status maps free-form status text to the canonical enum by folded
// substring match. Empty input stays empty; unmatched input maps to UNKNOWN.
func Status(raw string) string {
	s := Fold(Strip(raw))
	if s == "" {
		return ""
	}
	for _, group := range statusKeywords {
		for _, k := range group.keys {
			if strings.Contains(s, k) {
				return group.enum
			}
		}
	}
	return StatusUnknown
}

// Tender holds the fields subject to normalization. Empty string means the
// upstream did not provide the field.
type Tender struct {
	IDPNCP         string
	Source         string
	SourceID       string
	Orgao          string
	Municipio      string
	UF             string
	Modalidade     string
	Objeto         string
	DataPublicacao string // RFC3339 or empty
	Status         string
	URLs           map[string]string

	// Derived companions, filled by Apply.
	OrgaoNorm      string
	MunicipioNorm  string
	UFNorm         string
	ModalidadeNorm string
	ObjetoNorm     string
	StatusNorm     string
}

// Apply derives the *_norm companions and cleans the base fields in place.
// Municipality strings carrying a "/UF" suffix feed the UF when the payload
// did not set one.
func Apply(t *Tender) {
	city, ufFromCity := SplitMunicipioUF(t.Municipio)
	uf := UF(t.UF)
	if uf == "" {
		uf = ufFromCity
	}

	t.OrgaoNorm = SquashWS(t.Orgao)
	t.MunicipioNorm = SquashWS(city)
	t.UFNorm = uf
	t.ModalidadeNorm = Modalidade(t.Modalidade)
	t.StatusNorm = Status(t.Status)
	t.ObjetoNorm = SquashWS(t.Objeto)

	t.Orgao = Strip(t.Orgao)
	t.Municipio = Strip(city)
	t.UF = uf
	t.Modalidade = Strip(t.Modalidade)
	t.Status = Strip(t.Status)
	t.Objeto = SquashWS(t.Objeto)
}
