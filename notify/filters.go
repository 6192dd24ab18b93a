package notify

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/hazyhaar/radar/normalize"
	"github.com/hazyhaar/radar/store"
)

// Filters is a subscription's match criteria. Every field is optional;
// an empty filter matches everything. List fields accept a single string
// or an array in the stored JSON.
type Filters struct {
	UF            FlexList `json:"uf"`
	Municipio     FlexList `json:"municipio"`
	Modalidade    FlexList `json:"modalidade"`
	Keywords      FlexList `json:"keywords"`
	Categoria     FlexList `json:"categoria"`
	Materia       FlexList `json:"materia"`
	Republicacoes string   `json:"republicacoes"`
}

// FlexList decodes "x", ["x","y"], or null.
type FlexList []string

func (f *FlexList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one != "" {
			*f = FlexList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*f = FlexList(many)
		return nil
	}
	// Tolerate malformed entries rather than failing the whole filter.
	*f = nil
	return nil
}

// ParseFilters decodes stored filter JSON; malformed JSON matches all.
func ParseFilters(raw json.RawMessage) Filters {
	var f Filters
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &f)
	}
	return f
}

// Delivery is a subscription's channel preferences. Absent fields default
// to true.
type Delivery struct {
	PV      bool
	Channel bool
}

// ParseDelivery decodes stored delivery JSON.
func ParseDelivery(raw json.RawMessage) Delivery {
	d := Delivery{PV: true, Channel: true}
	if len(raw) == 0 {
		return d
	}
	var m map[string]bool
	if err := json.Unmarshal(raw, &m); err != nil {
		return d
	}
	if v, ok := m["pv"]; ok {
		d.PV = v
	}
	if v, ok := m["channel"]; ok {
		d.Channel = v
	}
	return d
}

// Matches reports whether a tender satisfies a subscription filter. All
// present criteria must hold.
func (f Filters) Matches(t *store.Tender) bool {
	if !matchList(t.UF, f.UF, strings.ToUpper) {
		return false
	}
	if !matchList(t.Municipio, f.Municipio, strings.ToUpper) {
		return false
	}
	if !matchList(normalize.Fold(t.Modalidade), foldAll(f.Modalidade), nil) {
		return false
	}
	objeto := normalize.Fold(t.Objeto)
	if !matchKeywords(objeto, foldAll(f.Keywords)) {
		return false
	}
	label := t.Materia
	if label == "" {
		label = t.Categoria
	}
	// A categoria filter is satisfied by a keyword hit on the objeto OR the
	// enrichment label, so un-enriched tenders can still match.
	if cats := foldAll(f.Categoria); len(cats) > 0 {
		if !matchKeywords(objeto, cats) && !matchList(normalize.Fold(label), cats, nil) {
			return false
		}
	}
	if !matchList(normalize.Fold(label), foldAll(f.Materia), nil) {
		return false
	}
	if rep := strings.ToLower(f.Republicacoes); rep == "new_only" || rep == "new" {
		if isRepublication(t) {
			return false
		}
	}
	return true
}

// matchList implements allowlist semantics: empty list matches all, "ALL"
// matches all, otherwise the (normalized) value must be present.
func matchList(value string, allowed []string, norm func(string) string) bool {
	if norm == nil {
		norm = func(s string) string { return s }
	}
	var cleaned []string
	for _, a := range allowed {
		if a = strings.TrimSpace(a); a != "" {
			cleaned = append(cleaned, norm(a))
		}
	}
	if len(cleaned) == 0 {
		return true
	}
	for _, a := range cleaned {
		if strings.EqualFold(a, "ALL") {
			return true
		}
	}
	value = norm(strings.TrimSpace(value))
	if value == "" {
		return false
	}
	for _, a := range cleaned {
		if value == a {
			return true
		}
	}
	return false
}

// matchKeywords requires at least one whole-word hit; no keywords means
// match.
func matchKeywords(text string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		re, err := regexp.Compile(`\b` + regexp.QuoteMeta(kw) + `\b`)
		if err != nil {
			continue
		}
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func foldAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if folded := normalize.Fold(strings.TrimSpace(s)); folded != "" {
			out = append(out, folded)
		}
	}
	return out
}

// isRepublication checks the status for republication markers.
func isRepublication(t *store.Tender) bool {
	s := normalize.Fold(t.Status)
	return strings.Contains(s, "republica")
}
