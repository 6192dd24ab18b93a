// Package triage scores incoming tenders against cheap keyword, location
// and modality rules to decide which ones are worth fetching documents for.
// Rules ship with defaults and can be overridden per deployment from a YAML
// file.
package triage

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/radar/normalize"
)

// Rules drive the scoring. Keyword and UF weights add up; the modality
// bonus applies to any "pregão" variant.
type Rules struct {
	Keywords      map[string]int `yaml:"keywords"`
	UFWeights     map[string]int `yaml:"uf_weights"`
	ModalityBonus int            `yaml:"modality_bonus"`
	MinScore      int            `yaml:"min_score"`

	// Gates. Empty list = allow everything.
	AllowUFs        []string `yaml:"allow_ufs"`
	AllowMunicipios []string `yaml:"allow_municipios"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() *Rules {
	return &Rules{
		Keywords: map[string]int{
			"limpeza":     3,
			"manutencao":  2,
			"ti":          2,
			"informatica": 2,
			"vigilancia":  2,
			"saude":       2,
			"medico":      2,
		},
		UFWeights:     map[string]int{"SP": 1},
		ModalityBonus: 1,
		MinScore:      1,
	}
}

// LoadRules reads a YAML rule file. Fields left out of the file keep their
// defaults.
func LoadRules(path string) (*Rules, error) {
	r := DefaultRules()
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("triage: read rules: %w", err)
	}
	if err := yaml.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("triage: parse rules: %w", err)
	}
	return r, nil
}

// Result carries the score and the human-readable reasons that produced it.
type Result struct {
	Score   int
	Reasons []string
}

// Input is the subset of tender fields the scorer looks at.
type Input struct {
	Objeto     string
	UF         string
	Modalidade string
}

// Score evaluates a tender. Keywords match on word boundaries over the
// accent-folded objeto, so "Manutenção" scores against "manutencao".
func (r *Rules) Score(in Input) Result {
	var res Result
	obj := normalize.Fold(in.Objeto)

	kws := make([]string, 0, len(r.Keywords))
	for k := range r.Keywords {
		kws = append(kws, k)
	}
	sort.Strings(kws)
	for _, k := range kws {
		folded := normalize.Fold(k)
		if folded == "" {
			continue
		}
		re, err := regexp.Compile(`\b` + regexp.QuoteMeta(folded) + `\b`)
		if err != nil {
			continue
		}
		if re.MatchString(obj) {
			w := r.Keywords[k]
			res.Score += w
			res.Reasons = append(res.Reasons, fmt.Sprintf("kw:%s+%d", folded, w))
		}
	}

	uf := normalize.UF(in.UF)
	if w, ok := r.UFWeights[uf]; ok && uf != "" {
		res.Score += w
		res.Reasons = append(res.Reasons, fmt.Sprintf("uf:%s+%d", uf, w))
	}

	if strings.Contains(normalize.Fold(in.Modalidade), "preg") && r.ModalityBonus != 0 {
		res.Score += r.ModalityBonus
		res.Reasons = append(res.Reasons, fmt.Sprintf("modalidade:pregao+%d", r.ModalityBonus))
	}

	return res
}

// AllowUF reports whether the tender's UF passes the gate.
func (r *Rules) AllowUF(uf string) bool {
	return allowListed(normalize.UF(uf), r.AllowUFs, func(s string) string { return normalize.UF(s) })
}

// AllowMunicipio reports whether the tender's municipality passes the gate.
// Comparison is accent-folded.
func (r *Rules) AllowMunicipio(municipio string) bool {
	return allowListed(normalize.Fold(normalize.SquashWS(municipio)), r.AllowMunicipios, normalize.Fold)
}

func allowListed(value string, allowed []string, canon func(string) string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if canon(a) == value && value != "" {
			return true
		}
	}
	return false
}
