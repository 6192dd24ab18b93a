package enrich

import (
	"encoding/json"
	"regexp"
	"strings"
)

// unquotedKeyRe matches object keys the model forgot to quote:
// {materia:"x"} → {"materia":"x"}.
var unquotedKeyRe = regexp.MustCompile(`([,{]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)

// ParseAgentOutput reads a JSON object out of raw model output. Models
// wrap responses in code fences, prepend prose, and emit unquoted keys;
// each candidate slice is tried verbatim and then with key repair. Returns
// nil when nothing decodes to an object.
func ParseAgentOutput(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	candidates := []string{raw}

	if strings.Contains(raw, "```") {
		for _, part := range strings.Split(raw, "```") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			part = strings.TrimSpace(strings.TrimPrefix(part, "json"))
			candidates = append(candidates, part)
		}
	}

	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start != -1 && end > start {
		candidates = append(candidates, raw[start:end+1])
	}

	for _, cand := range candidates {
		if obj := tryDecode(cand); obj != nil {
			return obj
		}
		if obj := tryDecode(unquotedKeyRe.ReplaceAllString(cand, `$1"$2":`)); obj != nil {
			return obj
		}
	}
	return nil
}

func tryDecode(s string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil
	}
	return obj
}
