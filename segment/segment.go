// Package segment splits extracted document text into overlapping windows
// for full-text indexing and embedding.
package segment

import "strings"

// Options controls the sliding window. Size is clamped to at least 200
// runes; Overlap is clamped below Size so the window always advances.
type Options struct {
	Size    int
	Overlap int
}

func (o Options) clamp() Options {
	if o.Size < 200 {
		o.Size = 200
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.Overlap >= o.Size {
		o.Overlap = o.Size - 1
	}
	return o
}

// Split cuts text into overlapping rune windows. Whitespace-only text
// yields no segments; windows are trimmed and empty ones dropped.
func Split(text string, opts Options) []string {
	opts = opts.clamp()
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	step := opts.Size - opts.Overlap
	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + opts.Size
		if end > len(runes) {
			end = len(runes)
		}
		if seg := strings.TrimSpace(string(runes[start:end])); seg != "" {
			out = append(out, seg)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}
