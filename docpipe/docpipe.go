// Package docpipe extracts plain text from fetched tender documents.
//
// Supported payloads:
//   - PDF      — text layer extraction (pure Go, content stream decoding)
//   - ZIP      — inner PDFs concatenated with per-file markers; .docx and
//     .odt archives are recognized and parsed as such
//   - HTML     — sanitized and flattened to visible text
//   - JSON     — pretty-printed with sorted keys
//   - text     — passthrough
//   - binary   — a placeholder line so downstream stages keep working
//
// Image-only PDFs go through the OCR fallback (external pdftoppm/tesseract
// or ocrmypdf binaries) when the text layer is too thin.
//
// Usage:
//
//	pipe := docpipe.New(docpipe.Config{MaxChars: 200000})
//	res, err := pipe.Extract(ctx, body, contentType, url)
//	fmt.Println(res.Kind, res.Chars, res.Quality)
package docpipe

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Pipeline is the document extraction engine.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Pipeline with the given configuration.
func New(cfg Config) *Pipeline {
	cfg.defaults()
	return &Pipeline{
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// Detect classifies a document body by magic bytes first, then content type
// and URL extension. Bodies that look like UTF-8 text fall back to KindText;
// everything else is KindBinary.
func Detect(body []byte, contentType, url string) Kind {
	switch {
	case bytes.HasPrefix(body, []byte("%PDF")):
		return KindPDF
	case bytes.HasPrefix(body, []byte("PK\x03\x04")):
		return classifyZip(body)
	}

	ct := strings.ToLower(contentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(ct)
	lowerURL := strings.ToLower(url)

	switch {
	case ct == "application/pdf" || strings.HasSuffix(lowerURL, ".pdf"):
		return KindPDF
	case ct == "application/zip" || strings.HasSuffix(lowerURL, ".zip"):
		return KindZip
	case ct == "text/html" || strings.HasSuffix(lowerURL, ".html") || strings.HasSuffix(lowerURL, ".htm"),
		looksLikeHTML(body):
		return KindHTML
	case ct == "application/json" || strings.HasSuffix(lowerURL, ".json") || looksLikeJSON(body):
		return KindJSON
	case strings.HasPrefix(ct, "text/"):
		return KindText
	case isMostlyText(body):
		return KindText
	}
	return KindBinary
}

// Extract converts a document body to plain text, scores its quality, and
// truncates to the configured character budget. Extraction never fails hard:
// undecodable payloads degrade to a binary placeholder.
func (p *Pipeline) Extract(ctx context.Context, body []byte, contentType, url string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kind := Detect(body, contentType, url)
	p.logger.Debug("extracting document", "kind", kind, "bytes", len(body))

	var text string
	var err error
	switch kind {
	case KindPDF:
		text, err = extractPDFText(body)
	case KindZip:
		text, err = p.extractZip(body)
	case KindDocx:
		text, err = extractDocx(body)
	case KindODT:
		text, err = extractODT(body)
	case KindHTML:
		text = extractHTMLText(body)
	case KindJSON:
		text = prettyJSON(body)
	case KindText:
		text = string(bytes.ToValidUTF8(body, []byte("�")))
	}
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			p.logger.Warn("extraction degraded to placeholder", "kind", kind, "error", err)
		}
		kindOut := kind
		if text = strings.TrimSpace(text); text == "" {
			kindOut = KindBinary
			text = fmt.Sprintf("[BINARIO] content_type=%s bytes=%d", contentType, len(body))
		}
		return buildResult(kindOut, text, p.cfg.MaxChars), nil
	}
	return buildResult(kind, text, p.cfg.MaxChars), nil
}

func buildResult(kind Kind, text string, maxChars int) *Result {
	truncated := false
	if runes := []rune(text); len(runes) > maxChars {
		text = string(runes[:maxChars])
		truncated = true
	}
	return &Result{
		Kind:      kind,
		Text:      text,
		Chars:     len([]rune(text)),
		Quality:   TextQuality(text),
		Truncated: truncated,
	}
}

func looksLikeHTML(body []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(body))
	if len(head) > 256 {
		head = head[:256]
	}
	return bytes.HasPrefix(head, []byte("<!doctype html")) ||
		bytes.HasPrefix(head, []byte("<html")) ||
		bytes.Contains(head, []byte("<head")) ||
		bytes.Contains(head, []byte("<body"))
}

func looksLikeJSON(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// isMostlyText reports whether a sample of the body is printable UTF-8.
// Bytes that do not decode as UTF-8 count against the ratio, so high-byte
// binary blobs are not mistaken for text.
func isMostlyText(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	sample := body
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	printable, total := 0, 0
	for i := 0; i < len(sample); {
		r, size := utf8.DecodeRune(sample[i:])
		total++
		i += size
		if r == utf8.RuneError && size == 1 {
			continue
		}
		if r == '\n' || r == '\r' || r == '\t' || r == ' ' || unicode.IsPrint(r) {
			printable++
		}
	}
	return float64(printable)/float64(total) > 0.9
}
