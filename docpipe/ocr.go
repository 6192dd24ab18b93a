package docpipe

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// OCRConfig controls the image-based text fallback. It shells out to
// pdftoppm + tesseract (mode "pages") or ocrmypdf (mode "ocrmypdf");
// mode "auto" runs the one-shot ocrmypdf pass first and falls back to
// per-page rendering. Missing binaries degrade to an empty result instead
// of failing the parse.
type OCRConfig struct {
	Enabled     bool
	Mode        string // pages | ocrmypdf | auto
	MinText     int
	MinQuality  float64
	MaxPages    int
	MaxBytes    int64
	DPI         int
	Lang        string
	Jobs        int
	Timeout     time.Duration
	PageTimeout time.Duration
	CompressPDF bool
	CompressMin int64
}

func (c *OCRConfig) defaults() {
	if c.Mode == "" {
		c.Mode = "pages"
	}
	if c.MinText <= 0 {
		c.MinText = 200
	}
	if c.MinQuality <= 0 {
		c.MinQuality = 0.25
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 12
	}
	if c.DPI <= 0 {
		c.DPI = 150
	}
	if c.Lang == "" {
		c.Lang = "por"
	}
	if c.Jobs <= 0 {
		c.Jobs = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = time.Minute
	}
}

// NeedsOCR reports whether the extracted text layer is thin enough to
// justify the OCR pass. Only PDF payloads (direct or zipped) qualify.
func NeedsOCR(kind Kind, text string, quality float64, cfg OCRConfig) bool {
	cfg.defaults()
	if !cfg.Enabled {
		return false
	}
	if kind != KindPDF && kind != KindZip {
		return false
	}
	return len([]rune(strings.TrimSpace(text))) < cfg.MinText || quality < cfg.MinQuality
}

// RunOCR rasterizes the document and runs it through tesseract. ZIP bodies
// use their first inner PDF. Returns the recognized text, possibly empty.
func (p *Pipeline) RunOCR(ctx context.Context, body []byte, kind Kind, cfg OCRConfig) (string, error) {
	cfg.defaults()
	if kind == KindZip {
		inner, ok := FirstPDF(body)
		if !ok {
			return "", nil
		}
		body = inner
	}
	if !bytes.HasPrefix(body, []byte("%PDF")) {
		return "", nil
	}
	if cfg.MaxBytes > 0 && int64(len(body)) > cfg.MaxBytes {
		return "", fmt.Errorf("ocr: pdf too large: %d bytes", len(body))
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	dir, err := os.MkdirTemp("", "radar-ocr-")
	if err != nil {
		return "", fmt.Errorf("ocr: tempdir: %w", err)
	}
	defer os.RemoveAll(dir)

	pdfPath := filepath.Join(dir, "in.pdf")
	if err := os.WriteFile(pdfPath, body, 0o600); err != nil {
		return "", fmt.Errorf("ocr: write pdf: %w", err)
	}

	if cfg.CompressPDF && int64(len(body)) >= cfg.CompressMin {
		if compressed, err := p.compressPDF(ctx, dir, pdfPath); err == nil {
			pdfPath = compressed
		} else {
			p.logger.Warn("pdf compression skipped", "error", err)
		}
	}

	switch cfg.Mode {
	case "ocrmypdf":
		return p.ocrMyPDF(ctx, dir, pdfPath, cfg)
	case "auto":
		text, err := p.ocrMyPDF(ctx, dir, pdfPath, cfg)
		if err != nil || strings.TrimSpace(text) == "" {
			return p.ocrPages(ctx, dir, pdfPath, cfg)
		}
		return text, nil
	default: // pages
		return p.ocrPages(ctx, dir, pdfPath, cfg)
	}
}

// ocrPages rasterizes up to MaxPages pages with pdftoppm and recognizes
// each one with tesseract.
func (p *Pipeline) ocrPages(ctx context.Context, dir, pdfPath string, cfg OCRConfig) (string, error) {
	prefix := filepath.Join(dir, "page")
	cmd := exec.CommandContext(ctx, "pdftoppm",
		"-r", strconv.Itoa(cfg.DPI),
		"-png",
		"-f", "1",
		"-l", strconv.Itoa(cfg.MaxPages),
		pdfPath, prefix)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("ocr: pdftoppm: %w: %s", err, firstLineOf(out))
	}

	pages, err := filepath.Glob(prefix + "*.png")
	if err != nil || len(pages) == 0 {
		return "", nil
	}
	sort.Strings(pages)

	var sb strings.Builder
	for _, page := range pages {
		pctx, cancel := context.WithTimeout(ctx, cfg.PageTimeout)
		cmd := exec.CommandContext(pctx, "tesseract", page, "stdout", "-l", cfg.Lang)
		out, err := cmd.Output()
		cancel()
		if err != nil {
			p.logger.Warn("tesseract page failed", "page", filepath.Base(page), "error", err)
			continue
		}
		if text := strings.TrimSpace(string(out)); text != "" {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(text)
		}
	}
	return sb.String(), nil
}

// ocrMyPDF runs a single ocrmypdf pass over the whole document and reads
// the recognized text from the sidecar file. Pages that already carry a
// text layer are skipped.
func (p *Pipeline) ocrMyPDF(ctx context.Context, dir, pdfPath string, cfg OCRConfig) (string, error) {
	outPath := filepath.Join(dir, "ocr.pdf")
	sidecar := filepath.Join(dir, "ocr.txt")
	cmd := exec.CommandContext(ctx, "ocrmypdf",
		"-l", cfg.Lang,
		"--jobs", strconv.Itoa(cfg.Jobs),
		"--skip-text",
		"--sidecar", sidecar,
		pdfPath, outPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("ocr: ocrmypdf: %w: %s", err, firstLineOf(out))
	}
	data, err := os.ReadFile(sidecar)
	if err != nil {
		return "", fmt.Errorf("ocr: read sidecar: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// compressPDF downsamples with ghostscript so the raster pass stays cheap.
func (p *Pipeline) compressPDF(ctx context.Context, dir, pdfPath string) (string, error) {
	outPath := filepath.Join(dir, "small.pdf")
	cmd := exec.CommandContext(ctx, "gs",
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=1.4",
		"-dPDFSETTINGS=/ebook",
		"-dNOPAUSE", "-dBATCH", "-dQUIET",
		"-sOutputFile="+outPath,
		pdfPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("gs: %w: %s", err, firstLineOf(out))
	}
	return outPath, nil
}

func firstLineOf(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
