package docpipe

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// classifyZip distinguishes plain archives from office formats that are
// ZIP containers underneath.
func classifyZip(body []byte) Kind {
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return KindZip
	}
	for _, f := range zr.File {
		switch f.Name {
		case "word/document.xml":
			return KindDocx
		case "content.xml":
			return KindODT
		}
	}
	return KindZip
}

// extractZip concatenates the text of every extractable file in the
// archive, each prefixed with a marker line naming the entry. Inner files
// reuse the regular extractors; unreadable entries are skipped.
func (p *Pipeline) extractZip(body []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return "", fmt.Errorf("open zip: %w", err)
	}
	var sb strings.Builder
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		data, err := readZipEntry(f)
		if err != nil {
			p.logger.Warn("zip entry unreadable", "name", f.Name, "error", err)
			continue
		}
		var text string
		switch {
		case bytes.HasPrefix(data, []byte("%PDF")):
			text, err = extractPDFText(data)
			if err != nil {
				p.logger.Warn("inner pdf extraction failed", "name", f.Name, "error", err)
				continue
			}
		case looksLikeHTML(data):
			text = extractHTMLText(data)
		case isMostlyText(data):
			text = string(bytes.ToValidUTF8(data, []byte("�")))
		default:
			continue
		}
		if text = strings.TrimSpace(text); text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[ARQUIVO] %s\n%s", f.Name, text)
	}
	return sb.String(), nil
}

// FirstPDF returns the first inner PDF of a ZIP archive, for the OCR path.
func FirstPDF(body []byte) ([]byte, bool) {
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, false
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		data, err := readZipEntry(f)
		if err != nil {
			continue
		}
		if bytes.HasPrefix(data, []byte("%PDF")) {
			return data, true
		}
	}
	return nil, false
}

func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	// Bound decompression to guard against zip bombs.
	return io.ReadAll(io.LimitReader(rc, 64<<20))
}
