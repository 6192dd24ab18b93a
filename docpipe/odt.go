package docpipe

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// extractODT parses an .odt body by reading content.xml from the ZIP
// container, one line per heading or paragraph.
func extractODT(body []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return "", fmt.Errorf("open zip: %w", err)
	}
	var contentFile *zip.File
	for _, f := range zr.File {
		if f.Name == "content.xml" {
			contentFile = f
			break
		}
	}
	if contentFile == nil {
		return "", fmt.Errorf("content.xml not found in archive")
	}
	rc, err := contentFile.Open()
	if err != nil {
		return "", fmt.Errorf("open content.xml: %w", err)
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)
	var sb strings.Builder
	var currentText strings.Builder
	var capturing bool

	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			// <text:h> and <text:p>
			if t.Name.Local == "h" || t.Name.Local == "p" {
				capturing = true
				currentText.Reset()
			}
		case xml.CharData:
			if capturing {
				currentText.Write(t)
			}
		case xml.EndElement:
			if (t.Name.Local == "h" || t.Name.Local == "p") && capturing {
				capturing = false
				if text := strings.TrimSpace(currentText.String()); text != "" {
					if sb.Len() > 0 {
						sb.WriteByte('\n')
					}
					sb.WriteString(text)
				}
			}
		}
	}
	return sb.String(), nil
}
