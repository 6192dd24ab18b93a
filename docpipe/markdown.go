package docpipe

import (
	"encoding/json"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// ConvertMarkdown renders the doc_convert artifact payload: HTML bodies are
// converted to Markdown, everything else wraps the already-extracted text.
func ConvertMarkdown(kind Kind, body []byte, text string) (json.RawMessage, error) {
	md := text
	if kind == KindHTML {
		if converted, err := htmltomarkdown.ConvertString(string(body)); err == nil {
			md = converted
		}
	}
	return json.Marshal(map[string]string{"markdown": md})
}
