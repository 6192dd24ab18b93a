package docpipe

// Kind identifies a fetched document's payload type.
type Kind string

const (
	KindPDF    Kind = "pdf"
	KindZip    Kind = "zip"
	KindHTML   Kind = "html"
	KindJSON   Kind = "json"
	KindDocx   Kind = "docx"
	KindODT    Kind = "odt"
	KindText   Kind = "text"
	KindBinary Kind = "binary"
)

// Result is the outcome of extracting text from a document body.
type Result struct {
	Kind      Kind    `json:"kind"`
	Text      string  `json:"text"`
	Chars     int     `json:"chars"`
	Quality   float64 `json:"quality"`
	Truncated bool    `json:"truncated"`
}
