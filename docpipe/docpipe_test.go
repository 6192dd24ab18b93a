package docpipe

import (
	"archive/zip"
	"bytes"
	"context"
	"strings"
	"testing"
)

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDetect(t *testing.T) {
	cases := []struct {
		name        string
		body        []byte
		contentType string
		url         string
		want        Kind
	}{
		{"pdf magic", []byte("%PDF-1.7 junk"), "application/octet-stream", "", KindPDF},
		{"pdf by type", []byte("x"), "application/pdf", "", KindPDF},
		{"pdf by url", []byte("x"), "", "https://x/edital.PDF", KindPDF},
		{"html doctype", []byte("<!DOCTYPE html><html><body>oi</body></html>"), "", "", KindHTML},
		{"html by type", []byte("oi"), "text/html; charset=utf-8", "", KindHTML},
		{"json object", []byte(`{"a":1}`), "", "", KindJSON},
		{"json by type", []byte("x"), "application/json", "", KindJSON},
		{"plain text", []byte("edital de licitacao para limpeza"), "", "", KindText},
		{"accented text", []byte("licitação pública do município de São Paulo"), "", "", KindText},
		{"binary", append([]byte{0x00, 0x01, 0xff}, bytes.Repeat([]byte{0xfe}, 100)...), "application/octet-stream", "", KindBinary},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Detect(tc.body, tc.contentType, tc.url); got != tc.want {
				t.Fatalf("Detect = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDetectZipVariants(t *testing.T) {
	plain := makeZip(t, map[string]string{"a.txt": "oi"})
	if got := Detect(plain, "", ""); got != KindZip {
		t.Fatalf("plain zip = %q", got)
	}
	docx := makeZip(t, map[string]string{"word/document.xml": "<w:document/>"})
	if got := Detect(docx, "", ""); got != KindDocx {
		t.Fatalf("docx = %q", got)
	}
	odt := makeZip(t, map[string]string{"content.xml": "<office:document-content/>"})
	if got := Detect(odt, "", ""); got != KindODT {
		t.Fatalf("odt = %q", got)
	}
}

func TestExtractHTML(t *testing.T) {
	p := New(Config{})
	body := []byte(`<html><head><title>Edital</title><script>evil()</script></head>
		<body><h1>Pregão Eletrônico 42/2026</h1><p>Objeto: serviços de limpeza.</p>
		<p style="display:none">oculto</p></body></html>`)
	res, err := p.Extract(context.Background(), body, "text/html", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindHTML {
		t.Fatalf("kind = %q", res.Kind)
	}
	if !strings.Contains(res.Text, "Pregão Eletrônico 42/2026") || !strings.Contains(res.Text, "limpeza") {
		t.Fatalf("text = %q", res.Text)
	}
	if strings.Contains(res.Text, "evil") || strings.Contains(res.Text, "oculto") {
		t.Fatalf("boilerplate leaked: %q", res.Text)
	}
	if res.Quality <= 0 {
		t.Fatalf("quality = %v", res.Quality)
	}
}

func TestExtractJSONSortsKeys(t *testing.T) {
	p := New(Config{})
	res, err := p.Extract(context.Background(), []byte(`{"z":1,"a":{"c":2,"b":3}}`), "application/json", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindJSON {
		t.Fatalf("kind = %q", res.Kind)
	}
	if strings.Index(res.Text, `"a"`) > strings.Index(res.Text, `"z"`) {
		t.Fatalf("keys not sorted: %q", res.Text)
	}
	if strings.Index(res.Text, `"b"`) > strings.Index(res.Text, `"c"`) {
		t.Fatalf("nested keys not sorted: %q", res.Text)
	}
}

func TestExtractBinaryPlaceholder(t *testing.T) {
	p := New(Config{})
	body := append([]byte{0x00, 0x01}, bytes.Repeat([]byte{0xfe}, 64)...)
	res, err := p.Extract(context.Background(), body, "application/octet-stream", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindBinary {
		t.Fatalf("kind = %q", res.Kind)
	}
	want := "[BINARIO] content_type=application/octet-stream bytes=66"
	if res.Text != want {
		t.Fatalf("text = %q, want %q", res.Text, want)
	}
}

func TestExtractTruncates(t *testing.T) {
	p := New(Config{MaxChars: 10})
	res, err := p.Extract(context.Background(), []byte("abcdefghijklmnopqrstuvwxyz"), "text/plain", "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated || res.Chars != 10 || res.Text != "abcdefghij" {
		t.Fatalf("res = %+v", res)
	}
}

func TestExtractZipWithMarkers(t *testing.T) {
	p := New(Config{})
	body := makeZip(t, map[string]string{
		"anexo1.txt":  "primeiro arquivo",
		"anexo2.html": "<html><body><p>segundo arquivo</p></body></html>",
		"foto.bin":    string([]byte{0x00, 0xff, 0xfe, 0x01, 0x02, 0x03}),
	})
	res, err := p.Extract(context.Background(), body, "application/zip", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindZip {
		t.Fatalf("kind = %q", res.Kind)
	}
	if !strings.Contains(res.Text, "[ARQUIVO] anexo1.txt") || !strings.Contains(res.Text, "primeiro arquivo") {
		t.Fatalf("missing first entry: %q", res.Text)
	}
	if !strings.Contains(res.Text, "[ARQUIVO] anexo2.html") || !strings.Contains(res.Text, "segundo arquivo") {
		t.Fatalf("missing second entry: %q", res.Text)
	}
	if strings.Contains(res.Text, "foto.bin") {
		t.Fatalf("binary entry leaked: %q", res.Text)
	}
}

func TestExtractDocx(t *testing.T) {
	p := New(Config{})
	doc := `<?xml version="1.0"?><w:document><w:body>
		<w:p><w:r><w:t>Edital de Pregão</w:t></w:r></w:p>
		<w:p><w:r><w:t>Objeto: aquisição de material escolar</w:t></w:r></w:p>
	</w:body></w:document>`
	body := makeZip(t, map[string]string{"word/document.xml": doc})
	res, err := p.Extract(context.Background(), body, "", "edital.docx")
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindDocx {
		t.Fatalf("kind = %q", res.Kind)
	}
	want := "Edital de Pregão\nObjeto: aquisição de material escolar"
	if res.Text != want {
		t.Fatalf("text = %q", res.Text)
	}
}

func TestTextQuality(t *testing.T) {
	if q := TextQuality(""); q != 0 {
		t.Fatalf("empty = %v", q)
	}
	clean := TextQuality("Pregao eletronico numero 42 de 2026 objeto limpeza")
	if clean < 0.5 {
		t.Fatalf("clean text quality = %v", clean)
	}
	garbage := TextQuality(strings.Repeat("�", 100))
	if garbage > 0.05 {
		t.Fatalf("garbage quality = %v", garbage)
	}
	if clean <= garbage {
		t.Fatal("clean should outrank garbage")
	}
}

func TestNeedsOCR(t *testing.T) {
	cfg := OCRConfig{Enabled: true}
	if !NeedsOCR(KindPDF, "curto", 0.9, cfg) {
		t.Fatal("thin text should need OCR")
	}
	if !NeedsOCR(KindPDF, strings.Repeat("texto limpo ", 50), 0.1, cfg) {
		t.Fatal("low quality should need OCR")
	}
	if NeedsOCR(KindPDF, strings.Repeat("texto limpo ", 50), 0.9, cfg) {
		t.Fatal("good text should not need OCR")
	}
	if NeedsOCR(KindHTML, "", 0, cfg) {
		t.Fatal("html never goes through OCR")
	}
	if NeedsOCR(KindPDF, "", 0, OCRConfig{Enabled: false}) {
		t.Fatal("disabled OCR")
	}
}

func TestFirstPDF(t *testing.T) {
	body := makeZip(t, map[string]string{
		"leia.txt":   "texto",
		"edital.pdf": "%PDF-1.4 fake",
	})
	pdf, ok := FirstPDF(body)
	if !ok || !bytes.HasPrefix(pdf, []byte("%PDF")) {
		t.Fatalf("pdf = %q ok=%v", pdf, ok)
	}
	if _, ok := FirstPDF(makeZip(t, map[string]string{"a.txt": "x"})); ok {
		t.Fatal("no pdf expected")
	}
}

func TestExtractHTMLTables(t *testing.T) {
	body := []byte(`<html><body>
		<table><tr><td>Item</td><td>Valor</td></tr><tr><td>Caneta</td><td>2,50</td></tr></table>
		<p>fora da tabela</p></body></html>`)
	tables := ExtractHTMLTables(body)
	if len(tables) != 1 {
		t.Fatalf("tables = %d", len(tables))
	}
	if !strings.Contains(tables[0], "Caneta") || strings.Contains(tables[0], "fora") {
		t.Fatalf("table = %q", tables[0])
	}
}

func TestConvertMarkdown(t *testing.T) {
	payload, err := ConvertMarkdown(KindHTML, []byte("<h1>Edital</h1><p>Objeto</p>"), "ignored")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(payload), "# Edital") {
		t.Fatalf("payload = %s", payload)
	}
	fallback, err := ConvertMarkdown(KindPDF, nil, "texto plano")
	if err != nil {
		t.Fatal(err)
	}
	if string(fallback) != `{"markdown":"texto plano"}` {
		t.Fatalf("fallback = %s", fallback)
	}
}

func TestOCRConfigDefaults(t *testing.T) {
	var cfg OCRConfig
	cfg.defaults()
	if cfg.Mode != "pages" || cfg.Lang != "por" || cfg.Jobs != 2 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.MinText != 200 || cfg.MinQuality != 0.25 || cfg.MaxPages != 12 {
		t.Fatalf("gate defaults = %+v", cfg)
	}
}
