package docpipe

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// stripPolicy removes scripts, styles, and event handlers before the DOM
// walk so injected markup in portal pages never reaches extracted text.
// Inline style attributes are kept so the hidden-element filter can see them.
var stripPolicy = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("style").Globally()
	return p
}()

var hiddenStylePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)display\s*:\s*none`),
	regexp.MustCompile(`(?i)visibility\s*:\s*hidden`),
	regexp.MustCompile(`(?i)font-size\s*:\s*0[^1-9]`),
	regexp.MustCompile(`(?i)opacity\s*:\s*0[^.]`),
}

func hasHiddenStyle(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, a := range n.Attr {
		if a.Key == "style" {
			for _, pat := range hiddenStylePatterns {
				if pat.MatchString(a.Val) {
					return true
				}
			}
		}
	}
	return false
}

// extractHTMLText sanitizes an HTML body and flattens it to visible text,
// one line per block element.
func extractHTMLText(body []byte) string {
	clean := stripPolicy.SanitizeBytes(body)
	doc, err := html.Parse(bytes.NewReader(clean))
	if err != nil {
		return ""
	}
	var blocks []string
	walkHTMLBlocks(doc, &blocks)
	if len(blocks) == 0 {
		if text := collectHTMLText(doc); text != "" {
			blocks = append(blocks, text)
		}
	}
	return strings.Join(blocks, "\n")
}

// ExtractHTMLTables returns the flattened text of each <table> in the body,
// for the tables artifact.
func ExtractHTMLTables(body []byte) []string {
	doc, err := html.Parse(bytes.NewReader(stripPolicy.SanitizeBytes(body)))
	if err != nil {
		return nil
	}
	var tables []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Table {
			if text := collectHTMLText(n); text != "" {
				tables = append(tables, text)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return tables
}

// walkHTMLBlocks collects block-level text, skipping boilerplate.
func walkHTMLBlocks(n *html.Node, blocks *[]string) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Nav, atom.Footer, atom.Header:
			return
		}
		if hasHiddenStyle(n) {
			return
		}
		switch n.DataAtom {
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
			atom.P, atom.Table, atom.Ul, atom.Ol, atom.Li, atom.Tr:
			if text := collectHTMLText(n); text != "" {
				*blocks = append(*blocks, text)
			}
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkHTMLBlocks(c, blocks)
	}
}

// collectHTMLText extracts all visible text from a node subtree.
func collectHTMLText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			}
			if hasHiddenStyle(n) {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
