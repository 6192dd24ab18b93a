package notify

import (
	"fmt"
	"strings"

	"github.com/hazyhaar/radar/store"
)

// Short truncates to n runes with an ellipsis.
func Short(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n < 3 {
		n = 3
	}
	return string(runes[:n-3]) + "..."
}

// FormatTender renders the opportunity message. score < 0 omits the line.
func FormatTender(t *store.Tender, score int) string {
	orDefault := func(v, def string) string {
		if strings.TrimSpace(v) == "" {
			return def
		}
		return v
	}
	parts := []string{
		fmt.Sprintf("✅ OPORTUNIDADE — %s", orDefault(t.IDPNCP, "?")),
		fmt.Sprintf("Órgão: %s", orDefault(t.Orgao, "?")),
		fmt.Sprintf("Local: %s/%s", orDefault(t.Municipio, "??"), orDefault(t.UF, "??")),
		fmt.Sprintf("Modalidade: %s", orDefault(t.Modalidade, "?")),
		fmt.Sprintf("Status: %s", orDefault(t.Status, "?")),
	}
	if t.DataPublicacao != "" {
		parts = append(parts, "Publicação: "+t.DataPublicacao)
	}
	if score >= 0 {
		parts = append(parts, fmt.Sprintf("Score: %d", score))
	}
	if objeto := Short(t.Objeto, 220); objeto != "" {
		parts = append(parts, "Resumo: "+objeto)
	}
	return strings.Join(parts, "\n")
}

// Keyboard builds the channel action buttons: a portal link plus bot deep
// links for summary, checklist, and follow.
func Keyboard(t *store.Tender, botUsername string) [][]Button {
	var pageURL string
	if t.URLs != nil {
		for _, k := range []string{"pncp", "compras", "url"} {
			if u := t.URLs[k]; u != "" {
				pageURL = u
				break
			}
		}
	}
	var qaLink, followLink string
	if botUsername != "" && t.ID > 0 {
		qaLink = fmt.Sprintf("https://t.me/%s?start=qa_%d", botUsername, t.ID)
		followLink = fmt.Sprintf("https://t.me/%s?start=follow_%d", botUsername, t.ID)
	}

	var keyboard [][]Button
	var row []Button
	if pageURL != "" {
		row = append(row, Button{Text: "Abrir", URL: pageURL})
	}
	if qaLink != "" {
		row = append(row, Button{Text: "Resumo", URL: qaLink})
	}
	if len(row) > 0 {
		keyboard = append(keyboard, row)
	}
	var row2 []Button
	if qaLink != "" {
		row2 = append(row2, Button{Text: "Checklist", URL: qaLink})
	}
	if followLink != "" {
		row2 = append(row2, Button{Text: "Seguir", URL: followLink})
	}
	if len(row2) > 0 {
		keyboard = append(keyboard, row2)
	}
	return keyboard
}
