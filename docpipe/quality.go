package docpipe

import (
	"math"
	"unicode"
)

// TextQuality scores extracted text in [0,1]: the printable-character ratio
// weighted by how much of the text is alphanumeric. Garbled PDF extractions
// (private-use glyphs, control noise) score low and trigger the OCR
// fallback. Rounded to 4 decimals.
func TextQuality(text string) float64 {
	if len(text) == 0 {
		return 0
	}
	total, printable, alnum := 0, 0, 0
	for _, r := range text {
		total++
		if isGarbageRune(r) {
			continue
		}
		if unicode.IsPrint(r) || r == '\n' || r == '\r' || r == '\t' {
			printable++
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			alnum++
		}
	}
	printableRatio := float64(printable) / float64(total)
	alnumRatio := float64(alnum) / float64(total)
	q := printableRatio * (alnumRatio + 0.1)
	if q > 1 {
		q = 1
	}
	return math.Round(q*10000) / 10000
}

func isGarbageRune(r rune) bool {
	// Private Use Area
	if r >= 0xE000 && r <= 0xF8FF {
		return true
	}
	// Replacement character
	if r == 0xFFFD {
		return true
	}
	// Control chars except whitespace
	if r < 0x0020 && r != '\n' && r != '\r' && r != '\t' {
		return true
	}
	return false
}
