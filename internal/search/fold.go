package search

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lower-cases s with Unicode case folding and strips combining marks,
// so "Canción" and "cancion" compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	// Casers are stateful; one per call keeps Fold goroutine-safe.
	return cases.Fold().String(out)
}

// SpanishStopwords are common function words ignored when ranking messages.
var SpanishStopwords = strings.Fields(`
	a al algo con de del el en es esta este hay la las lo los me mi mis no o
	para por que se si su sus te tu un una uno y ya
`)
