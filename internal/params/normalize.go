package params

import (
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeForSearch returns the value stored in str_value_lcase: case folded
// with combining marks removed, so "Ünïcode" and "unicode" match. Casers and
// transform chains are stateful, so both are built per call.
func NormalizeForSearch(value string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, value)
	if err != nil {
		out = value
	}
	return cases.Fold().String(out)
}
