package flatten

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// clean strips markup left in scraped labels, collapses whitespace runs and
// normalizes to NFC so the same name always compares equal downstream.
func clean(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))

	inTag, space := false, false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>' && inTag:
			inTag = false
		case inTag:
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\u00a0':
			if !space {
				b.WriteByte(' ')
				space = true
			}
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return norm.NFC.String(strings.TrimSpace(b.String()))
}
