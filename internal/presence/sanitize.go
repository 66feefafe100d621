package presence

import (
	"regexp"
	"strings"
	"unicode"
)

// MaxCustomStatusLength is measured in runes, not bytes.
const MaxCustomStatusLength = 100

var markupRegex = regexp.MustCompile(`<[^>]*>?`)

// SanitizeText strips markup and control characters, collapses whitespace
// and truncates to max runes.
func SanitizeText(s string, max int) string {
	s = markupRegex.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return ' '
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return -1
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) > max {
		s = strings.TrimSpace(string(runes[:max]))
	}
	return s
}
