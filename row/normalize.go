package row

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Trim strips leading and trailing whitespace, including Unicode spaces,
// zero-width spaces and byte order marks.
func Trim(s string) string {
	return strings.TrimFunc(s, isSpace)
}

func isSpace(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
		return true
	}
	return unicode.IsSpace(r)
}

// NormalizeHeader trims and upper-cases a header cell.
func NormalizeHeader(s string) string {
	return strings.ToUpper(Trim(s))
}

// KoreanKey is the identity of a Korean string: trimmed and NFC-composed, so
// that decomposed jamo sequences and precomposed syllables compare equal.
func KoreanKey(s string) string {
	return norm.NFC.String(Trim(s))
}

// HasHangul reports whether s contains at least one Hangul syllable (U+AC00..U+D7A3).
func HasHangul(s string) bool {
	for _, r := range s {
		if r >= 0xAC00 && r <= 0xD7A3 {
			return true
		}
	}
	return false
}

// IsInactiveMarker reports whether the first physical cell of a row tombstones it.
func IsInactiveMarker(firstCell string) bool {
	return strings.HasPrefix(Trim(firstCell), InactivePrefix)
}
