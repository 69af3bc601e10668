package properties

import (
	"unicode"
	"unicode/utf8"
)

// Compare orders keys case-insensitively. ASCII bytes are compared by their
// lower-case form directly; from the first non-ASCII byte on, runes are folded
// through upper then lower case. Keys that fold equal compare as 0.
func Compare(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		ca, cb := a[i], b[i]
		if ca >= utf8.RuneSelf || cb >= utf8.RuneSelf {
			return compareRunes(a[i:], b[i:])
		}
		if ca == cb {
			continue
		}
		la, lb := lowerASCII(ca), lowerASCII(cb)
		if la != lb {
			if la < lb {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// EqualFold reports whether a and b are the same key
func EqualFold(a, b string) bool {
	return Compare(a, b) == 0
}

func lowerASCII(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

func compareRunes(a, b string) int {
	for len(a) > 0 && len(b) > 0 {
		ra, sa := utf8.DecodeRuneInString(a)
		rb, sb := utf8.DecodeRuneInString(b)
		a, b = a[sa:], b[sb:]

		if ra == rb {
			continue
		}
		ua, ub := unicode.ToUpper(ra), unicode.ToUpper(rb)
		if ua == ub {
			continue
		}
		la, lb := unicode.ToLower(ua), unicode.ToLower(ub)
		if la == lb {
			continue
		}
		if la < lb {
			return -1
		}
		return 1
	}
	switch {
	case len(a) == 0 && len(b) == 0:
		return 0
	case len(a) == 0:
		return -1
	}
	return 1
}
