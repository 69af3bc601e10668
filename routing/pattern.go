package routing

import (
	"fmt"
	"path"
	"strings"

	"github.com/c360/depkit/errors"
)

// PatternKind classifies a route pattern
type PatternKind int

const (
	// KindPath is "/a/b": matches /a/b exactly and everything below it
	KindPath PatternKind = iota
	// KindWildcard is "/a/b/*": matches everything below /a/b and /a/b itself
	KindWildcard
	// KindExtension is "*.ext": matches paths whose last segment ends in .ext
	KindExtension
	// KindDefault is "/" or "/*": matches anything nothing else matched
	KindDefault
)

// Pattern is a parsed route pattern
type Pattern struct {
	Raw    string
	Kind   PatternKind
	Prefix string // path prefix without trailing slash, "" for defaults
	Ext    string // extension without the dot
}

// ParsePattern validates and classifies a pattern
func ParsePattern(raw string) (Pattern, error) {
	switch {
	case raw == "/" || raw == "/*":
		return Pattern{Raw: raw, Kind: KindDefault}, nil
	case strings.HasPrefix(raw, "*."):
		ext := raw[2:]
		if ext == "" || strings.ContainsAny(ext, "/*") {
			return Pattern{}, invalidPattern(raw)
		}
		return Pattern{Raw: raw, Kind: KindExtension, Ext: ext}, nil
	case strings.HasPrefix(raw, "/"):
		kind := KindPath
		prefix := raw
		if strings.HasSuffix(raw, "/*") {
			kind = KindWildcard
			prefix = strings.TrimSuffix(raw, "/*")
		}
		if strings.Contains(prefix, "*") || strings.Contains(prefix, "//") {
			return Pattern{}, invalidPattern(raw)
		}
		prefix = strings.TrimSuffix(prefix, "/")
		if prefix == "" {
			return Pattern{Raw: raw, Kind: KindDefault}, nil
		}
		return Pattern{Raw: raw, Kind: kind, Prefix: prefix}, nil
	}
	return Pattern{}, invalidPattern(raw)
}

// Canonical returns the route the pattern stands for. Spellings of the same
// route, such as "/a" and "/a/" or "/" and "/*", share one canonical form.
func (pt Pattern) Canonical() string {
	switch pt.Kind {
	case KindPath:
		return pt.Prefix
	case KindWildcard:
		return pt.Prefix + "/*"
	case KindExtension:
		return "*." + pt.Ext
	}
	return "/"
}

// sameRoute reports whether raw spells the same route as pt
func sameRoute(raw string, pt Pattern) bool {
	other, err := ParsePattern(raw)
	return err == nil && other.Canonical() == pt.Canonical()
}

func invalidPattern(raw string) error {
	return errors.WrapInvalid(
		fmt.Errorf("pattern %q: %w", raw, errors.ErrInvalidValue),
		"routing", "ParsePattern", "pattern validation")
}

// matchPrefix reports whether p lies at or below prefix on a segment boundary
func matchPrefix(prefix, p string) bool {
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(p, prefix) {
		return false
	}
	return len(p) == len(prefix) || p[len(prefix)] == '/'
}

// matchExtension reports whether the last segment of p ends in .ext
func matchExtension(ext, p string) bool {
	last := path.Base(p)
	return strings.HasSuffix(last, "."+ext) && len(last) > len(ext)+1
}

// split returns the part of p covered by the pattern and the remainder
func (pt Pattern) split(p string) (matched, rest string) {
	switch pt.Kind {
	case KindPath, KindWildcard:
		return pt.Prefix, p[len(pt.Prefix):]
	case KindExtension:
		return p, ""
	}
	return "", p
}
