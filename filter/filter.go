// Package filter implements the LDAP-style predicate language used to select
// services and configurations by their properties:
//
//	(&(objectClass=org.example.Greeter)(|(lang=en)(lang=fr))(!(service.ranking<=0)))
//
// Supported items are equality (a=v), presence (a=*), substring (a=x*y*z),
// ordering (a>=v) (a<=v) and approximate match (a~=v). Attribute names are
// case-insensitive. The filter value is converted to the type of the stored
// value before comparing; a slice value matches when any element does. A value
// that cannot be converted never matches.
package filter

import (
	"strings"

	"github.com/c360/depkit/properties"
)

// Filter is a compiled predicate over a property set
type Filter interface {
	Match(props properties.Reader) bool
	// String returns the normalized filter text
	String() string
}

type op int

const (
	opEqual op = iota
	opApprox
	opGreaterEq
	opLessEq
	opPresent
	opSubstring
)

// all matches every property set, it is the compiled form of an empty filter
type all struct{}

func (all) Match(properties.Reader) bool { return true }
func (all) String() string { return "" }

// MatchAll returns the filter that accepts everything
func MatchAll() Filter { return all{} }

type and []Filter

func (f and) Match(p properties.Reader) bool {
	for _, sub := range f {
		if !sub.Match(p) {
			return false
		}
	}
	return true
}

func (f and) String() string { return composite("&", f) }

type or []Filter

func (f or) Match(p properties.Reader) bool {
	for _, sub := range f {
		if sub.Match(p) {
			return true
		}
	}
	return false
}

func (f or) String() string { return composite("|", f) }

type not struct{ sub Filter }

func (f not) Match(p properties.Reader) bool { return !f.sub.Match(p) }
func (f not) String() string { return "(!" + f.sub.String() + ")" }

func composite(symbol string, subs []Filter) string {
	var b strings.Builder
	b.WriteString("(")
	b.WriteString(symbol)
	for _, sub := range subs {
		b.WriteString(sub.String())
	}
	b.WriteString(")")
	return b.String()
}

// item is a single attribute comparison
type item struct {
	attr  string
	op    op
	value string
	// parts holds the substring pieces split on unescaped '*'. The first and
	// last pieces anchor the start and end; an empty piece anchors nothing.
	parts []string
}

func (f *item) Match(p properties.Reader) bool {
	if p == nil {
		return false
	}
	v, ok := p.Get(f.attr)
	if !ok {
		return false
	}
	if f.op == opPresent {
		return true
	}
	return matchValue(f, v)
}

func (f *item) String() string {
	var b strings.Builder
	b.WriteString("(")
	b.WriteString(f.attr)
	switch f.op {
	case opEqual:
		b.WriteString("=")
		b.WriteString(escape(f.value))
	case opApprox:
		b.WriteString("~=")
		b.WriteString(escape(f.value))
	case opGreaterEq:
		b.WriteString(">=")
		b.WriteString(escape(f.value))
	case opLessEq:
		b.WriteString("<=")
		b.WriteString(escape(f.value))
	case opPresent:
		b.WriteString("=*")
	case opSubstring:
		b.WriteString("=")
		for i, part := range f.parts {
			if i > 0 {
				b.WriteString("*")
			}
			b.WriteString(escape(part))
		}
	}
	b.WriteString(")")
	return b.String()
}

func escape(s string) string {
	if !strings.ContainsAny(s, `\*()`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\', '*', '(', ')':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
