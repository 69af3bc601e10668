package filter

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/c360/depkit/errors"
)

// Parse compiles a filter expression. Blank input yields MatchAll.
func Parse(expr string) (Filter, error) {
	if strings.TrimSpace(expr) == "" {
		return MatchAll(), nil
	}

	p := &parser{src: []rune(expr)}
	f, err := p.parseFilter()
	if err != nil {
		return nil, p.fail(err)
	}
	p.skipSpace()
	if !p.eof() {
		return nil, p.fail(fmt.Errorf("trailing input at %d", p.pos))
	}
	return f, nil
}

// MustParse is Parse for filters known at compile time
func MustParse(expr string) Filter {
	f, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return f
}

type parser struct {
	src []rune
	pos int
}

func (p *parser) fail(err error) error {
	return errors.WrapInvalid(
		fmt.Errorf("%q: %v: %w", string(p.src), err, errors.ErrInvalidFilter),
		"filter", "Parse", "syntax check")
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) peek() rune {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) skipSpace() {
	for !p.eof() && unicode.IsSpace(p.src[p.pos]) {
		p.pos++
	}
}

func (p *parser) expect(r rune) error {
	p.skipSpace()
	if p.peek() != r {
		if p.eof() {
			return fmt.Errorf("expected %q, got end of input", r)
		}
		return fmt.Errorf("expected %q at %d, got %q", r, p.pos, p.peek())
	}
	p.pos++
	return nil
}

func (p *parser) parseFilter() (Filter, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	p.skipSpace()

	var f Filter
	var err error
	switch p.peek() {
	case '&':
		p.pos++
		var subs []Filter
		subs, err = p.parseList()
		f = and(subs)
	case '|':
		p.pos++
		var subs []Filter
		subs, err = p.parseList()
		f = or(subs)
	case '!':
		p.pos++
		var sub Filter
		sub, err = p.parseFilter()
		f = not{sub: sub}
	default:
		f, err = p.parseItem()
	}
	if err != nil {
		return nil, err
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return f, nil
}

func (p *parser) parseList() ([]Filter, error) {
	var subs []Filter
	for {
		p.skipSpace()
		if p.peek() != '(' {
			break
		}
		sub, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("empty operand list at %d", p.pos)
	}
	return subs, nil
}

func (p *parser) parseItem() (Filter, error) {
	start := p.pos
	for !p.eof() && !strings.ContainsRune("=<>~()", p.src[p.pos]) {
		p.pos++
	}
	attr := strings.TrimSpace(string(p.src[start:p.pos]))
	if attr == "" {
		return nil, fmt.Errorf("missing attribute at %d", start)
	}

	var operator op
	switch p.peek() {
	case '=':
		operator = opEqual
		p.pos++
	case '~', '>', '<':
		c := p.peek()
		p.pos++
		if p.peek() != '=' {
			return nil, fmt.Errorf("expected '=' after %q at %d", c, p.pos)
		}
		p.pos++
		operator = map[rune]op{'~': opApprox, '>': opGreaterEq, '<': opLessEq}[c]
	default:
		return nil, fmt.Errorf("missing operator at %d", p.pos)
	}

	parts, err := p.parseValue()
	if err != nil {
		return nil, err
	}

	f := &item{attr: attr, op: operator}
	switch {
	case len(parts) == 1:
		f.value = parts[0]
	case operator != opEqual:
		return nil, fmt.Errorf("wildcard not allowed with this operator at %d", p.pos)
	case len(parts) == 2 && parts[0] == "" && parts[1] == "":
		f.op = opPresent
	default:
		f.op = opSubstring
		f.parts = parts
	}
	return f, nil
}

// parseValue reads up to the closing parenthesis and splits the value on
// unescaped '*'
func (p *parser) parseValue() ([]string, error) {
	var parts []string
	var cur strings.Builder
	for {
		if p.eof() {
			return nil, fmt.Errorf("unterminated value")
		}
		r := p.src[p.pos]
		switch r {
		case ')':
			return append(parts, cur.String()), nil
		case '(':
			return nil, fmt.Errorf("unescaped '(' in value at %d", p.pos)
		case '*':
			parts = append(parts, cur.String())
			cur.Reset()
		case '\\':
			p.pos++
			if p.eof() {
				return nil, fmt.Errorf("dangling escape")
			}
			cur.WriteRune(p.src[p.pos])
		default:
			cur.WriteRune(r)
		}
		p.pos++
	}
}
