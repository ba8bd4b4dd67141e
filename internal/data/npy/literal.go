package npy

import (
	"fmt"
	"strconv"
	"strings"
)

// literalParser reads the subset of Python literal syntax used in .npy
// headers: dicts, lists, tuples, quoted strings, integers, True/False/None.
// Lists and tuples both decode to []any.
type literalParser struct {
	s   string
	pos int
}

func (p *literalParser) skipSpace() {
	for p.pos < len(p.s) {
		switch p.s[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *literalParser) peek() byte {
	if p.pos >= len(p.s) {
		return 0
	}
	return p.s[p.pos]
}

func (p *literalParser) expect(c byte) error {
	p.skipSpace()
	if p.peek() != c {
		return fmt.Errorf("expected %q at offset %d", c, p.pos)
	}
	p.pos++
	return nil
}

func (p *literalParser) value() (any, error) {
	p.skipSpace()
	switch c := p.peek(); c {
	case '{':
		return p.dict()
	case '[':
		return p.sequence('[', ']')
	case '(':
		return p.sequence('(', ')')
	case '\'', '"':
		return p.str()
	case 0:
		return nil, fmt.Errorf("unexpected end of header")
	default:
		return p.word()
	}
}

func (p *literalParser) dict() (map[string]any, error) {
	if err := p.expect('{'); err != nil {
		return nil, err
	}
	out := make(map[string]any)
	for {
		p.skipSpace()
		if p.peek() == '}' {
			p.pos++
			return out, nil
		}
		key, err := p.str()
		if err != nil {
			return nil, err
		}
		if err := p.expect(':'); err != nil {
			return nil, err
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		out[key] = v

		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case '}':
		default:
			return nil, fmt.Errorf("expected ',' or '}' at offset %d", p.pos)
		}
	}
}

func (p *literalParser) sequence(open, close byte) ([]any, error) {
	if err := p.expect(open); err != nil {
		return nil, err
	}
	out := []any{}
	for {
		p.skipSpace()
		if p.peek() == close {
			p.pos++
			return out, nil
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		out = append(out, v)

		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case close:
		default:
			return nil, fmt.Errorf("expected ',' or %q at offset %d", close, p.pos)
		}
	}
}

func (p *literalParser) str() (string, error) {
	p.skipSpace()
	quote := p.peek()
	if quote != '\'' && quote != '"' {
		return "", fmt.Errorf("expected string at offset %d", p.pos)
	}
	p.pos++
	start := p.pos
	end := strings.IndexByte(p.s[start:], quote)
	if end < 0 {
		return "", fmt.Errorf("unterminated string at offset %d", start)
	}
	p.pos = start + end + 1
	return p.s[start : start+end], nil
}

func (p *literalParser) word() (any, error) {
	start := p.pos
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == ',' || c == ')' || c == ']' || c == '}' || c == ':' || c == ' ' {
			break
		}
		p.pos++
	}
	w := p.s[start:p.pos]
	switch w {
	case "True":
		return true, nil
	case "False":
		return false, nil
	case "None":
		return nil, nil
	}
	// Python 2 era writers emit long literals such as "10L".
	n, err := strconv.Atoi(strings.TrimSuffix(w, "L"))
	if err != nil {
		return nil, fmt.Errorf("unexpected token %q at offset %d", w, start)
	}
	return n, nil
}
