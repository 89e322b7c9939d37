package selector

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/v0xg/uitestgen/internal/analysis"
)

// query is the parsed form of the selector subset understood by Match:
// #id, .class, .a.b, [k="v"] (chained), type, type.class, type[k="v"] and
// //*[text()="..."].
type query struct {
	text    *string
	tag     string
	ids     []string
	classes []string
	attrs   []attrCondition
}

type attrCondition struct {
	key      string
	value    string
	hasValue bool
}

var textXPathPattern = regexp.MustCompile(`^//\*\[text\(\)="((?:[^"\\]|\\.)*)"\]$`)

// Match returns the elements of all matched by sel. Selectors outside the
// supported subset match nothing.
func Match(sel string, all []analysis.IdentifiedElement) []analysis.IdentifiedElement {
	q, err := parse(strings.TrimSpace(sel))
	if err != nil {
		return nil
	}
	var matched []analysis.IdentifiedElement
	for _, el := range all {
		if q.matches(el) {
			matched = append(matched, el)
		}
	}
	return matched
}

func (q *query) matches(el analysis.IdentifiedElement) bool {
	if q.text != nil {
		text := el.Attributes.Get(analysis.AttrText)
		return text != "" && text == *q.text
	}
	if q.tag != "" && !strings.EqualFold(q.tag, el.Type) {
		return false
	}
	for _, id := range q.ids {
		if el.Attributes.Get(analysis.AttrID) != id {
			return false
		}
	}
	if len(q.classes) > 0 {
		have := make(map[string]bool)
		for _, c := range el.Attributes.Classes() {
			have[c] = true
		}
		for _, c := range q.classes {
			if !have[c] {
				return false
			}
		}
	}
	for _, cond := range q.attrs {
		v, ok := el.Attributes[cond.key]
		if !ok {
			return false
		}
		if cond.hasValue && v != cond.value {
			return false
		}
	}
	return true
}

func parse(sel string) (*query, error) {
	if sel == "" {
		return nil, fmt.Errorf("empty selector")
	}
	if m := textXPathPattern.FindStringSubmatch(sel); m != nil {
		text := unescapeQuoted(m[1])
		return &query{text: &text}, nil
	}
	if strings.HasPrefix(sel, "/") {
		return nil, fmt.Errorf("unsupported xpath: %s", sel)
	}

	p := &parser{s: sel}
	q := &query{}
	if p.peek() == '*' {
		p.pos++
	} else if isIdentStart(p.peek()) {
		q.tag = p.ident()
	}
	for !p.done() {
		switch p.next() {
		case '#':
			id := p.ident()
			if id == "" {
				return nil, fmt.Errorf("empty id at %d", p.pos)
			}
			q.ids = append(q.ids, id)
		case '.':
			class := p.ident()
			if class == "" {
				return nil, fmt.Errorf("empty class at %d", p.pos)
			}
			q.classes = append(q.classes, class)
		case '[':
			cond, err := p.attribute()
			if err != nil {
				return nil, err
			}
			q.attrs = append(q.attrs, cond)
		default:
			return nil, fmt.Errorf("unsupported selector syntax at %d: %s", p.pos-1, sel)
		}
	}
	if q.tag == "" && len(q.ids) == 0 && len(q.classes) == 0 && len(q.attrs) == 0 && sel != "*" {
		return nil, fmt.Errorf("no conditions in selector: %s", sel)
	}
	return q, nil
}

type parser struct {
	s   string
	pos int
}

func (p *parser) done() bool { return p.pos >= len(p.s) }

func (p *parser) peek() byte {
	if p.done() {
		return 0
	}
	return p.s[p.pos]
}

func (p *parser) next() byte {
	c := p.peek()
	p.pos++
	return c
}

// ident reads a CSS identifier, decoding backslash escapes.
func (p *parser) ident() string {
	var b strings.Builder
	for !p.done() {
		c := p.peek()
		if c == '\\' {
			r, n := decodeEscape(p.s[p.pos+1:])
			if n == 0 {
				break
			}
			b.WriteRune(r)
			p.pos += 1 + n
			continue
		}
		if !isIdentByte(c) {
			break
		}
		b.WriteByte(c)
		p.pos++
	}
	return b.String()
}

// attribute parses the remainder of an attribute condition after '['.
func (p *parser) attribute() (attrCondition, error) {
	start := p.pos
	for !p.done() && p.peek() != '=' && p.peek() != ']' {
		p.pos++
	}
	key := strings.TrimSpace(p.s[start:p.pos])
	if key == "" || p.done() {
		return attrCondition{}, fmt.Errorf("malformed attribute selector")
	}
	if p.next() == ']' {
		return attrCondition{key: key}, nil
	}

	var value string
	switch quote := p.peek(); quote {
	case '"', '\'':
		p.pos++
		var b strings.Builder
		closed := false
		for !p.done() {
			c := p.next()
			if c == '\\' && !p.done() {
				b.WriteByte(p.next())
				continue
			}
			if c == quote {
				closed = true
				break
			}
			b.WriteByte(c)
		}
		if !closed {
			return attrCondition{}, fmt.Errorf("unterminated attribute value")
		}
		value = b.String()
	default:
		start := p.pos
		for !p.done() && p.peek() != ']' {
			p.pos++
		}
		value = strings.TrimSpace(p.s[start:p.pos])
	}
	if p.next() != ']' {
		return attrCondition{}, fmt.Errorf("missing ] in attribute selector")
	}
	return attrCondition{key: key, value: value, hasValue: true}, nil
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_' || c >= 0x80
}

func isIdentByte(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == '-'
}

// EscapeIdent escapes s for use as a CSS identifier, following CSS.escape.
func EscapeIdent(s string) string {
	var b strings.Builder
	first := rune(-1)
	i := 0
	for _, r := range s {
		switch {
		case r == 0:
			b.WriteRune(utf8.RuneError)
		case r >= 0x1 && r <= 0x1f, r == 0x7f,
			i == 0 && r >= '0' && r <= '9',
			i == 1 && r >= '0' && r <= '9' && first == '-':
			fmt.Fprintf(&b, `\%x `, r)
		case i == 0 && r == '-' && utf8.RuneCountInString(s) == 1:
			b.WriteString(`\-`)
		case r >= 0x80, r == '-', r == '_',
			r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		default:
			b.WriteByte('\\')
			b.WriteRune(r)
		}
		if i == 0 {
			first = r
		}
		i++
	}
	return b.String()
}

// decodeEscape decodes the escape sequence following a backslash and
// returns the rune and the number of bytes consumed.
func decodeEscape(s string) (rune, int) {
	if s == "" {
		return 0, 0
	}
	n := 0
	for n < len(s) && n < 6 && isHex(s[n]) {
		n++
	}
	if n > 0 {
		v, err := strconv.ParseUint(s[:n], 16, 32)
		if err != nil {
			return 0, 0
		}
		if n < len(s) && s[n] == ' ' {
			n++
		}
		return rune(v), n
	}
	r, size := utf8.DecodeRuneInString(s)
	return r, size
}

func isHex(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

func unescapeQuoted(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
