package query

import (
	"fmt"
	"strconv"
	"strings"
	"text/scanner"

	"github.com/aretw0/humus/pkg/core"
	"github.com/aretw0/humus/pkg/index"
)

var keywords = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "AND": true, "OR": true,
	"NOT": true, "MATCH": true, "ORDER": true, "BY": true, "ASC": true,
	"DESC": true, "LIMIT": true, "OFFSET": true, "TRUE": true, "FALSE": true,
	"NULL": true, "INDEX": true,
}

// Parse reads the textual query form:
//
//	[SELECT cols FROM (database | INDEX(name)) [WHERE]] predicate
//	    [ORDER BY path [ASC|DESC], ...] [LIMIT n] [OFFSET n]
//
// A bare predicate selects whole documents from the database. Predicates
// combine comparisons (=, !=, <, <=, >, >=) and `field MATCH 'terms'` with
// AND, OR, NOT and parentheses. Strings use single or double quotes; field
// paths that clash with keywords go in backquotes.
func Parse(text string) (q *Query, err error) {
	p := &parser{}
	p.s.Init(strings.NewReader(text))
	p.s.Mode = scanner.ScanIdents | scanner.ScanInts | scanner.ScanFloats |
		scanner.ScanStrings | scanner.ScanRawStrings
	p.s.Error = func(s *scanner.Scanner, msg string) { p.fail(msg) }
	defer func() {
		if r := recover(); r != nil {
			perr, ok := r.(parseError)
			if !ok {
				panic(r)
			}
			q, err = nil, fmt.Errorf("%s: %w", perr.msg, core.ErrInvalidQuery)
		}
	}()
	p.advance()
	return p.query(), nil
}

type parseError struct{ msg string }

type parser struct {
	s    scanner.Scanner
	tok  rune
	text string
	pos  scanner.Position
}

func (p *parser) fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	panic(parseError{msg: fmt.Sprintf("%s at column %d", msg, p.pos.Column)})
}

func (p *parser) advance() {
	p.tok = p.s.Scan()
	p.text = p.s.TokenText()
	p.pos = p.s.Position
}

func (p *parser) keyword(kw string) bool {
	return p.tok == scanner.Ident && strings.EqualFold(p.text, kw)
}

func (p *parser) accept(kw string) bool {
	if p.keyword(kw) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expect(kw string) {
	if !p.accept(kw) {
		p.fail("expected %s, found %q", kw, p.text)
	}
}

func (p *parser) expectRune(r rune) {
	if p.tok != r {
		p.fail("expected %q, found %q", r, p.text)
	}
	p.advance()
}

func (p *parser) query() *Query {
	q := Select()
	if p.accept("SELECT") {
		q.results = p.results()
		p.expect("FROM")
		q.source = p.source()
		if p.accept("WHERE") {
			q.where = p.or()
		}
	} else if !p.keyword("ORDER") && !p.keyword("LIMIT") && !p.keyword("OFFSET") && p.tok != scanner.EOF {
		q.where = p.or()
	}
	if p.accept("ORDER") {
		p.expect("BY")
		for {
			o := Ordering{Path: p.path()}
			if p.accept("DESC") {
				o.Desc = true
			} else {
				p.accept("ASC")
			}
			q.order = append(q.order, o)
			if p.tok != ',' {
				break
			}
			p.advance()
		}
	}
	if p.accept("LIMIT") {
		q.Limit(p.integer())
	}
	if p.accept("OFFSET") {
		q.offset = p.integer()
	}
	if p.tok != scanner.EOF {
		p.fail("unexpected %q", p.text)
	}
	return q
}

func (p *parser) results() []Result {
	var out []Result
	for {
		switch {
		case p.tok == '*':
			p.advance()
			out = append(out, All())
		case p.tok == scanner.Ident && p.text == IDPath:
			p.advance()
			out = append(out, DocID())
		default:
			out = append(out, Property(p.path()))
		}
		if p.tok != ',' {
			return out
		}
		p.advance()
	}
}

func (p *parser) source() DataSource {
	if p.accept("INDEX") {
		p.expectRune('(')
		if p.tok != scanner.Ident && p.tok != scanner.String && p.tok != scanner.RawString {
			p.fail("expected index name, found %q", p.text)
		}
		name := p.unquote()
		p.advance()
		p.expectRune(')')
		return Index(name)
	}
	if p.accept("database") || p.accept("db") {
		return Database()
	}
	p.fail("expected database or INDEX(name), found %q", p.text)
	return DataSource{}
}

func (p *parser) or() *Predicate {
	left := p.and()
	for p.accept("OR") {
		left = left.Or(p.and())
	}
	return left
}

func (p *parser) and() *Predicate {
	left := p.unary()
	for p.accept("AND") {
		left = left.And(p.unary())
	}
	return left
}

func (p *parser) unary() *Predicate {
	if p.accept("NOT") {
		return Not(p.unary())
	}
	if p.tok == '(' {
		p.advance()
		inner := p.or()
		p.expectRune(')')
		return inner
	}
	return p.comparison()
}

func (p *parser) comparison() *Predicate {
	left := p.operand()
	if p.accept("MATCH") {
		prop, ok := left.(*PropertyExpr)
		if !ok {
			p.fail("MATCH needs a field")
		}
		if p.tok != scanner.String && p.tok != '\'' {
			p.fail("MATCH needs a quoted string, found %q", p.text)
		}
		return prop.Match(p.str())
	}
	op := p.operator()
	return compare(left, op, p.operand())
}

func (p *parser) operator() index.Op {
	first, at := p.tok, p.pos.Offset
	p.advance()
	// The second rune of a two-rune operator follows without spacing.
	two := func(next rune) bool {
		if p.tok == next && p.pos.Offset == at+1 {
			p.advance()
			return true
		}
		return false
	}
	switch first {
	case '=':
		two('=')
		return index.OpEq
	case '!':
		if two('=') {
			return index.OpNe
		}
	case '<':
		switch {
		case two('='):
			return index.OpLe
		case two('>'):
			return index.OpNe
		}
		return index.OpLt
	case '>':
		if two('=') {
			return index.OpGe
		}
		return index.OpGt
	}
	p.fail("expected comparison operator")
	return 0
}

func (p *parser) operand() Expression {
	switch {
	case p.tok == scanner.String || p.tok == '\'':
		return String(p.str())
	case p.tok == scanner.Int || p.tok == scanner.Float || p.tok == '-':
		return p.number()
	case p.keyword("TRUE"):
		p.advance()
		return Bool(true)
	case p.keyword("FALSE"):
		p.advance()
		return Bool(false)
	case p.keyword("NULL"):
		p.advance()
		return Null()
	case p.tok == scanner.Ident && keywords[strings.ToUpper(p.text)]:
		p.fail("unexpected keyword %s", strings.ToUpper(p.text))
	}
	return Property(p.path())
}

func (p *parser) number() Expression {
	neg := false
	if p.tok == '-' {
		neg = true
		p.advance()
	}
	text := p.text
	if neg {
		text = "-" + text
	}
	switch p.tok {
	case scanner.Int:
		p.advance()
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			p.fail("invalid integer %s", text)
		}
		return Int(i)
	case scanner.Float:
		p.advance()
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			p.fail("invalid number %s", text)
		}
		return Float(f)
	}
	p.fail("expected number, found %q", p.text)
	return nil
}

func (p *parser) integer() int {
	if p.tok != scanner.Int {
		p.fail("expected integer, found %q", p.text)
	}
	n, err := strconv.Atoi(p.text)
	if err != nil {
		p.fail("invalid integer %s", p.text)
	}
	p.advance()
	return n
}

// str reads a double-quoted string token or a single-quoted string, where
// '' stands for one quote.
func (p *parser) str() string {
	if p.tok == scanner.String {
		s := p.unquote()
		p.advance()
		return s
	}
	var b strings.Builder
	for {
		r := p.s.Next()
		switch r {
		case scanner.EOF:
			p.fail("unterminated string")
		case '\'':
			if p.s.Peek() == '\'' {
				p.s.Next()
				b.WriteRune('\'')
				continue
			}
			p.advance()
			return b.String()
		default:
			b.WriteRune(r)
		}
	}
}

func (p *parser) unquote() string {
	if p.tok == scanner.Ident {
		return p.text
	}
	s, err := strconv.Unquote(p.text)
	if err != nil {
		p.fail("invalid string %s", p.text)
	}
	return s
}

// path reads a dotted field path or a backquoted one.
func (p *parser) path() string {
	switch p.tok {
	case scanner.RawString:
		s := p.unquote()
		p.advance()
		return s
	case scanner.Ident:
		if keywords[strings.ToUpper(p.text)] {
			p.fail("unexpected keyword %s", strings.ToUpper(p.text))
		}
	default:
		p.fail("expected field, found %q", p.text)
	}
	segs := []string{p.text}
	p.advance()
	for {
		switch {
		case p.tok == '.':
			p.advance()
			if p.tok != scanner.Ident && p.tok != scanner.Int {
				p.fail("expected field segment, found %q", p.text)
			}
			segs = append(segs, p.text)
			p.advance()
		case p.tok == scanner.Float && strings.HasPrefix(p.text, "."):
			// "tags.0" scans as the identifier "tags" and the float ".0".
			rest := strings.TrimPrefix(p.text, ".")
			if _, err := strconv.Atoi(rest); err != nil {
				p.fail("invalid field segment %q", p.text)
			}
			segs = append(segs, rest)
			p.advance()
		default:
			return strings.Join(segs, ".")
		}
	}
}
