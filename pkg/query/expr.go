package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aretw0/humus/pkg/core"
	"github.com/aretw0/humus/pkg/index"
)

// IDPath is the pseudo field path resolving to the document key.
const IDPath = "_id"

// Expression is an operand of a comparison: a field path or a literal.
type Expression interface {
	fmt.Stringer
	operand()
}

// PropertyExpr refers to a (dotted) field path of the document.
type PropertyExpr struct {
	path string
}

// Property builds a reference to a field path, e.g. "address.city".
func Property(path string) *PropertyExpr { return &PropertyExpr{path: path} }

func (p *PropertyExpr) operand()           {}
func (p *PropertyExpr) resultName() string { return p.path }

// Path returns the referenced field path.
func (p *PropertyExpr) Path() string { return p.path }

func (p *PropertyExpr) String() string {
	for _, seg := range strings.Split(p.path, ".") {
		if keywords[strings.ToUpper(seg)] || !isIdent(seg) {
			return "`" + p.path + "`"
		}
	}
	return p.path
}

func (p *PropertyExpr) EqualTo(e Expression) *Predicate { return compare(p, index.OpEq, e) }
func (p *PropertyExpr) NotEqualTo(e Expression) *Predicate {
	return compare(p, index.OpNe, e)
}
func (p *PropertyExpr) LessThan(e Expression) *Predicate { return compare(p, index.OpLt, e) }
func (p *PropertyExpr) LessThanOrEqualTo(e Expression) *Predicate {
	return compare(p, index.OpLe, e)
}
func (p *PropertyExpr) GreaterThan(e Expression) *Predicate { return compare(p, index.OpGt, e) }
func (p *PropertyExpr) GreaterThanOrEqualTo(e Expression) *Predicate {
	return compare(p, index.OpGe, e)
}

// Match is a full-text predicate: every indexed term of text must occur in
// the field. The field needs a full-text index.
func (p *PropertyExpr) Match(text string) *Predicate {
	return &Predicate{kind: predMatch, left: p, text: text}
}

func (p *PropertyExpr) Ascending() Ordering  { return Ordering{Path: p.path} }
func (p *PropertyExpr) Descending() Ordering { return Ordering{Path: p.path, Desc: true} }

// LiteralExpr is a constant operand.
type LiteralExpr struct {
	value core.Value
}

func (l *LiteralExpr) operand() {}

// Value returns the constant.
func (l *LiteralExpr) Value() core.Value { return l.value }

func (l *LiteralExpr) String() string {
	switch l.value.Kind() {
	case core.KindString:
		s, _ := l.value.AsString()
		return strconv.Quote(s)
	case core.KindNull:
		return "null"
	default:
		return l.value.String()
	}
}

func String(s string) Expression      { return &LiteralExpr{value: core.String(s)} }
func Int(i int64) Expression          { return &LiteralExpr{value: core.Int(i)} }
func Float(f float64) Expression      { return &LiteralExpr{value: core.Float(f)} }
func Bool(b bool) Expression          { return &LiteralExpr{value: core.Bool(b)} }
func Null() Expression                { return &LiteralExpr{value: core.Null()} }
func Date(t time.Time) Expression     { return &LiteralExpr{value: core.Date(t)} }
func Literal(v core.Value) Expression { return &LiteralExpr{value: v} }

type predKind int

const (
	predCompare predKind = iota
	predMatch
	predAnd
	predOr
	predNot
)

// Predicate is a node of the boolean filter tree.
type Predicate struct {
	kind  predKind
	op    index.Op
	left  Expression
	right Expression
	text  string
	args  []*Predicate
}

func compare(left Expression, op index.Op, right Expression) *Predicate {
	return &Predicate{kind: predCompare, op: op, left: left, right: right}
}

// Compare builds a comparison between two operands.
func Compare(left Expression, op index.Op, right Expression) *Predicate {
	return compare(left, op, right)
}

func (p *Predicate) And(o *Predicate) *Predicate {
	return &Predicate{kind: predAnd, args: []*Predicate{p, o}}
}

func (p *Predicate) Or(o *Predicate) *Predicate {
	return &Predicate{kind: predOr, args: []*Predicate{p, o}}
}

// Not negates a predicate. A negation needs a positive sibling under AND to
// be bounded; a double negation is as bounded as its operand.
func Not(p *Predicate) *Predicate {
	return &Predicate{kind: predNot, args: []*Predicate{p}}
}

func (p *Predicate) String() string {
	switch p.kind {
	case predCompare:
		return fmt.Sprintf("%s %s %s", p.left, p.op, p.right)
	case predMatch:
		return fmt.Sprintf("%s MATCH %s", p.left, quoteSingle(p.text))
	case predAnd:
		return fmt.Sprintf("(%s AND %s)", p.args[0], p.args[1])
	case predOr:
		return fmt.Sprintf("(%s OR %s)", p.args[0], p.args[1])
	case predNot:
		return fmt.Sprintf("NOT %s", p.args[0])
	}
	return "?"
}

// bounded reports whether the predicate selects from a finite positive set
// of terms rather than from the complement of one. negated is the parity of
// the NOT operators above p.
func (p *Predicate) bounded(negated bool) bool {
	switch p.kind {
	case predCompare, predMatch:
		return !negated
	case predAnd:
		if negated {
			return p.args[0].bounded(negated) && p.args[1].bounded(negated)
		}
		return p.args[0].bounded(negated) || p.args[1].bounded(negated)
	case predOr:
		if negated {
			return p.args[0].bounded(negated) || p.args[1].bounded(negated)
		}
		return p.args[0].bounded(negated) && p.args[1].bounded(negated)
	default:
		return p.args[0].bounded(!negated)
	}
}

// normalize validates the tree and returns a copy where every comparison
// has a property on its left side.
func (p *Predicate) normalize() (*Predicate, error) {
	if p == nil {
		return nil, fmt.Errorf("empty predicate: %w", core.ErrInvalidQuery)
	}
	out := *p
	switch p.kind {
	case predCompare:
		_, lp := p.left.(*PropertyExpr)
		_, rp := p.right.(*PropertyExpr)
		switch {
		case p.left == nil || p.right == nil:
			return nil, fmt.Errorf("comparison is missing an operand: %w", core.ErrInvalidQuery)
		case !lp && !rp:
			return nil, fmt.Errorf("comparison %s has no field: %w", p, core.ErrInvalidQuery)
		case !lp:
			out.left, out.right, out.op = p.right, p.left, flip(p.op)
		}
	case predMatch:
		if _, ok := p.left.(*PropertyExpr); !ok {
			return nil, fmt.Errorf("MATCH needs a field: %w", core.ErrInvalidQuery)
		}
	default:
		out.args = make([]*Predicate, len(p.args))
		for i, a := range p.args {
			n, err := a.normalize()
			if err != nil {
				return nil, err
			}
			out.args[i] = n
		}
	}
	return &out, nil
}

func flip(op index.Op) index.Op {
	switch op {
	case index.OpLt:
		return index.OpGt
	case index.OpLe:
		return index.OpGe
	case index.OpGt:
		return index.OpLt
	case index.OpGe:
		return index.OpLe
	}
	return op
}

// fieldValue resolves an operand against a document.
func fieldValue(doc *core.Document, e Expression) (core.Value, bool) {
	switch x := e.(type) {
	case *LiteralExpr:
		return x.value, true
	case *PropertyExpr:
		if x.path == IDPath {
			return core.String(doc.ID), true
		}
		return doc.Lookup(x.path)
	}
	return core.Value{}, false
}

// holds evaluates a comparison the way an index seek followed by the
// row-level check does: both sides must exist and belong to the same value
// family.
func holds(op index.Op, a, b core.Value) bool {
	if !core.Comparable(a, b) {
		return false
	}
	if op == index.OpEq {
		return core.Equal(a, b)
	}
	if op == index.OpNe {
		return !core.Equal(a, b)
	}
	c := core.Compare(a, b)
	switch op {
	case index.OpLt:
		return c < 0
	case index.OpLe:
		return c <= 0
	case index.OpGt:
		return c > 0
	case index.OpGe:
		return c >= 0
	}
	return false
}

func quoteSingle(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
