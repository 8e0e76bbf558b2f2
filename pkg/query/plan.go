package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/aretw0/humus/pkg/core"
	"github.com/aretw0/humus/pkg/index"
)

// Source is a store queries can run against.
type Source interface {
	// View pins a consistent snapshot of documents and indexes.
	View(ctx context.Context) (index.View, error)
	// Catalog returns the current index definitions.
	Catalog() *index.Catalog
}

type sortMode int

const (
	sortKey sortMode = iota
	sortIndex
	sortRelevance
	sortExplicit
)

// Plan is a compiled query bound to a source.
type Plan struct {
	src     Source
	query   Query
	where   *Predicate
	sort    sortMode
	explain []string
}

// Compile validates q against the source's index catalog and chooses the
// access path.
//
// It fails with core.ErrUnboundedQuery when the predicate only negates,
// with core.ErrMissingIndex when a MATCH field or the index source has no
// suitable index, and with core.ErrInvalidQuery for malformed queries.
func Compile(src Source, q *Query) (*Plan, error) {
	if q == nil {
		return nil, fmt.Errorf("nil query: %w", core.ErrInvalidQuery)
	}
	if q.offset < 0 {
		return nil, fmt.Errorf("negative offset: %w", core.ErrInvalidQuery)
	}
	p := &Plan{src: src, query: *q}
	if len(p.query.results) == 0 {
		p.query.results = []Result{All()}
	}
	cat := src.Catalog()

	if name := q.source.index; name != "" {
		spec, ok := cat.Spec(name)
		if !ok {
			return nil, fmt.Errorf("index %q: %w", name, core.ErrMissingIndex)
		}
		p.explain = append(p.explain, fmt.Sprintf("SOURCE %s (%s)", q.source, spec.Kind))
	} else {
		p.explain = append(p.explain, "SOURCE database")
	}

	hasMatch := false
	if q.where != nil {
		where, err := q.where.normalize()
		if err != nil {
			return nil, err
		}
		if !where.bounded(false) {
			return nil, fmt.Errorf("%s: %w", where, core.ErrUnboundedQuery)
		}
		var access []string
		indexed, err := describe(cat, where, &access, &hasMatch)
		if err != nil {
			return nil, err
		}
		if indexed {
			p.explain = append(p.explain, access...)
		} else {
			p.explain = append(p.explain, "SCAN")
		}
		p.explain = append(p.explain, "FILTER "+where.String())
		p.where = where
	} else {
		p.explain = append(p.explain, "SCAN")
	}

	switch {
	case len(q.order) > 0:
		p.sort = sortExplicit
		var terms []string
		for _, o := range q.order {
			terms = append(terms, o.String())
		}
		p.explain = append(p.explain, "ORDER BY "+strings.Join(terms, ", "))
	case hasMatch:
		p.sort = sortRelevance
		p.explain = append(p.explain, "ORDER BY relevance")
	case q.source.index != "":
		if spec, _ := cat.Spec(q.source.index); spec.Kind == index.KindValue {
			p.sort = sortIndex
			p.explain = append(p.explain, "ORDER BY index")
		}
	}
	if q.limited || q.offset > 0 {
		limit := "ALL"
		if q.limited {
			limit = fmt.Sprint(q.limit)
		}
		p.explain = append(p.explain, fmt.Sprintf("LIMIT %s OFFSET %d", limit, q.offset))
	}
	return p, nil
}

// describe reports whether the predicate yields a known candidate set under
// cat and appends one access line per index operation.
func describe(cat *index.Catalog, p *Predicate, access *[]string, hasMatch *bool) (bool, error) {
	switch p.kind {
	case predCompare:
		prop := p.left.(*PropertyExpr)
		lit, ok := p.right.(*LiteralExpr)
		if !ok {
			return false, nil
		}
		spec, ok := cat.ValueFor(prop.path)
		if !ok || prop.path == IDPath {
			return false, nil
		}
		if _, ok := index.EncodeValue(nil, lit.value); !ok {
			return false, nil
		}
		*access = append(*access, fmt.Sprintf("SEEK %s %s %s", spec.Name, p.op, lit))
		return true, nil
	case predMatch:
		path := p.left.(*PropertyExpr).path
		spec, ok := cat.FullTextFor(path)
		if !ok {
			return false, fmt.Errorf("no full-text index on %q: %w", path, core.ErrMissingIndex)
		}
		*hasMatch = true
		*access = append(*access, fmt.Sprintf("MATCH %s %s", spec.Name, quoteSingle(p.text)))
		return true, nil
	case predAnd:
		l, err := describe(cat, p.args[0], access, hasMatch)
		if err != nil {
			return false, err
		}
		r, err := describe(cat, p.args[1], access, hasMatch)
		return l || r, err
	case predOr:
		l, err := describe(cat, p.args[0], access, hasMatch)
		if err != nil {
			return false, err
		}
		r, err := describe(cat, p.args[1], access, hasMatch)
		return l && r, err
	default:
		var ignored bool
		_, err := describe(cat, p.args[0], access, &ignored)
		return false, err
	}
}

// Explain describes the access path, one step per line.
func (p *Plan) Explain() string {
	return strings.Join(p.explain, "\n")
}

// Run executes the plan over a snapshot taken now. Writes committed after
// Run returns are not visible to the result set.
func (p *Plan) Run(ctx context.Context) (*ResultSet, error) {
	view, err := p.src.View(ctx)
	if err != nil {
		return nil, err
	}
	rs, err := p.open(ctx, view)
	if err != nil {
		view.Release()
		return nil, err
	}
	return rs, nil
}

// Run compiles and runs q.
func Run(ctx context.Context, src Source, q *Query) (*ResultSet, error) {
	plan, err := Compile(src, q)
	if err != nil {
		return nil, err
	}
	return plan.Run(ctx)
}

// execution holds the per-run state of candidate selection.
type execution struct {
	view     index.View
	cat      *index.Catalog
	universe *roaring.Bitmap
	scores   map[uint32]float64
}

func (p *Plan) open(ctx context.Context, view index.View) (*ResultSet, error) {
	x := &execution{view: view, cat: view.Catalog(), scores: make(map[uint32]float64)}

	var sourceSpec index.Spec
	if name := p.query.source.index; name != "" {
		spec, ok := x.cat.Spec(name)
		if !ok {
			return nil, fmt.Errorf("index %q: %w", name, core.ErrMissingIndex)
		}
		sourceSpec = spec
		members, err := index.Members(view, spec)
		if err != nil {
			return nil, err
		}
		x.universe = members
	} else {
		universe, err := view.Universe()
		if err != nil {
			return nil, err
		}
		x.universe = universe
	}

	candidates := x.universe
	if p.where != nil {
		c, err := x.candidates(p.where, false)
		if err != nil {
			return nil, err
		}
		if c.known {
			candidates = roaring.And(c.rows, x.universe)
		}
	}

	rs := &ResultSet{ctx: ctx, plan: p, view: view, exec: x}
	switch p.sort {
	case sortIndex:
		rows, err := index.Rows(view, sourceSpec)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if candidates.Contains(row) {
				rs.pending = append(rs.pending, hit{row: row})
			}
		}
	case sortRelevance, sortExplicit:
		if err := rs.materialize(candidates); err != nil {
			return nil, err
		}
	default:
		if err := rs.byKey(candidates); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

// candidateSet is a superset of the matching rows when known. exact marks
// sets that are precisely the matching rows, the only ones that may be
// complemented.
type candidateSet struct {
	rows  *roaring.Bitmap
	known bool
	exact bool
}

var unknown = candidateSet{}

func (x *execution) candidates(p *Predicate, negated bool) (candidateSet, error) {
	switch p.kind {
	case predCompare:
		prop := p.left.(*PropertyExpr)
		lit, ok := p.right.(*LiteralExpr)
		if !ok {
			return unknown, nil
		}
		spec, ok := x.cat.ValueFor(prop.path)
		if !ok || prop.path == IDPath {
			return unknown, nil
		}
		rows, ok, err := index.Seek(x.view, spec, p.op, lit.value)
		if err != nil || !ok {
			return unknown, err
		}
		return candidateSet{rows: rows, known: true, exact: p.op == index.OpEq && exactKey(lit.value)}, nil

	case predMatch:
		path := p.left.(*PropertyExpr).path
		spec, ok := x.cat.FullTextFor(path)
		if !ok {
			return unknown, fmt.Errorf("no full-text index on %q: %w", path, core.ErrMissingIndex)
		}
		rows, scores, err := index.Match(x.view, spec, x.cat.Tokenizer(spec.Name), p.text)
		if err != nil {
			return unknown, err
		}
		if !negated {
			for row, s := range scores {
				x.scores[row] += s
			}
		}
		return candidateSet{rows: rows, known: true, exact: true}, nil

	case predAnd:
		l, err := x.candidates(p.args[0], negated)
		if err != nil {
			return unknown, err
		}
		r, err := x.candidates(p.args[1], negated)
		if err != nil {
			return unknown, err
		}
		switch {
		case l.known && r.known:
			return candidateSet{rows: roaring.And(l.rows, r.rows), known: true, exact: l.exact && r.exact}, nil
		case l.known:
			return candidateSet{rows: l.rows, known: true}, nil
		case r.known:
			return candidateSet{rows: r.rows, known: true}, nil
		}
		return unknown, nil

	case predOr:
		l, err := x.candidates(p.args[0], negated)
		if err != nil {
			return unknown, err
		}
		r, err := x.candidates(p.args[1], negated)
		if err != nil {
			return unknown, err
		}
		if l.known && r.known {
			return candidateSet{rows: roaring.Or(l.rows, r.rows), known: true, exact: l.exact && r.exact}, nil
		}
		return unknown, nil

	default:
		c, err := x.candidates(p.args[0], !negated)
		if err != nil || !c.known || !c.exact {
			return unknown, err
		}
		return candidateSet{rows: roaring.AndNot(x.universe, c.rows), known: true, exact: true}, nil
	}
}

// exactKey reports whether equal encodings imply equal values. Integers
// beyond the float64 mantissa share encodings with their neighbours.
func exactKey(v core.Value) bool {
	if v.Kind() != core.KindInt {
		return true
	}
	i, _ := v.AsInt()
	return i > -(1<<53) && i < 1<<53
}

// eval is the row-level filter.
func (x *execution) eval(p *Predicate, doc *core.Document) bool {
	switch p.kind {
	case predCompare:
		a, ok := fieldValue(doc, p.left)
		if !ok {
			return false
		}
		b, ok := fieldValue(doc, p.right)
		if !ok {
			return false
		}
		return holds(p.op, a, b)
	case predMatch:
		path := p.left.(*PropertyExpr).path
		spec, ok := x.cat.FullTextFor(path)
		if !ok {
			return false
		}
		text, ok := doc.Get(path).AsString()
		return ok && index.Matches(x.cat.Tokenizer(spec.Name), text, p.text)
	case predAnd:
		return x.eval(p.args[0], doc) && x.eval(p.args[1], doc)
	case predOr:
		return x.eval(p.args[0], doc) || x.eval(p.args[1], doc)
	default:
		return !x.eval(p.args[0], doc)
	}
}
