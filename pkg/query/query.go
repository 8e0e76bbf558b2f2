// Package query compiles declarative queries over a store snapshot.
//
// Queries are built with the fluent API or parsed from text:
//
//	q := query.Select(query.All()).
//		From(query.Database()).
//		Where(query.Property("type").EqualTo(query.String("user")))
//
//	q, err := query.Parse(`SELECT _id, name FROM database WHERE body MATCH 'buy' LIMIT 10`)
//
// Compilation picks index seeks where the catalog allows it and combines
// their row sets; every candidate is then re-checked against the predicate,
// so a query returns the same rows with or without indexes.
package query

import (
	"fmt"
	"strings"
)

// Result is a projected column.
type Result interface {
	resultName() string
}

type allResult struct{}

func (allResult) resultName() string { return "*" }

type idResult struct{}

func (idResult) resultName() string { return IDPath }

// All selects the whole document.
func All() Result { return allResult{} }

// DocID selects the document key.
func DocID() Result { return idResult{} }

// DataSource is what a query reads from.
type DataSource struct {
	index string
}

// Database reads every live document.
func Database() DataSource { return DataSource{} }

// Index reads the documents present in the named index, in index order.
func Index(name string) DataSource { return DataSource{index: name} }

// IndexName returns the index of an index source, "" for the database.
func (d DataSource) IndexName() string { return d.index }

func (d DataSource) String() string {
	if d.index == "" {
		return "database"
	}
	return fmt.Sprintf("INDEX(%s)", d.index)
}

// Ordering is one ORDER BY term.
type Ordering struct {
	Path string
	Desc bool
}

func (o Ordering) String() string {
	p := Property(o.Path).String()
	if o.Desc {
		return p + " DESC"
	}
	return p
}

// Query is a declarative query. The zero value selects every document.
type Query struct {
	results []Result
	source  DataSource
	where   *Predicate
	order   []Ordering
	limit   int
	limited bool
	offset  int
}

// Select starts a query projecting the given columns (the whole document
// when none are given).
func Select(results ...Result) *Query {
	if len(results) == 0 {
		results = []Result{All()}
	}
	return &Query{results: results}
}

func (q *Query) From(src DataSource) *Query {
	q.source = src
	return q
}

func (q *Query) Where(p *Predicate) *Query {
	q.where = p
	return q
}

func (q *Query) OrderBy(orderings ...Ordering) *Query {
	q.order = append(q.order, orderings...)
	return q
}

// Limit caps the number of rows; a negative value removes the cap.
func (q *Query) Limit(n int) *Query {
	q.limit, q.limited = n, n >= 0
	return q
}

func (q *Query) Offset(n int) *Query {
	q.offset = n
	return q
}

// String renders the query in the syntax accepted by Parse.
func (q *Query) String() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	for i, r := range q.results {
		if i > 0 {
			b.WriteString(", ")
		}
		if p, ok := r.(*PropertyExpr); ok {
			b.WriteString(p.String())
		} else {
			b.WriteString(r.resultName())
		}
	}
	b.WriteString(" FROM ")
	b.WriteString(q.source.String())
	if q.where != nil {
		b.WriteString(" WHERE ")
		b.WriteString(q.where.String())
	}
	if len(q.order) > 0 {
		b.WriteString(" ORDER BY ")
		for i, o := range q.order {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(o.String())
		}
	}
	if q.limited {
		fmt.Fprintf(&b, " LIMIT %d", q.limit)
	}
	if q.offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", q.offset)
	}
	return b.String()
}
