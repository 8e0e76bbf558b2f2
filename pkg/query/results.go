package query

import (
	"cmp"
	"context"
	"errors"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/btree"

	"github.com/aretw0/humus/pkg/core"
	"github.com/aretw0/humus/pkg/index"
)

// Row is one query result.
type Row struct {
	ID    string
	Rev   core.RevID
	Score float64 // relevance, set by MATCH predicates

	columns []string
	values  map[string]core.Value
	doc     *core.Document
}

// Columns lists the projected columns in selection order ("*" for the
// whole document).
func (r *Row) Columns() []string { return r.columns }

// Document returns the matching document when the query selects All.
func (r *Row) Document() *core.Document { return r.doc }

// Get returns a projected column or, for All queries, a document field.
func (r *Row) Get(column string) (core.Value, bool) {
	if v, ok := r.values[column]; ok {
		return v, true
	}
	if r.doc != nil {
		return r.doc.Lookup(column)
	}
	return core.Value{}, false
}

// Map renders the row as plain Go values. Whole documents are flattened
// with their "_id" and "_rev".
func (r *Row) Map() map[string]any {
	out := make(map[string]any, len(r.values)+2)
	if r.doc != nil {
		if fields, ok := r.doc.Body().AsMap(); ok {
			for k, v := range fields {
				out[k] = v.Interface()
			}
		}
		out[IDPath] = r.ID
		out["_rev"] = string(r.Rev)
	}
	for k, v := range r.values {
		out[k] = v.Interface()
	}
	return out
}

type hit struct {
	row     uint32
	key     string
	doc     *core.Document // loaded and filtered when set
	score   float64
	ordered []orderValue
}

type orderValue struct {
	value   core.Value
	present bool
}

// ResultSet iterates the rows of a running plan. It is lazy, finite and
// not restartable; Close releases the snapshot and is called automatically
// once the rows are exhausted.
type ResultSet struct {
	ctx     context.Context
	plan    *Plan
	view    index.View
	exec    *execution
	pending []hit
	pos     int
	skipped int
	emitted int
	row     *Row
	err     error
	closed  bool
}

// Next advances to the next row.
func (rs *ResultSet) Next() bool {
	if rs.closed || rs.err != nil {
		return false
	}
	q := &rs.plan.query
	for rs.pos < len(rs.pending) {
		if q.limited && rs.emitted >= q.limit {
			break
		}
		if err := rs.ctx.Err(); err != nil {
			rs.fail(err)
			return false
		}
		h := &rs.pending[rs.pos]
		rs.pos++
		if h.doc == nil {
			doc, ok, err := rs.load(h)
			if err != nil {
				rs.fail(err)
				return false
			}
			if !ok {
				continue
			}
			h.doc = doc
		}
		if rs.skipped < q.offset {
			rs.skipped++
			continue
		}
		rs.row = rs.project(h)
		rs.emitted++
		return true
	}
	rs.row = nil
	_ = rs.Close()
	return false
}

// Row returns the current row.
func (rs *ResultSet) Row() *Row { return rs.row }

// Err returns the error that stopped the iteration, if any.
func (rs *ResultSet) Err() error { return rs.err }

// Close releases the snapshot. It is safe to call more than once.
func (rs *ResultSet) Close() error {
	if !rs.closed {
		rs.closed = true
		rs.view.Release()
	}
	return nil
}

// All drains the remaining rows.
func (rs *ResultSet) All() ([]*Row, error) {
	var out []*Row
	for rs.Next() {
		out = append(out, rs.Row())
	}
	return out, rs.Err()
}

func (rs *ResultSet) fail(err error) {
	rs.err = err
	rs.row = nil
	_ = rs.Close()
}

// load fetches the document of h and applies the row-level filter.
func (rs *ResultSet) load(h *hit) (*core.Document, bool, error) {
	if h.key == "" {
		key, err := rs.view.Key(h.row)
		if err != nil {
			return nil, false, err
		}
		h.key = key
	}
	doc, err := rs.view.Document(h.key)
	if errors.Is(err, core.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if w := rs.plan.where; w != nil && !rs.exec.eval(w, doc) {
		return nil, false, nil
	}
	return doc, true, nil
}

func (rs *ResultSet) project(h *hit) *Row {
	row := &Row{
		ID:     h.doc.ID,
		Rev:    h.doc.Rev,
		Score:  rs.exec.scores[h.row],
		values: make(map[string]core.Value),
	}
	for _, r := range rs.plan.query.results {
		name := r.resultName()
		row.columns = append(row.columns, name)
		switch x := r.(type) {
		case allResult:
			row.doc = h.doc
		case idResult:
			row.values[name] = core.String(h.doc.ID)
		case *PropertyExpr:
			if v, ok := fieldValue(h.doc, x); ok {
				row.values[name] = v
			} else {
				row.values[name] = core.Null()
			}
		}
	}
	return row
}

// byKey queues the candidates in key order. Documents are loaded lazily.
func (rs *ResultSet) byKey(candidates *roaring.Bitmap) error {
	rs.pending = make([]hit, 0, candidates.GetCardinality())
	it := candidates.Iterator()
	for it.HasNext() {
		row := it.Next()
		key, err := rs.view.Key(row)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		rs.pending = append(rs.pending, hit{row: row, key: key})
	}
	slices.SortFunc(rs.pending, func(a, b hit) int { return cmp.Compare(a.key, b.key) })
	return nil
}

// materialize loads and filters every candidate, then orders the matches
// with a btree: by the ORDER BY terms, or by descending relevance. Ties are
// broken by key.
func (rs *ResultSet) materialize(candidates *roaring.Bitmap) error {
	order := rs.plan.query.order
	less := func(a, b *hit) bool {
		if rs.plan.sort == sortRelevance && a.score != b.score {
			return a.score > b.score
		}
		for i, o := range order {
			if c := compareOrder(a.ordered[i], b.ordered[i]); c != 0 {
				if o.Desc {
					return c > 0
				}
				return c < 0
			}
		}
		return a.key < b.key
	}
	tree := btree.NewG[*hit](32, less)

	it := candidates.Iterator()
	for it.HasNext() {
		if err := rs.ctx.Err(); err != nil {
			return err
		}
		h := &hit{row: it.Next()}
		doc, ok, err := rs.load(h)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		h.doc = doc
		h.score = rs.exec.scores[h.row]
		for _, o := range order {
			v, ok := fieldValue(doc, Property(o.Path))
			h.ordered = append(h.ordered, orderValue{value: v, present: ok})
		}
		tree.ReplaceOrInsert(h)
	}

	rs.pending = make([]hit, 0, tree.Len())
	tree.Ascend(func(h *hit) bool {
		rs.pending = append(rs.pending, *h)
		return true
	})
	return nil
}

// compareOrder sorts missing fields first, then by value collation.
func compareOrder(a, b orderValue) int {
	switch {
	case !a.present && !b.present:
		return 0
	case !a.present:
		return -1
	case !b.present:
		return 1
	}
	return core.Compare(a.value, b.value)
}
