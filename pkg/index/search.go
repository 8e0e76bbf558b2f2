package index

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/aretw0/humus/pkg/core"
)

// Op is a comparison served by a value index.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

func (o Op) String() string {
	return [...]string{"=", "!=", "<", "<=", ">", ">="}[o]
}

// k1 is the term-frequency saturation constant of the BM25 family.
const k1 = 1.2

// Score is the relevance contribution of a term occurring tf times.
// It is strictly increasing in tf.
func Score(tf int) float64 {
	f := float64(tf)
	return f * (k1 + 1) / (f + k1)
}

// Seek returns the rows whose leading indexed value satisfies op against v.
// Strict bounds are widened to inclusive ones; callers re-check every row.
// ok is false when v cannot be served by the index (arrays, maps, blobs).
func Seek(r Reader, spec Spec, op Op, v core.Value) (*roaring.Bitmap, bool, error) {
	if spec.Kind != KindValue {
		return nil, false, fmt.Errorf("index %q is not a value index", spec.Name)
	}
	enc, ok := EncodeValue(nil, v)
	if !ok {
		return nil, false, nil
	}
	base := []byte(valuePrefix + spec.Name + "\x00")
	eq := append(append([]byte(nil), base...), enc...)
	start, limit := familyBounds(v)
	famStart := append(append([]byte(nil), base...), start)
	famLimit := append(append([]byte(nil), base...), limit)

	var rng *util.Range
	switch op {
	case OpEq:
		rng = util.BytesPrefix(eq)
	case OpLt, OpLe:
		rng = &util.Range{Start: famStart, Limit: prefixSuccessor(eq)}
	case OpGt, OpGe:
		rng = &util.Range{Start: eq, Limit: famLimit}
	case OpNe:
		rng = &util.Range{Start: famStart, Limit: famLimit}
	default:
		return nil, false, fmt.Errorf("unsupported index operator %d", op)
	}

	bm := roaring.New()
	it := r.NewIterator(rng, nil)
	defer it.Release()
	for it.Next() {
		row, ok := decodeRow(it.Value())
		if !ok {
			return nil, false, fmt.Errorf("index %q has a malformed row entry: %w", spec.Name, core.ErrIndexCorrupted)
		}
		bm.Add(row)
	}
	return bm, true, it.Error()
}

// Rows returns every row of a value index in index order.
func Rows(r Reader, spec Spec) ([]uint32, error) {
	if spec.Kind != KindValue {
		return nil, fmt.Errorf("index %q is not a value index", spec.Name)
	}
	var out []uint32
	it := r.NewIterator(util.BytesPrefix([]byte(valuePrefix+spec.Name+"\x00")), nil)
	defer it.Release()
	for it.Next() {
		row, ok := decodeRow(it.Value())
		if !ok {
			return nil, fmt.Errorf("index %q has a malformed row entry: %w", spec.Name, core.ErrIndexCorrupted)
		}
		out = append(out, row)
	}
	return out, it.Error()
}

// Match returns the rows containing every indexed term of text, with their
// summed term scores. Text without indexed terms matches nothing.
func Match(r Reader, spec Spec, tok *Tokenizer, text string) (*roaring.Bitmap, map[uint32]float64, error) {
	if spec.Kind != KindFullText {
		return nil, nil, fmt.Errorf("index %q is not a full-text index: %w", spec.Name, core.ErrMissingIndex)
	}
	terms := tok.Terms(text)
	result := roaring.New()
	scores := make(map[uint32]float64)
	for i, term := range terms {
		rows := roaring.New()
		it := r.NewIterator(util.BytesPrefix([]byte(termPrefix+spec.Name+"\x00"+term+"\x00")), nil)
		for it.Next() {
			var p Posting
			if err := cbor.Unmarshal(it.Value(), &p); err != nil {
				it.Release()
				return nil, nil, fmt.Errorf("index %q has a malformed posting: %w", spec.Name, core.ErrIndexCorrupted)
			}
			rows.Add(p.Row)
			scores[p.Row] += Score(p.TF)
		}
		err := it.Error()
		it.Release()
		if err != nil {
			return nil, nil, err
		}
		if i == 0 {
			result = rows
		} else {
			result.And(rows)
		}
		if result.IsEmpty() {
			break
		}
	}
	for row := range scores {
		if !result.Contains(row) {
			delete(scores, row)
		}
	}
	return result, scores, nil
}

// Matches reports whether text contains every indexed term of query.
// It is the row-level form of Match.
func Matches(tok *Tokenizer, text, query string) bool {
	terms := tok.Terms(query)
	if len(terms) == 0 {
		return false
	}
	have := make(map[string]struct{})
	for _, t := range tok.Tokens(text) {
		have[t.Term] = struct{}{}
	}
	for _, t := range terms {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}

// Members returns every row holding at least one entry in the index.
func Members(r Reader, spec Spec) (*roaring.Bitmap, error) {
	bm := roaring.New()
	if spec.Kind == KindValue {
		rows, err := Rows(r, spec)
		if err != nil {
			return nil, err
		}
		bm.AddMany(rows)
		return bm, nil
	}
	it := r.NewIterator(util.BytesPrefix([]byte(termPrefix+spec.Name+"\x00")), nil)
	defer it.Release()
	for it.Next() {
		var p Posting
		if err := cbor.Unmarshal(it.Value(), &p); err != nil {
			return nil, fmt.Errorf("index %q has a malformed posting: %w", spec.Name, core.ErrIndexCorrupted)
		}
		bm.Add(p.Row)
	}
	return bm, it.Error()
}

// Covers reports whether doc has entries in the index. It is the row-level
// form of Members.
func (c *Catalog) Covers(spec Spec, doc *core.Document) bool {
	switch spec.Kind {
	case KindValue:
		_, ok := encodeKey(spec, doc)
		return ok
	case KindFullText:
		text, ok := doc.Get(spec.Paths[0]).AsString()
		return ok && len(c.Tokenizer(spec.Name).Tokens(text)) > 0
	}
	return false
}
