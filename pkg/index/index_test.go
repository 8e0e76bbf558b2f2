package index_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/aretw0/humus/pkg/core"
	"github.com/aretw0/humus/pkg/index"
)

func openMem(t *testing.T) *leveldb.DB {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// fixture keeps documents by row so a Source can replay them.
type fixture struct {
	db   *leveldb.DB
	m    *index.Manager
	docs map[uint32]*core.Document
}

func newFixture(t *testing.T) *fixture {
	return &fixture{db: openMem(t), m: index.NewManager(nil, nil), docs: map[uint32]*core.Document{}}
}

func (f *fixture) source(yield func(key string, row uint32, doc *core.Document) error) error {
	for row := uint32(1); row <= uint32(len(f.docs)); row++ {
		if d, ok := f.docs[row]; ok {
			if err := yield(d.ID, row, d); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *fixture) define(t *testing.T, spec index.Spec) {
	t.Helper()
	f.m.Lock()
	defer f.m.Unlock()
	b := new(leveldb.Batch)
	_, err := f.m.Define(b, f.db, spec, f.source)
	require.NoError(t, err)
	require.NoError(t, f.db.Write(b, nil))
}

// put writes the index mutations for a document change and returns how
// many entries changed.
func (f *fixture) put(t *testing.T, row uint32, doc *core.Document) int {
	t.Helper()
	f.m.RLock()
	defer f.m.RUnlock()
	b := new(leveldb.Batch)
	n, err := f.m.Update(b, f.db, doc.ID, row, f.docs[row], doc)
	require.NoError(t, err)
	require.NoError(t, f.db.Write(b, nil))
	f.docs[row] = doc
	return n
}

func (f *fixture) count(t *testing.T, prefix string) int {
	t.Helper()
	it := f.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	require.NoError(t, it.Error())
	return n
}

func TestEncodeValue_Order(t *testing.T) {
	values := []core.Value{
		core.Null(),
		core.Bool(false),
		core.Bool(true),
		core.Float(-1e9),
		core.Int(-2),
		core.Float(-0.5),
		core.Int(0),
		core.Float(0.25),
		core.Int(3),
		core.Int(1 << 40),
		core.String(""),
		core.String("a"),
		core.String("a\x00"),
		core.String("ab"),
		core.String("b"),
	}
	var prev []byte
	for i, v := range values {
		enc, ok := index.EncodeValue(nil, v)
		require.True(t, ok, "value %v must be indexable", v)
		if i > 0 {
			assert.Negative(t, bytes.Compare(prev, enc), "%v must sort before %v", values[i-1], v)
		}
		prev = enc
	}

	a, _ := index.EncodeValue(nil, core.Int(2))
	b, _ := index.EncodeValue(nil, core.Float(2))
	assert.Equal(t, a, b, "ints and floats share the number encoding")

	_, ok := index.EncodeValue(nil, core.Array(core.Int(1)))
	assert.False(t, ok)
}

func TestTokenizer(t *testing.T) {
	tok := index.NewTokenizer(index.TokenizerOptions{}, index.DefaultStopWords)
	tokens := tok.Tokens("Buy the milk, and BUY bread!")
	var terms []string
	for _, tk := range tokens {
		terms = append(terms, tk.Term)
	}
	assert.Equal(t, []string{"buy", "milk", "buy", "bread"}, terms)
	assert.Equal(t, 4, tokens[2].Position)
	assert.Equal(t, []string{"buy", "milk", "bread"}, tok.Terms("Buy the milk, and BUY bread!"))

	custom := index.NewTokenizer(index.TokenizerOptions{StopWords: []string{"milk"}}, index.DefaultStopWords)
	assert.Equal(t, []string{"buy", "the", "bread"}, custom.Terms("buy the milk bread"))
}

func TestScore_Monotonic(t *testing.T) {
	for tf := 1; tf < 50; tf++ {
		assert.Less(t, index.Score(tf), index.Score(tf+1))
	}
}

func TestMatch_FourTasks(t *testing.T) {
	f := newFixture(t)
	f.define(t, index.FullTextIndex("task-text", "task", index.TokenizerOptions{}))
	spec, _ := f.m.Spec("task-text")

	tasks := []string{"buy groceries", "play chess", "book travels", "buy museum tickets"}
	for i, task := range tasks {
		f.put(t, uint32(i+1), core.NewDocumentWithID(fmt.Sprintf("task%d", i+1)).Set("task", task))
	}

	rows, scores, err := index.Match(f.db, spec, f.m.Tokenizer(spec.Name), "buy")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint32{1, 4}, rows.ToArray())
	assert.Len(t, scores, 2)
	assert.Equal(t, scores[1], scores[4])

	rows, _, err = index.Match(f.db, spec, f.m.Tokenizer(spec.Name), "buy tickets")
	require.NoError(t, err)
	assert.Equal(t, []uint32{4}, rows.ToArray())

	rows, _, err = index.Match(f.db, spec, f.m.Tokenizer(spec.Name), "the")
	require.NoError(t, err)
	assert.True(t, rows.IsEmpty(), "stop words match nothing")
}

func TestUpdate_Incremental(t *testing.T) {
	f := newFixture(t)
	f.define(t, index.FullTextIndex("notes", "text", index.TokenizerOptions{}))
	spec, _ := f.m.Spec("notes")
	tok := f.m.Tokenizer(spec.Name)

	doc := core.NewDocumentWithID("n1").Set("text", "fresh apples from the market")
	assert.Equal(t, 4, f.put(t, 1, doc))

	next := doc.Clone().Set("text", "fresh oranges from the market")
	assert.Equal(t, 2, f.put(t, 1, next), "only the changed term is rewritten")

	rows, _, err := index.Match(f.db, spec, tok, "apples")
	require.NoError(t, err)
	assert.True(t, rows.IsEmpty())

	rows, _, err = index.Match(f.db, spec, tok, "oranges")
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, rows.ToArray())

	f.m.RLock()
	b := new(leveldb.Batch)
	_, err = f.m.Update(b, f.db, "n1", 1, next, nil)
	f.m.RUnlock()
	require.NoError(t, err)
	require.NoError(t, f.db.Write(b, nil))
	assert.Zero(t, f.count(t, "t/notes\x00"))
}

func TestUpdate_DetectsLostEntry(t *testing.T) {
	f := newFixture(t)
	f.define(t, index.ValueIndex("by-type", "type"))
	doc := core.NewDocumentWithID("u1").Set("type", "user")
	f.put(t, 1, doc)

	it := f.db.NewIterator(util.BytesPrefix([]byte("x/by-type\x00")), nil)
	require.True(t, it.Next())
	key := bytes.Clone(it.Key())
	it.Release()
	require.NoError(t, f.db.Delete(key, nil))

	f.m.RLock()
	defer f.m.RUnlock()
	_, err := f.m.Update(new(leveldb.Batch), f.db, "u1", 1, doc, doc.Clone().Set("type", "admin"))
	assert.ErrorIs(t, err, core.ErrIndexCorrupted)
}

func TestSeek(t *testing.T) {
	f := newFixture(t)
	for i, age := range []any{10, 20, 30, "thirty", nil, 20.5} {
		f.put(t, uint32(i+1), core.NewDocumentWithID(fmt.Sprintf("p%d", i+1)).Set("age", age))
	}
	f.put(t, 7, core.NewDocumentWithID("p7").Set("name", "no age"))
	f.define(t, index.ValueIndex("by-age", "age"))
	spec, _ := f.m.Spec("by-age")

	cases := []struct {
		op   index.Op
		v    core.Value
		want []uint32
	}{
		{index.OpEq, core.Int(20), []uint32{2}},
		{index.OpGe, core.Int(20), []uint32{2, 3, 6}},
		{index.OpLe, core.Float(20), []uint32{1, 2}},
		{index.OpNe, core.Int(20), []uint32{1, 2, 3, 6}},
		{index.OpEq, core.String("thirty"), []uint32{4}},
		{index.OpEq, core.Null(), []uint32{5}},
	}
	for _, tc := range cases {
		t.Run(tc.op.String()+" "+tc.v.String(), func(t *testing.T) {
			rows, ok, err := index.Seek(f.db, spec, tc.op, tc.v)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tc.want, rows.ToArray())
		})
	}

	ordered, err := index.Rows(f.db, spec)
	require.NoError(t, err)
	assert.Equal(t, []uint32{5, 1, 2, 6, 3, 4}, ordered)

	_, ok, err := index.Seek(f.db, spec, index.OpEq, core.Array())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify(t *testing.T) {
	f := newFixture(t)
	f.put(t, 1, core.NewDocumentWithID("a").Set("type", "user").Set("bio", "likes chess"))
	f.define(t, index.ValueIndex("by-type", "type"))
	f.define(t, index.FullTextIndex("bio", "bio", index.TokenizerOptions{}))

	f.m.RLock()
	mismatches, err := f.m.Verify(f.db, f.source)
	f.m.RUnlock()
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	require.NoError(t, f.db.Put([]byte("t/bio\x00ghost\x00a"), []byte{0xa0}, nil))
	f.m.RLock()
	mismatches, err = f.m.Verify(f.db, f.source)
	f.m.RUnlock()
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, "stale entry", mismatches[0].Issue)
}

func TestDefine_PersistsAndDrops(t *testing.T) {
	f := newFixture(t)
	f.put(t, 1, core.NewDocumentWithID("a").Set("type", "user"))
	f.define(t, index.ValueIndex("by-type", "type"))
	assert.Equal(t, 1, f.count(t, "x/by-type\x00"))

	reloaded := index.NewManager(nil, nil)
	require.NoError(t, reloaded.Load(f.db))
	spec, ok := reloaded.Spec("by-type")
	require.True(t, ok)
	assert.Equal(t, []string{"type"}, spec.Paths)

	f.m.Lock()
	b := new(leveldb.Batch)
	require.NoError(t, f.m.Drop(b, f.db, "by-type"))
	f.m.Unlock()
	require.NoError(t, f.db.Write(b, nil))
	assert.Zero(t, f.count(t, "x/by-type\x00"))
	assert.Zero(t, f.count(t, "i/"))

	f.m.Lock()
	err := f.m.Drop(new(leveldb.Batch), f.db, "by-type")
	f.m.Unlock()
	assert.ErrorIs(t, err, core.ErrMissingIndex)

	assert.Error(t, index.ValueIndex("", "x").Validate())
	assert.Error(t, index.FullTextIndex("ft", "", index.TokenizerOptions{}).Validate())
}
