package index

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/aretw0/humus/pkg/core"
)

const (
	specPrefix  = "i/"
	valuePrefix = "x/"
	termPrefix  = "t/"
)

// Reader is the read side of the keyspace. Both *leveldb.DB and
// *leveldb.Snapshot satisfy it.
type Reader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

// Writer receives index mutations. *leveldb.Batch satisfies it.
type Writer interface {
	Put(key, value []byte)
	Delete(key []byte)
}

// Posting is the payload of a full-text entry for one (term, document) pair.
type Posting struct {
	Row       uint32 `cbor:"r"`
	TF        int    `cbor:"f"`
	Positions []int  `cbor:"p,omitempty"`
}

// Source yields every live document with its row id. It is used to
// backfill a new index and to verify existing ones.
type Source func(yield func(key string, row uint32, doc *core.Document) error) error

// Catalog is a set of index definitions with their tokenizers.
type Catalog struct {
	specs     map[string]Spec
	tokens    map[string]*Tokenizer
	stopWords []string
}

// Manager owns the index catalog and computes index mutations.
//
// Locking: writers hold RLock while computing and committing entries;
// Define and Drop take the exclusive lock so a backfill never races a
// commit. Catalog accessors require at least RLock.
type Manager struct {
	*Catalog

	mu     sync.RWMutex
	logger *slog.Logger
}

// NewManager creates an empty catalog. stopWords is the default list for
// full-text indexes that do not declare their own (nil means English).
func NewManager(logger *slog.Logger, stopWords []string) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if stopWords == nil {
		stopWords = DefaultStopWords
	}
	return &Manager{
		Catalog: &Catalog{
			specs:     make(map[string]Spec),
			tokens:    make(map[string]*Tokenizer),
			stopWords: stopWords,
		},
		logger: logger,
	}
}

// Snapshot returns an immutable copy of the catalog. The caller holds RLock.
func (m *Manager) Snapshot() *Catalog {
	return &Catalog{
		specs:     maps.Clone(m.specs),
		tokens:    maps.Clone(m.tokens),
		stopWords: m.stopWords,
	}
}

func (m *Manager) RLock()   { m.mu.RLock() }
func (m *Manager) RUnlock() { m.mu.RUnlock() }
func (m *Manager) Lock()    { m.mu.Lock() }
func (m *Manager) Unlock()  { m.mu.Unlock() }

// Load replaces the catalog with the persisted definitions.
func (m *Manager) Load(r Reader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Reload(r)
}

// Reload is Load for callers already holding the exclusive lock.
func (m *Manager) Reload(r Reader) error {
	clear(m.specs)
	clear(m.tokens)
	it := r.NewIterator(util.BytesPrefix([]byte(specPrefix)), nil)
	defer it.Release()
	for it.Next() {
		var spec Spec
		if err := cbor.Unmarshal(it.Value(), &spec); err != nil {
			return fmt.Errorf("failed to decode index definition %q: %w", it.Key(), err)
		}
		m.register(spec)
	}
	return it.Error()
}

func (c *Catalog) register(spec Spec) {
	c.specs[spec.Name] = spec
	if spec.Kind == KindFullText {
		c.tokens[spec.Name] = NewTokenizer(spec.Tokenizer, c.stopWords)
	}
}

// Define persists a definition and backfills it from src. The caller holds
// the exclusive lock. Redefining an identical index is a no-op; redefining
// a name with a different definition replaces it.
func (m *Manager) Define(w Writer, r Reader, spec Spec, src Source) (bool, error) {
	if err := spec.Validate(); err != nil {
		return false, err
	}
	if cur, ok := m.specs[spec.Name]; ok {
		if cur.Equal(spec) {
			return false, nil
		}
		if err := m.drop(w, r, spec.Name); err != nil {
			return false, err
		}
	}

	data, err := cbor.Marshal(spec)
	if err != nil {
		return false, fmt.Errorf("failed to encode index definition: %w", err)
	}
	w.Put([]byte(specPrefix+spec.Name), data)
	m.register(spec)

	n := 0
	err = src(func(key string, row uint32, doc *core.Document) error {
		entries, err := m.entries(spec, key, row, doc)
		if err != nil {
			return err
		}
		for k, v := range entries {
			w.Put([]byte(k), v)
		}
		n++
		return nil
	})
	if err != nil {
		delete(m.specs, spec.Name)
		delete(m.tokens, spec.Name)
		return false, fmt.Errorf("failed to backfill index %q: %w", spec.Name, err)
	}
	m.logger.Info("index defined", "name", spec.Name, "kind", spec.Kind, "documents", n)
	return true, nil
}

// Drop deletes a definition and all of its entries. The caller holds the
// exclusive lock.
func (m *Manager) Drop(w Writer, r Reader, name string) error {
	if _, ok := m.specs[name]; !ok {
		return fmt.Errorf("index %q: %w", name, core.ErrMissingIndex)
	}
	return m.drop(w, r, name)
}

func (m *Manager) drop(w Writer, r Reader, name string) error {
	w.Delete([]byte(specPrefix + name))
	for _, p := range []string{valuePrefix, termPrefix} {
		it := r.NewIterator(util.BytesPrefix([]byte(p+name+"\x00")), nil)
		for it.Next() {
			w.Delete(bytes.Clone(it.Key()))
		}
		err := it.Error()
		it.Release()
		if err != nil {
			return err
		}
	}
	delete(m.specs, name)
	delete(m.tokens, name)
	return nil
}

// Spec returns a definition by name.
func (c *Catalog) Spec(name string) (Spec, bool) {
	s, ok := c.specs[name]
	return s, ok
}

// Specs returns every definition sorted by name.
func (c *Catalog) Specs() []Spec {
	out := make([]Spec, 0, len(c.specs))
	for _, name := range slices.Sorted(maps.Keys(c.specs)) {
		out = append(out, c.specs[name])
	}
	return out
}

// FullTextFor returns the full-text index covering path, if any.
func (c *Catalog) FullTextFor(path string) (Spec, bool) {
	for _, s := range c.Specs() {
		if s.Kind == KindFullText && s.Paths[0] == path {
			return s, true
		}
	}
	return Spec{}, false
}

// ValueFor returns the value index whose leading path is path, preferring
// single-path indexes.
func (c *Catalog) ValueFor(path string) (Spec, bool) {
	var best Spec
	found := false
	for _, s := range c.Specs() {
		if s.Kind != KindValue || s.Paths[0] != path {
			continue
		}
		if !found || len(s.Paths) < len(best.Paths) {
			best, found = s, true
		}
	}
	return best, found
}

// Tokenizer returns the tokenizer of a full-text index.
func (c *Catalog) Tokenizer(name string) *Tokenizer {
	if t, ok := c.tokens[name]; ok {
		return t
	}
	return NewTokenizer(TokenizerOptions{}, c.stopWords)
}

// Update writes the index mutations that turn the entries of prev into the
// entries of next. Either document may be nil (create, delete). Only
// entries that differ are touched. The caller holds RLock.
//
// An entry expected from prev but absent from r means the index has
// diverged from the documents; Update then fails with ErrIndexCorrupted.
func (m *Manager) Update(w Writer, r Reader, key string, row uint32, prev, next *core.Document) (int, error) {
	changed := 0
	for _, spec := range m.specs {
		before, err := m.entries(spec, key, row, prev)
		if err != nil {
			return 0, err
		}
		after, err := m.entries(spec, key, row, next)
		if err != nil {
			return 0, err
		}
		for k, v := range before {
			nv, keep := after[k]
			if keep && bytes.Equal(v, nv) {
				continue
			}
			if r != nil {
				if _, err := r.Get([]byte(k), nil); errors.Is(err, leveldb.ErrNotFound) {
					return 0, fmt.Errorf("index %q lost entry for %q: %w", spec.Name, key, core.ErrIndexCorrupted)
				} else if err != nil {
					return 0, err
				}
			}
			if !keep {
				w.Delete([]byte(k))
				changed++
			}
		}
		for k, v := range after {
			if ov, ok := before[k]; ok && bytes.Equal(ov, v) {
				continue
			}
			w.Put([]byte(k), v)
			changed++
		}
	}
	return changed, nil
}

// entries computes the full set of rows the document contributes to spec.
func (m *Manager) entries(spec Spec, key string, row uint32, doc *core.Document) (map[string][]byte, error) {
	if doc == nil || doc.Deleted {
		return nil, nil
	}
	switch spec.Kind {
	case KindValue:
		enc, ok := encodeKey(spec, doc)
		if !ok {
			return nil, nil
		}
		k := valueKey(spec.Name, enc, key)
		return map[string][]byte{string(k): encodeRow(row)}, nil
	case KindFullText:
		text, ok := doc.Get(spec.Paths[0]).AsString()
		if !ok {
			return nil, nil
		}
		postings := make(map[string]*Posting)
		for _, tok := range m.Tokenizer(spec.Name).Tokens(text) {
			p, ok := postings[tok.Term]
			if !ok {
				p = &Posting{Row: row}
				postings[tok.Term] = p
			}
			p.TF++
			p.Positions = append(p.Positions, tok.Position)
		}
		out := make(map[string][]byte, len(postings))
		for term, p := range postings {
			data, err := cbor.Marshal(p)
			if err != nil {
				return nil, fmt.Errorf("failed to encode posting: %w", err)
			}
			out[string(termKey(spec.Name, term, key))] = data
		}
		return out, nil
	}
	return nil, nil
}

// encodeKey builds the composite sort key. The leading path must hold an
// indexable value; later missing paths sort first.
func encodeKey(spec Spec, doc *core.Document) ([]byte, bool) {
	var enc []byte
	for i, p := range spec.Paths {
		v, ok := doc.Lookup(p)
		if !ok {
			if i == 0 {
				return nil, false
			}
			enc = append(enc, tagMissing)
			continue
		}
		var indexable bool
		enc, indexable = EncodeValue(enc, v)
		if !indexable {
			if i == 0 {
				return nil, false
			}
			enc = append(enc, tagMissing)
		}
	}
	return enc, true
}

func valueKey(name string, enc []byte, key string) []byte {
	k := make([]byte, 0, len(valuePrefix)+len(name)+len(enc)+len(key)+2)
	k = append(k, valuePrefix...)
	k = append(k, name...)
	k = append(k, 0)
	k = append(k, enc...)
	k = append(k, 0)
	return append(k, key...)
}

func termKey(name, term, key string) []byte {
	return []byte(termPrefix + name + "\x00" + term + "\x00" + key)
}

func encodeRow(row uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, row)
}

func decodeRow(b []byte) (uint32, bool) {
	if len(b) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}

// View is a consistent read view of documents and index rows, pinned to
// the catalog that was current when it was taken.
type View interface {
	Reader

	// Catalog returns the index definitions matching the view.
	Catalog() *Catalog

	// Document loads the live document stored under key.
	Document(key string) (*core.Document, error)

	// Key maps a row id back to its document key.
	Key(row uint32) (string, error)

	// Universe returns the rows of every live document.
	Universe() (*roaring.Bitmap, error)

	// Scan visits live documents in key order until fn returns false.
	Scan(fn func(row uint32, doc *core.Document) (bool, error)) error

	Release()
}
