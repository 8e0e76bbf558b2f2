// Package level implements the document store on top of goleveldb.
package level

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/aretw0/humus/pkg/core"
	"github.com/aretw0/humus/pkg/index"
)

const (
	DefaultCacheSize = 1024
	DefaultRevsLimit = 20
)

// Config holds the configuration for the goleveldb store.
type Config struct {
	Path         string
	InMemory     bool // ignore Path and keep everything in memory
	ReadOnly     bool
	CacheSize    int      // decoded documents kept in the LRU cache
	RevsLimit    int      // generations of history kept per key
	StopWords    []string // default stop words of full-text indexes
	Logger       *slog.Logger
	ErrorHandler func(error)
}

// Store implements core.Store, core.Batcher, core.Watchable and
// core.Replicable.
type Store struct {
	config  Config
	db      *leveldb.DB
	indexes *index.Manager
	locks   *lockTable
	cache   *lru.Cache[string, *core.Document]
	hub     *hub
	zenc    *zstd.Encoder
	zdec    *zstd.Decoder
	logger  *slog.Logger
	uuid    string

	// commitMu serializes sequence allocation and batch writes, held across
	// the synced write so sequences become visible in order. It is always
	// taken after key locks and the index catalog lock.
	commitMu sync.Mutex
	seq      atomic.Uint64
	row      uint32

	batchActive atomic.Bool
	closed      atomic.Bool

	mu       sync.RWMutex
	degraded error
	commits  int64
	lastSync *time.Time
}

// mutation is the planned write of one key.
type mutation struct {
	key      string
	prev     *header        // nil when the key was never written
	next     *header        // header after the write
	doc      *core.Document // live document after the write, nil for a tombstone
	body     []byte         // body of next.Rev
	keepBody bool           // next.Rev body is already stored
	removed  []core.RevID   // pruned revision bodies
	blobs    []*core.Blob
	incoming []core.BlobData
}

// Open opens (or creates) a store.
func Open(config Config) (*Store, error) {
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.CacheSize <= 0 {
		config.CacheSize = DefaultCacheSize
	}
	if config.RevsLimit <= 0 {
		config.RevsLimit = DefaultRevsLimit
	}

	o := &opt.Options{
		Filter:   filter.NewBloomFilter(10), // 10 bits/key
		ReadOnly: config.ReadOnly,
	}
	var (
		db  *leveldb.DB
		err error
	)
	if config.InMemory {
		o.ReadOnly = false
		db, err = leveldb.Open(storage.NewMemStorage(), o)
	} else {
		if config.Path == "" {
			return nil, errors.New("store path cannot be empty")
		}
		if !config.ReadOnly {
			if err := os.MkdirAll(config.Path, 0755); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
		db, err = leveldb.OpenFile(config.Path, o)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	s, err := newStore(config, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Debug("store opened", "path", config.Path, "in_memory", config.InMemory, "seq", s.seq.Load())
	return s, nil
}

func newStore(config Config, db *leveldb.DB) (*Store, error) {
	cache, err := lru.New[string, *core.Document](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	zenc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob encoder: %w", err)
	}
	zdec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob decoder: %w", err)
	}

	s := &Store{
		config:  config,
		db:      db,
		indexes: index.NewManager(config.Logger, config.StopWords),
		locks:   newLockTable(),
		cache:   cache,
		hub:     newHub(config.Logger),
		zenc:    zenc,
		zdec:    zdec,
		logger:  config.Logger,
	}

	if v, err := db.Get(keySeq, nil); err == nil {
		seq, err := decodeUint(v)
		if err != nil {
			return nil, err
		}
		s.seq.Store(seq)
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("failed to read sequence: %w", err)
	}
	if v, err := db.Get(keyRow, nil); err == nil {
		row, err := decodeUint(v)
		if err != nil {
			return nil, err
		}
		s.row = uint32(row)
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("failed to read row counter: %w", err)
	}

	switch v, err := db.Get(keyUUID, nil); {
	case err == nil:
		s.uuid = string(v)
	case errors.Is(err, leveldb.ErrNotFound):
		s.uuid = uuid.NewString()
		if !config.ReadOnly {
			if err := db.Put(keyUUID, []byte(s.uuid), &opt.WriteOptions{Sync: true}); err != nil {
				return nil, fmt.Errorf("failed to persist store id: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("failed to read store id: %w", err)
	}

	if err := s.indexes.Load(db); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the database. Watch channels are closed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.hub.close()
	s.zdec.Close()
	_ = s.zenc.Close()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

// UUID identifies the store across sessions.
func (s *Store) UUID() string { return s.uuid }

// LastSeq returns the highest committed sequence.
func (s *Store) LastSeq() uint64 { return s.seq.Load() }

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return core.ErrClosed
	}
	return nil
}

func (s *Store) checkWritable() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.config.ReadOnly {
		return core.ErrReadOnly
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.degraded != nil {
		return fmt.Errorf("%w: %v", core.ErrReadOnly, s.degraded)
	}
	return nil
}

// degrade switches the store into read-only mode after an index
// consistency violation.
func (s *Store) degrade(cause error) {
	s.mu.Lock()
	first := s.degraded == nil
	if first {
		s.degraded = cause
	}
	s.mu.Unlock()
	if first {
		s.logger.Error("index consistency violation, store is now read-only", "error", cause)
		if s.config.ErrorHandler != nil {
			s.config.ErrorHandler(cause)
		}
	}
}

// Get retrieves the current revision of a live document.
func (s *Store) Get(ctx context.Context, key string) (*core.Document, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := core.ValidateKey(key); err != nil {
		return nil, err
	}
	unlock := s.locks.rlock(key)
	defer unlock()

	if doc, ok := s.cache.Get(key); ok {
		return doc.Clone(), nil
	}
	h, err := s.readHeader(s.db, key)
	if err != nil {
		return nil, err
	}
	if !h.live() {
		return nil, fmt.Errorf("%q: %w", key, core.ErrNotFound)
	}
	doc, err := s.loadDoc(s.db, key, h)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, doc)
	return doc.Clone(), nil
}

// Save persists a full replacement of doc. doc.Rev is the base revision;
// on success it is updated to the new revision.
//
// Workflow:
// 1. Lock the key and read its header.
// 2. Check the base revision (a stale base is a *core.ConflictError).
// 3. Derive the new revision and prune the history.
// 4. Commit header, body, feed entry, blobs and index entries in one batch.
func (s *Store) Save(ctx context.Context, doc *core.Document) (core.RevID, error) {
	if err := s.checkWritable(); err != nil {
		return "", err
	}
	if doc == nil {
		return "", errors.New("document cannot be nil")
	}
	if err := core.ValidateKey(doc.ID); err != nil {
		return "", err
	}
	if err := doc.Err(); err != nil {
		return "", err
	}

	unlock := s.locks.lock(doc.ID)
	defer unlock()

	cur, err := s.readHeader(s.db, doc.ID)
	if err != nil {
		return "", err
	}
	m, err := s.planSave(cur, doc)
	if err != nil {
		return "", err
	}
	if err := s.commit([]*mutation{m}); err != nil {
		return "", err
	}
	doc.Rev, doc.Seq, doc.Deleted = m.next.Rev, m.next.Seq, false
	return m.next.Rev, nil
}

// Delete writes a tombstone revision for key.
func (s *Store) Delete(ctx context.Context, key string) (core.RevID, error) {
	if err := s.checkWritable(); err != nil {
		return "", err
	}
	if err := core.ValidateKey(key); err != nil {
		return "", err
	}

	unlock := s.locks.lock(key)
	defer unlock()

	cur, err := s.readHeader(s.db, key)
	if err != nil {
		return "", err
	}
	m, err := s.planDelete(cur, key)
	if err != nil {
		return "", err
	}
	if err := s.commit([]*mutation{m}); err != nil {
		return "", err
	}
	return m.next.Rev, nil
}

// Count returns the number of live documents.
func (s *Store) Count(ctx context.Context) (int, error) {
	v, err := s.View(ctx)
	if err != nil {
		return 0, err
	}
	defer v.Release()
	rows, err := v.Universe()
	if err != nil {
		return 0, err
	}
	return int(rows.GetCardinality()), nil
}

func (s *Store) planSave(cur *header, doc *core.Document) (*mutation, error) {
	switch {
	case cur.live():
		if doc.Rev != cur.Rev {
			return nil, &core.ConflictError{Key: doc.ID, Current: cur.Rev}
		}
	case cur != nil:
		// Saving onto a tombstone re-creates the document as its child.
		if doc.Rev != "" && doc.Rev != cur.Rev {
			return nil, &core.ConflictError{Key: doc.ID, Current: cur.Rev}
		}
	default:
		if doc.Rev != "" {
			return nil, &core.ConflictError{Key: doc.ID}
		}
	}

	stored := doc.Clone()
	stored.Deleted = false
	body, err := core.EncodeBody(stored.Body())
	if err != nil {
		return nil, fmt.Errorf("failed to encode %q: %w", doc.ID, err)
	}

	var parent core.RevID
	next := cur.clone()
	if next == nil {
		next = &header{Tree: core.RevTree{}}
	} else {
		parent = cur.Rev
	}
	rev := core.NewRevID(parent, false, body)
	next.Tree.Add(rev, parent, false)
	next.Rev = rev
	next.Deleted = false

	return &mutation{
		key:     doc.ID,
		prev:    cur,
		next:    next,
		doc:     stored,
		body:    body,
		removed: next.Tree.Prune(rev, s.config.RevsLimit),
		blobs:   stored.Blobs(),
	}, nil
}

func (s *Store) planDelete(cur *header, key string) (*mutation, error) {
	if !cur.live() {
		return nil, fmt.Errorf("%q: %w", key, core.ErrNotFound)
	}
	next := cur.clone()
	rev := core.NewRevID(cur.Rev, true, nil)
	next.Tree.Add(rev, cur.Rev, true)
	next.Rev = rev
	next.Deleted = true

	return &mutation{
		key:     key,
		prev:    cur,
		next:    next,
		body:    []byte{},
		removed: next.Tree.Prune(rev, s.config.RevsLimit),
	}, nil
}

// commit writes the planned mutations in a single synced batch. The caller
// holds the write locks of every key involved.
func (s *Store) commit(ms []*mutation) error {
	s.indexes.RLock()
	defer s.indexes.RUnlock()
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	b := new(leveldb.Batch)
	seq := s.seq.Load()
	row := s.row
	indexed := len(s.indexes.Specs()) > 0
	blobs := make(map[string]bool)

	for _, m := range ms {
		if m.next.Row == 0 {
			row++
			m.next.Row = row
			b.Put(rowKey(row), []byte(m.key))
		}
		if m.prev != nil && m.prev.Seq != 0 {
			b.Delete(seqKey(m.prev.Seq))
		}
		seq++
		m.next.Seq = seq
		b.Put(seqKey(seq), []byte(m.key))

		if err := s.writeBlobs(b, m, blobs); err != nil {
			return err
		}

		if indexed {
			var prevDoc *core.Document
			if m.prev.live() {
				var err error
				if prevDoc, err = s.loadDoc(s.db, m.key, m.prev); err != nil {
					return err
				}
			}
			if _, err := s.indexes.Update(b, s.db, m.key, m.next.Row, prevDoc, m.doc); err != nil {
				if errors.Is(err, core.ErrIndexCorrupted) {
					s.degrade(err)
				}
				return err
			}
		}

		if !m.keepBody {
			b.Put(revKey(m.key, m.next.Rev), m.body)
		}
		for _, rev := range m.removed {
			b.Delete(revKey(m.key, rev))
		}
		hdr, err := encodeHeader(m.next)
		if err != nil {
			return err
		}
		b.Put(docKey(m.key), hdr)
	}
	b.Put(keySeq, encodeUint(seq))
	b.Put(keyRow, encodeUint(uint64(row)))

	if err := s.db.Write(b, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("failed to commit %d document(s): %w", len(ms), err)
	}
	s.seq.Store(seq)
	s.row = row

	now := time.Now()
	s.mu.Lock()
	s.commits++
	s.lastSync = &now
	s.mu.Unlock()

	for _, m := range ms {
		s.publish(m, now)
	}
	return nil
}

// publish refreshes the cache and notifies watchers after a commit.
func (s *Store) publish(m *mutation, now time.Time) {
	event := core.Event{
		Type:      core.EventModify,
		ID:        m.key,
		Rev:       m.next.Rev,
		Seq:       m.next.Seq,
		Timestamp: now.Unix(),
	}
	switch {
	case m.next.Deleted:
		event.Type = core.EventDelete
	case !m.prev.live():
		event.Type = core.EventCreate
	}

	if m.doc != nil {
		m.doc.Rev, m.doc.Seq = m.next.Rev, m.next.Seq
		s.bindBlobs(m.doc)
		s.cache.Add(m.key, m.doc)
	} else {
		s.cache.Remove(m.key)
	}
	s.hub.publish(event)
}

func (s *Store) readHeader(r index.Reader, key string) (*header, error) {
	data, err := r.Get(docKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", key, err)
	}
	return decodeHeader(data)
}

func (s *Store) loadDoc(r index.Reader, key string, h *header) (*core.Document, error) {
	data, err := r.Get(revKey(key, h.Rev), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read body of %q at %s: %w", key, h.Rev, err)
	}
	body, err := core.DecodeBody(data)
	if err != nil {
		return nil, fmt.Errorf("%q at %s: %w", key, h.Rev, err)
	}
	doc := core.RestoreDocument(key, h.Rev, h.Seq, body)
	s.bindBlobs(doc)
	return doc, nil
}
