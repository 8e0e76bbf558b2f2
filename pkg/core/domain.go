// Document is the central entity of the domain.
package core

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Document is a keyed, schemaless record.
// It is mutated in memory and persisted by a full replace through Save.
// Save updates Rev and Seq in place so the same value can be edited and
// saved again.
type Document struct {
	ID      string
	Rev     RevID
	Seq     uint64
	Deleted bool

	fields map[string]Value
	err    error
}

// NewDocument creates an empty document with a generated key.
func NewDocument() *Document {
	return NewDocumentWithID(uuid.NewString())
}

// NewDocumentWithID creates an empty document with the given key.
func NewDocumentWithID(id string) *Document {
	return &Document{ID: id, fields: make(map[string]Value)}
}

// RestoreDocument rebuilds a document read from storage.
func RestoreDocument(id string, rev RevID, seq uint64, body Value) *Document {
	d := NewDocumentWithID(id)
	d.Rev = rev
	d.Seq = seq
	if m, ok := body.AsMap(); ok {
		d.fields = m
	}
	return d
}

// Set converts v and stores it under key. Conversion errors are kept and
// reported by Err and by the store when the document is saved.
func (d *Document) Set(key string, v any) *Document {
	cv, err := ValueOf(v)
	if err != nil {
		if d.err == nil {
			d.err = &FieldError{Field: key, Err: err}
		}
		return d
	}
	return d.SetValue(key, cv)
}

func (d *Document) SetValue(key string, v Value) *Document {
	if d.fields == nil {
		d.fields = make(map[string]Value)
	}
	d.fields[key] = v
	return d
}

func (d *Document) Remove(key string) *Document {
	delete(d.fields, key)
	return d
}

// Err returns the first error recorded by Set.
func (d *Document) Err() error {
	return d.err
}

func (d *Document) Contains(key string) bool {
	_, ok := d.fields[key]
	return ok
}

// Keys returns the top-level field names in sorted order.
func (d *Document) Keys() []string {
	return slices.Sorted(maps.Keys(d.fields))
}

// Lookup resolves a dotted path such as "address.city" or "tags.0".
func (d *Document) Lookup(path string) (Value, bool) {
	if v, ok := d.fields[path]; ok {
		return v, true
	}
	if !strings.Contains(path, ".") {
		return Value{}, false
	}
	return d.Body().Lookup(path)
}

// Get returns the value at path, or null when absent.
func (d *Document) Get(path string) Value {
	v, _ := d.Lookup(path)
	return v
}

func (d *Document) GetString(path string) string {
	s, _ := d.Get(path).AsString()
	return s
}

func (d *Document) GetInt(path string) int64 {
	i, _ := d.Get(path).AsInt()
	return i
}

func (d *Document) GetFloat(path string) float64 {
	f, _ := d.Get(path).AsFloat()
	return f
}

func (d *Document) GetBool(path string) bool {
	b, _ := d.Get(path).AsBool()
	return b
}

// GetDate parses a date stored with Date or as an RFC 3339 string.
func (d *Document) GetDate(path string) (time.Time, bool) {
	return d.Get(path).AsDate()
}

func (d *Document) GetBlob(path string) *Blob {
	b, _ := d.Get(path).AsBlob()
	return b
}

func (d *Document) GetArray(path string) []Value {
	a, _ := d.Get(path).AsArray()
	return a
}

func (d *Document) GetMap(path string) map[string]Value {
	m, _ := d.Get(path).AsMap()
	return m
}

// Body returns the fields as a single map value.
func (d *Document) Body() Value {
	return Value{kind: KindMap, m: d.fields}
}

// Blobs returns every blob referenced by the document.
func (d *Document) Blobs() []*Blob {
	return d.Body().Blobs(nil)
}

// Clone returns a copy whose top-level field map can be mutated independently.
func (d *Document) Clone() *Document {
	cp := *d
	cp.fields = maps.Clone(d.fields)
	if cp.fields == nil {
		cp.fields = make(map[string]Value)
	}
	return &cp
}

// EventType represents the type of change in the store.
type EventType string

const (
	EventCreate EventType = "CREATE"
	EventModify EventType = "MODIFY"
	EventDelete EventType = "DELETE"
)

// Event represents a committed change.
type Event struct {
	Type      EventType
	ID        string
	Rev       RevID
	Seq       uint64
	Timestamp int64 // Unix timestamp
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s@%s (seq %d)", e.Type, e.ID, e.Rev, e.Seq)
}

// Change is one entry of the sequence-ordered change feed.
type Change struct {
	Seq     uint64
	Key     string
	Rev     RevID
	Deleted bool
}
