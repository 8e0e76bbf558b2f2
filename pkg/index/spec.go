// Package index maintains secondary indexes over documents: value indexes
// with an order-preserving key encoding, and full-text inverted indexes.
//
// Index rows live in the same goleveldb keyspace as the documents and are
// written through the store's commit batch, so a document and its index
// entries always become visible together.
package index

import (
	"errors"
	"fmt"
	"strings"
)

// Kind distinguishes the index families.
type Kind string

const (
	KindValue    Kind = "value"
	KindFullText Kind = "fulltext"
)

// TokenizerOptions configures full-text tokenization.
type TokenizerOptions struct {
	// StopWords replaces the default English list when non-nil.
	StopWords []string `cbor:"stop_words,omitempty" yaml:"stop_words,omitempty"`
	// Language is informational; only "en" ships a default stop-word list.
	Language string `cbor:"language,omitempty" yaml:"language,omitempty"`
}

// Spec is a persisted index definition.
type Spec struct {
	Name      string           `cbor:"name" yaml:"name"`
	Kind      Kind             `cbor:"kind" yaml:"kind"`
	Paths     []string         `cbor:"paths" yaml:"paths"`
	Tokenizer TokenizerOptions `cbor:"tokenizer,omitempty" yaml:"tokenizer,omitempty"`
}

// ValueIndex defines an index over one or more field paths. Entries sort
// by the first path, then the next ones.
func ValueIndex(name string, paths ...string) Spec {
	return Spec{Name: name, Kind: KindValue, Paths: paths}
}

// FullTextIndex defines an inverted index over a single text field.
func FullTextIndex(name, path string, opts TokenizerOptions) Spec {
	return Spec{Name: name, Kind: KindFullText, Paths: []string{path}, Tokenizer: opts}
}

// Validate checks a definition before it is persisted.
func (s Spec) Validate() error {
	if s.Name == "" {
		return errors.New("index name cannot be empty")
	}
	if strings.ContainsRune(s.Name, 0) {
		return fmt.Errorf("index name %q cannot contain NUL", s.Name)
	}
	if len(s.Paths) == 0 {
		return fmt.Errorf("index %q has no field paths", s.Name)
	}
	for _, p := range s.Paths {
		if p == "" {
			return fmt.Errorf("index %q has an empty field path", s.Name)
		}
	}
	switch s.Kind {
	case KindValue:
	case KindFullText:
		if len(s.Paths) != 1 {
			return fmt.Errorf("full-text index %q must cover exactly one field", s.Name)
		}
	default:
		return fmt.Errorf("index %q has unknown kind %q", s.Name, s.Kind)
	}
	return nil
}

// Equal reports whether two definitions describe the same index.
func (s Spec) Equal(o Spec) bool {
	if s.Name != o.Name || s.Kind != o.Kind || len(s.Paths) != len(o.Paths) {
		return false
	}
	for i := range s.Paths {
		if s.Paths[i] != o.Paths[i] {
			return false
		}
	}
	if s.Tokenizer.Language != o.Tokenizer.Language || len(s.Tokenizer.StopWords) != len(o.Tokenizer.StopWords) {
		return false
	}
	for i := range s.Tokenizer.StopWords {
		if s.Tokenizer.StopWords[i] != o.Tokenizer.StopWords[i] {
			return false
		}
	}
	return true
}

func (s Spec) String() string {
	return fmt.Sprintf("%s(%s) %s", s.Kind, strings.Join(s.Paths, ","), s.Name)
}
