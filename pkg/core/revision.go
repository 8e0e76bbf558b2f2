package core

import (
	"bytes"
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// RevID identifies a revision as "<generation>-<hash>".
type RevID string

var (
	canonicalMode cbor.EncMode
	decodeMode    cbor.DecMode
)

func init() {
	var err error
	canonicalMode, err = cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(err)
	}
	decodeMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeBody returns the canonical CBOR form of a document body. Equal
// bodies always produce identical bytes.
func EncodeBody(body Value) ([]byte, error) {
	return canonicalMode.Marshal(body.Interface())
}

// DecodeBody is the inverse of EncodeBody.
func DecodeBody(data []byte) (Value, error) {
	if len(data) == 0 {
		return Map(nil), nil
	}
	var raw any
	if err := decodeMode.Unmarshal(data, &raw); err != nil {
		return Value{}, fmt.Errorf("failed to decode body: %w", err)
	}
	return ValueOf(raw)
}

// NewRevID derives the next revision id from the parent, the deleted flag
// and the canonical body bytes.
func NewRevID(parent RevID, deleted bool, body []byte) RevID {
	h := sha256.New()
	h.Write([]byte(parent))
	if deleted {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write(body)
	sum := h.Sum(nil)
	return RevID(strconv.Itoa(parent.Generation()+1) + "-" + hex.EncodeToString(sum[:16]))
}

// ParseRevID validates the textual form of a revision id.
func ParseRevID(s string) (RevID, error) {
	gen, hash, ok := strings.Cut(s, "-")
	if !ok || hash == "" {
		return "", fmt.Errorf("malformed revision id %q", s)
	}
	if n, err := strconv.Atoi(gen); err != nil || n < 1 {
		return "", fmt.Errorf("malformed revision generation %q", s)
	}
	return RevID(s), nil
}

// Generation returns the depth of the revision in its history, 0 for the
// empty id.
func (r RevID) Generation() int {
	gen, _, ok := strings.Cut(string(r), "-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(gen)
	if err != nil {
		return 0
	}
	return n
}

func (r RevID) Hash() string {
	_, hash, _ := strings.Cut(string(r), "-")
	return hash
}

func (r RevID) IsZero() bool { return r == "" }

// CompareRevs orders revisions by generation, then by id bytes.
func CompareRevs(a, b RevID) int {
	if c := cmp.Compare(a.Generation(), b.Generation()); c != 0 {
		return c
	}
	return bytes.Compare([]byte(a.Hash()), []byte(b.Hash()))
}

// ResolveConflict picks the winner between two concurrent revisions.
// Both peers of a replication reach the same answer without coordination.
func ResolveConflict(a, b RevID) RevID {
	if CompareRevs(a, b) >= 0 {
		return a
	}
	return b
}

// RevNode is one vertex of a key's revision graph.
type RevNode struct {
	Parent  RevID `cbor:"p,omitempty"`
	Deleted bool  `cbor:"d,omitempty"`
	Loser   bool  `cbor:"l,omitempty"`
}

// RevTree records the known revisions of a key.
type RevTree map[RevID]RevNode

func (t RevTree) Contains(rev RevID) bool {
	_, ok := t[rev]
	return ok
}

func (t RevTree) Add(rev, parent RevID, deleted bool) {
	t[rev] = RevNode{Parent: parent, Deleted: deleted}
}

// MarkLoser flags rev as a revision that lost a conflict.
func (t RevTree) MarkLoser(rev RevID) {
	if n, ok := t[rev]; ok {
		n.Loser = true
		t[rev] = n
	}
}

// History walks the parent chain from rev, newest first, returning at most
// limit ids (all of them when limit <= 0).
func (t RevTree) History(rev RevID, limit int) []RevID {
	var out []RevID
	for cur := rev; cur != ""; {
		n, ok := t[cur]
		if !ok {
			break
		}
		out = append(out, cur)
		if limit > 0 && len(out) >= limit {
			break
		}
		cur = n.Parent
	}
	return out
}

// Prune drops every revision older than limit generations behind current
// and returns the removed ids.
func (t RevTree) Prune(current RevID, limit int) []RevID {
	if limit <= 0 {
		return nil
	}
	floor := current.Generation() - limit
	var removed []RevID
	for rev := range t {
		if rev != current && rev.Generation() <= floor {
			removed = append(removed, rev)
		}
	}
	for _, rev := range removed {
		delete(t, rev)
	}
	return removed
}
