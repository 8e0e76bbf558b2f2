package level

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/aretw0/humus/pkg/core"
)

// Keyspace layout. Index rows ("x/", "t/", "i/") are owned by pkg/index.
//
//	d/<key>              header: current rev, seq, row, deleted, rev tree
//	r/<key>\x00<rev>     revision body (canonical CBOR)
//	s/<seq be64>         change feed entry -> key
//	o/<row be32>         row id -> key
//	b/<digest>           blob record
//	c/<session>          replication checkpoint
//	m/...                counters and store identity
const (
	prefixDoc        = "d/"
	prefixRev        = "r/"
	prefixSeq        = "s/"
	prefixRow        = "o/"
	prefixBlob       = "b/"
	prefixCheckpoint = "c/"
)

var (
	keySeq  = []byte("m/seq")
	keyRow  = []byte("m/row")
	keyUUID = []byte("m/uuid")
)

func docKey(key string) []byte { return []byte(prefixDoc + key) }

func revKey(key string, rev core.RevID) []byte {
	return []byte(prefixRev + key + "\x00" + string(rev))
}

func revPrefix(key string) []byte { return []byte(prefixRev + key + "\x00") }

func seqKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte(prefixSeq), seq)
}

func rowKey(row uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte(prefixRow), row)
}

func blobKey(digest string) []byte { return []byte(prefixBlob + digest) }

func checkpointKey(session string) []byte { return []byte(prefixCheckpoint + session) }

func encodeUint(v uint64) []byte { return binary.BigEndian.AppendUint64(nil, v) }

func decodeUint(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("malformed counter of %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// header is the per-key record pointing at the current revision.
type header struct {
	Rev     core.RevID   `cbor:"rev"`
	Seq     uint64       `cbor:"seq"`
	Row     uint32       `cbor:"row"`
	Deleted bool         `cbor:"del,omitempty"`
	Tree    core.RevTree `cbor:"tree"`
}

func (h *header) live() bool { return h != nil && !h.Deleted }

func (h *header) clone() *header {
	if h == nil {
		return nil
	}
	cp := *h
	cp.Tree = make(core.RevTree, len(h.Tree))
	for k, v := range h.Tree {
		cp.Tree[k] = v
	}
	return &cp
}

func encodeHeader(h *header) ([]byte, error) {
	data, err := cbor.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}
	return data, nil
}

func decodeHeader(data []byte) (*header, error) {
	var h header
	if err := cbor.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}
	if h.Tree == nil {
		h.Tree = core.RevTree{}
	}
	return &h, nil
}

// blobRecord is the stored form of a blob; Data is zstd compressed.
type blobRecord struct {
	ContentType string `cbor:"ct"`
	Length      int64  `cbor:"len"`
	Data        []byte `cbor:"data"`
}
