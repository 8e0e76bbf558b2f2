package replication

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/aretw0/humus/pkg/core"
)

// ProtocolVersion is exchanged in the hello message. Peers speaking another
// version refuse the session.
const ProtocolVersion = 1

// Subprotocol is the websocket subprotocol negotiated by both ends.
const Subprotocol = "humus-cbor"

const (
	opHello         = "hello"
	opGetCheckpoint = "getCheckpoint"
	opSetCheckpoint = "setCheckpoint"
	opChanges       = "changes"
	opRevsDiff      = "revsDiff"
	opGetRevs       = "getRevs"
	opPushRevs      = "pushRevs"
)

// envelope frames every message. Requests carry Op, replies carry Reply and
// either Body or Error; the ID correlates the two.
type envelope struct {
	ID    uint64          `cbor:"id"`
	Op    string          `cbor:"op,omitempty"`
	Reply bool            `cbor:"reply,omitempty"`
	Body  cbor.RawMessage `cbor:"body,omitempty"`
	Error string          `cbor:"error,omitempty"`
	Code  string          `cbor:"code,omitempty"`
}

type helloMsg struct {
	Version int    `cbor:"version"`
	UUID    string `cbor:"uuid"`
	LastSeq uint64 `cbor:"last_seq"`
}

type changesReq struct {
	Since uint64 `cbor:"since"`
	Limit int    `cbor:"limit"`
}

type revRef struct {
	Key string     `cbor:"key"`
	Rev core.RevID `cbor:"rev"`
}

type getRevsReq struct {
	Refs         []revRef `cbor:"refs"`
	HistoryLimit int      `cbor:"history_limit"`
}

// errProtocol marks a peer that speaks another protocol version.
var errProtocol = errors.New("protocol mismatch")

var codes = []struct {
	code string
	err  error
}{
	{"protocol", errProtocol},
	{"not_found", core.ErrNotFound},
	{"conflict", core.ErrConflict},
	{"read_only", core.ErrReadOnly},
	{"closed", core.ErrClosed},
	{"invalid_key", core.ErrInvalidKey},
}

func errorCode(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// remoteError rebuilds an error reported by the peer, keeping the sentinel
// it matched on the other side.
func remoteError(env envelope) error {
	for _, c := range codes {
		if c.code == env.Code {
			return fmt.Errorf("peer: %s: %w", env.Error, c.err)
		}
	}
	return fmt.Errorf("peer: %s", env.Error)
}

func encode(v any) (cbor.RawMessage, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return env, nil
}
