package core

import "context"

// Store defines the contract for persisting documents.
// Adhering to this interface allows the query engine, the replicator and
// the service to be independent of the storage engine.
type Store interface {
	// Save persists a full replacement of the document. The document's Rev is
	// the base revision; a stale base yields a *ConflictError.
	Save(ctx context.Context, doc *Document) (RevID, error)

	// Get retrieves the current revision of a live document.
	Get(ctx context.Context, key string) (*Document, error)

	// Delete writes a tombstone revision for key.
	Delete(ctx context.Context, key string) (RevID, error)

	// Close releases the underlying storage.
	Close() error
}

// Batch is the unit of work handed to RunBatch.
// Reads observe the batch's own staged writes.
type Batch interface {
	Save(ctx context.Context, doc *Document) (RevID, error)
	Get(ctx context.Context, key string) (*Document, error)
	Delete(ctx context.Context, key string) (RevID, error)
}

// Batcher is implemented by stores that can commit several writes atomically.
type Batcher interface {
	// RunBatch stages every write made by fn and commits them atomically if
	// fn returns nil. Any error discards all staged writes.
	RunBatch(ctx context.Context, fn func(ctx context.Context, b Batch) error) error
}

// Watchable defines an interface for stores that support live change events.
type Watchable interface {
	// Watch emits an event for every committed change whose key matches the
	// doublestar pattern. The channel closes when ctx is done.
	Watch(ctx context.Context, pattern string) (<-chan Event, error)
}

// Checkpoint is the durable progress of a replication session.
type Checkpoint struct {
	Session string `cbor:"session" json:"session"`
	Push    uint64 `cbor:"push" json:"push"`
	Pull    uint64 `cbor:"pull" json:"pull"`
}

// BlobData carries blob bytes between peers.
type BlobData struct {
	Digest      string `cbor:"digest"`
	ContentType string `cbor:"content_type"`
	Data        []byte `cbor:"data"`
}

// RemoteRevision is a revision as exchanged by replication.
type RemoteRevision struct {
	Key     string     `cbor:"key"`
	Rev     RevID      `cbor:"rev"`
	History []RevID    `cbor:"history"` // newest first, starting with Rev
	Deleted bool       `cbor:"deleted,omitempty"`
	Body    []byte     `cbor:"body,omitempty"`
	Blobs   []BlobData `cbor:"blobs,omitempty"`
}

// ApplyResult describes what ApplyRevision did.
type ApplyResult int

const (
	ApplyNoop ApplyResult = iota
	ApplyFastForward
	ApplyRemoteWins
	ApplyLocalWins
)

func (r ApplyResult) String() string {
	switch r {
	case ApplyNoop:
		return "noop"
	case ApplyFastForward:
		return "fast-forward"
	case ApplyRemoteWins:
		return "conflict-remote-wins"
	case ApplyLocalWins:
		return "conflict-local-wins"
	default:
		return "unknown"
	}
}

// Replicable is the surface the replicator needs from a store.
type Replicable interface {
	Store
	Watchable

	// UUID identifies the store across sessions.
	UUID() string

	// LastSeq returns the highest committed sequence.
	LastSeq() uint64

	// Changes returns at most limit feed entries with a sequence above since.
	Changes(ctx context.Context, since uint64, limit int) ([]Change, error)

	// RevsDiff returns, per key, the revisions the store does not know.
	RevsDiff(ctx context.Context, revs map[string][]RevID) (map[string][]RevID, error)

	// GetRevision loads a revision with up to historyLimit ancestors.
	GetRevision(ctx context.Context, key string, rev RevID, historyLimit int) (RemoteRevision, error)

	// ApplyRevision integrates a revision produced by a peer.
	ApplyRevision(ctx context.Context, rev RemoteRevision) (ApplyResult, error)

	GetCheckpoint(ctx context.Context, session string) (Checkpoint, error)
	SetCheckpoint(ctx context.Context, cp Checkpoint) error
}
