package level

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/aretw0/humus/pkg/core"
)

var _ core.Replicable = (*Store)(nil)

// RevsDiff returns, per key, the revisions this store does not know.
func (s *Store) RevsDiff(ctx context.Context, revs map[string][]core.RevID) (map[string][]core.RevID, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	missing := make(map[string][]core.RevID)
	for key, list := range revs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h, err := s.readHeader(s.db, key)
		if err != nil {
			return nil, err
		}
		for _, rev := range list {
			if h == nil || !h.Tree.Contains(rev) {
				missing[key] = append(missing[key], rev)
			}
		}
	}
	return missing, nil
}

// GetRevision loads a stored revision with up to historyLimit ancestors
// and the content of every blob it references.
func (s *Store) GetRevision(ctx context.Context, key string, rev core.RevID, historyLimit int) (core.RemoteRevision, error) {
	if err := s.checkOpen(); err != nil {
		return core.RemoteRevision{}, err
	}
	unlock := s.locks.rlock(key)
	defer unlock()

	h, err := s.readHeader(s.db, key)
	if err != nil {
		return core.RemoteRevision{}, err
	}
	if h == nil || !h.Tree.Contains(rev) {
		return core.RemoteRevision{}, fmt.Errorf("%q at %s: %w", key, rev, core.ErrNotFound)
	}
	body, err := s.db.Get(revKey(key, rev), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return core.RemoteRevision{}, fmt.Errorf("body of %q at %s: %w", key, rev, core.ErrNotFound)
	}
	if err != nil {
		return core.RemoteRevision{}, fmt.Errorf("failed to read %q at %s: %w", key, rev, err)
	}

	out := core.RemoteRevision{
		Key:     key,
		Rev:     rev,
		History: h.Tree.History(rev, historyLimit),
		Deleted: h.Tree[rev].Deleted,
		Body:    body,
	}
	if out.Deleted {
		return out, nil
	}

	value, err := core.DecodeBody(body)
	if err != nil {
		return core.RemoteRevision{}, err
	}
	seen := make(map[string]bool)
	for _, b := range value.Blobs(nil) {
		if seen[b.Digest] {
			continue
		}
		seen[b.Digest] = true
		data, err := s.loadBlob(ctx, b.Digest)
		if err != nil {
			return core.RemoteRevision{}, err
		}
		ct := b.ContentType
		if meta, err := s.blobMeta(b.Digest); err == nil && ct == "" {
			ct = meta.ContentType
		}
		out.Blobs = append(out.Blobs, core.BlobData{Digest: b.Digest, ContentType: ct, Data: data})
	}
	return out, nil
}

// ApplyRevision integrates a revision produced by a peer.
//
// Workflow:
// 1. A revision already in the key's tree (winner or loser) is a no-op.
// 2. If the local current revision is in the incoming history, fast-forward.
// 3. Otherwise the revisions conflict: core.ResolveConflict picks the winner.
//    A remote winner is adopted; a local winner is re-sequenced so it flows
//    back to the peer. The loser is recorded as a known revision.
func (s *Store) ApplyRevision(ctx context.Context, rr core.RemoteRevision) (core.ApplyResult, error) {
	if err := s.checkWritable(); err != nil {
		return core.ApplyNoop, err
	}
	if err := core.ValidateKey(rr.Key); err != nil {
		return core.ApplyNoop, err
	}
	if _, err := core.ParseRevID(string(rr.Rev)); err != nil {
		return core.ApplyNoop, err
	}
	if len(rr.History) == 0 || rr.History[0] != rr.Rev {
		rr.History = append([]core.RevID{rr.Rev}, rr.History...)
	}

	unlock := s.locks.lock(rr.Key)
	defer unlock()

	cur, err := s.readHeader(s.db, rr.Key)
	if err != nil {
		return core.ApplyNoop, err
	}
	if cur != nil && cur.Tree.Contains(rr.Rev) {
		return core.ApplyNoop, nil
	}

	var doc *core.Document
	if !rr.Deleted {
		body, err := core.DecodeBody(rr.Body)
		if err != nil {
			return core.ApplyNoop, fmt.Errorf("revision %s of %q: %w", rr.Rev, rr.Key, err)
		}
		doc = core.RestoreDocument(rr.Key, rr.Rev, 0, body)
	}

	next := cur.clone()
	if next == nil {
		next = &header{Tree: core.RevTree{}}
	}
	for i, rev := range rr.History {
		if next.Tree.Contains(rev) {
			break
		}
		var parent core.RevID
		if i+1 < len(rr.History) {
			parent = rr.History[i+1]
		}
		next.Tree.Add(rev, parent, i == 0 && rr.Deleted)
	}

	result := core.ApplyFastForward
	if cur != nil && !slices.Contains(rr.History, cur.Rev) {
		if core.ResolveConflict(cur.Rev, rr.Rev) == rr.Rev {
			result = core.ApplyRemoteWins
			next.Tree.MarkLoser(cur.Rev)
		} else {
			result = core.ApplyLocalWins
			next.Tree.MarkLoser(rr.Rev)
		}
	}

	m := &mutation{key: rr.Key, prev: cur, next: next}
	if result == core.ApplyLocalWins {
		// Same revision, new sequence: the winner replicates back.
		m.keepBody = true
		if cur.live() {
			if m.doc, err = s.loadDoc(s.db, rr.Key, cur); err != nil {
				return core.ApplyNoop, err
			}
		}
		m.removed = next.Tree.Prune(cur.Rev, s.config.RevsLimit)
	} else {
		next.Rev = rr.Rev
		next.Deleted = rr.Deleted
		m.doc = doc
		m.body = rr.Body
		if rr.Deleted {
			m.body = []byte{}
		}
		m.incoming = rr.Blobs
		if doc != nil {
			m.blobs = doc.Blobs()
		}
		m.removed = next.Tree.Prune(rr.Rev, s.config.RevsLimit)
	}

	if err := s.commit([]*mutation{m}); err != nil {
		return core.ApplyNoop, err
	}
	s.logger.Debug("revision applied", "key", rr.Key, "rev", rr.Rev, "result", result)
	return result, nil
}

// GetCheckpoint returns the stored checkpoint of a session, or a zero
// checkpoint when none exists.
func (s *Store) GetCheckpoint(ctx context.Context, session string) (core.Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return core.Checkpoint{}, err
	}
	data, err := s.db.Get(checkpointKey(session), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return core.Checkpoint{Session: session}, nil
	}
	if err != nil {
		return core.Checkpoint{}, fmt.Errorf("failed to read checkpoint %q: %w", session, err)
	}
	var cp core.Checkpoint
	if err := cbor.Unmarshal(data, &cp); err != nil {
		return core.Checkpoint{}, fmt.Errorf("failed to decode checkpoint %q: %w", session, err)
	}
	return cp, nil
}

// SetCheckpoint durably records replication progress.
func (s *Store) SetCheckpoint(ctx context.Context, cp core.Checkpoint) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if cp.Session == "" {
		return errors.New("checkpoint session cannot be empty")
	}
	data, err := cbor.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := s.db.Put(checkpointKey(cp.Session), data, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("failed to write checkpoint %q: %w", cp.Session, err)
	}
	return nil
}

// Checkpoints lists every stored checkpoint.
func (s *Store) Checkpoints(ctx context.Context) ([]core.Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.checkpoints(s.db)
}
