package core

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrReadOnly           = errors.New("store is in read-only mode")
	ErrNotFound           = errors.New("document not found")
	ErrConflict           = errors.New("revision conflict")
	ErrBatchAlreadyActive = errors.New("a batch is already active on this handle")
	ErrMissingIndex       = errors.New("no full-text index covers the field")
	ErrUnboundedQuery     = errors.New("query has no positive predicate to bound it")
	ErrIndexCorrupted     = errors.New("index is inconsistent with stored documents")
	ErrClosed             = errors.New("store is closed")
	ErrInvalidKey         = errors.New("invalid document key")
	ErrInvalidQuery       = errors.New("invalid query")
)

// ConflictError is returned when a save is based on a revision that is no
// longer current.
type ConflictError struct {
	Key     string
	Current RevID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %q: current revision is %s", e.Key, e.Current)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// FieldError reports a value that could not be converted into the document model.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// ReplicationError is surfaced through the replicator status.
type ReplicationError struct {
	Reason string
	Err    error
}

func (e *ReplicationError) Error() string {
	if e.Err == nil {
		return "replication: " + e.Reason
	}
	return fmt.Sprintf("replication: %s: %v", e.Reason, e.Err)
}

func (e *ReplicationError) Unwrap() error { return e.Err }
