// Package humus is the composition root of an embedded document database.
//
// It wires the goleveldb document store (pkg/adapters/level) with secondary
// indexes (pkg/index), declarative queries (pkg/query), atomic batches and
// replication between stores (pkg/replication).
//
// Features:
//
//   - **Revisioned documents**: every write produces a revision; a stale base
//     revision is rejected with core.ErrConflict.
//   - **Indexes**: value indexes and full-text indexes, maintained in the
//     same atomic write as the document.
//   - **Queries**: a fluent builder and a small text syntax, answered the same
//     way with or without indexes.
//   - **Batches**: all-or-nothing groups of writes via Service.RunBatch.
//   - **Replication**: push and pull between stores, in-process or over
//     websocket, with checkpoints and deterministic conflict resolution.
//   - **Typed Retrieval**: generic wrappers (NewTypedRepository[T]) map
//     documents onto Go structs.
//
// Usage:
//
//	svc, err := humus.New("./data",
//		humus.WithAutoInit(true),
//		humus.WithLogger(logger),
//	)
//
//	rev, err := svc.SaveDocument(ctx, core.NewDocumentWithID("notes/1").Set("title", "hello"))
package humus
