// Package journal implements the write-ahead journal that gives the engine
// atomicity across multiple keyed partitions.
//
// # Protocol
//
//	txn, _ := j.Begin(ctx)
//	_ = txn.Record(ctx, "ops/", key, newValue)   // durable before the write
//	_ = txn.Apply(ctx)                           // issue the recorded writes
//	_ = txn.Commit(ctx)                          // delete the entry
//
// Commit deletes the journal entry, so any entry found at startup is by
// construction incomplete: ReplayPending rolls it back by restoring every
// recorded old value in reverse order. Rollback and the entry deletion share
// one storage batch, making recovery itself crash-safe.
//
// Writes guarded by the journal commit individually between Record and
// Commit; the journal, not the storage batch, is what makes the sequence
// atomic from the caller's point of view.
package journal
