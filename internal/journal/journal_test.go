package journal

import (
	"context"
	"io"
	"testing"

	pebblestore "github.com/vireo-health/opq/internal/storage/pebble"
	"github.com/vireo-health/opq/pkg/log"
)

func newTestJournal(t *testing.T) (*Journal, *pebblestore.DB) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	logger := log.NewLogger(log.WithOutput(log.NewWriterOutput(io.Discard)))
	return New(db, logger, nil), db
}

func TestCommitAppliesAndDeletesEntry(t *testing.T) {
	j, db := newTestJournal(t)
	ctx := context.Background()

	txn, err := j.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := txn.Record(ctx, "ops/", "a", []byte("1")); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := txn.Record(ctx, "idx/", "a", []byte("x")); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := txn.Apply(ctx); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if v, err := db.Get([]byte("ops/a")); err != nil || string(v) != "1" {
		t.Fatalf("write not applied: %q %v", v, err)
	}
	n, _ := db.CountPrefix([]byte(keyPrefix))
	if n != 0 {
		t.Fatalf("journal entry not deleted: %d", n)
	}

	// closed handle rejects further use
	if err := txn.Commit(ctx); err != ErrTxnClosed {
		t.Fatalf("expected ErrTxnClosed, got %v", err)
	}
}

func TestRollbackRestoresOldValues(t *testing.T) {
	j, db := newTestJournal(t)
	ctx := context.Background()

	if err := db.Set([]byte("ops/a"), []byte("old")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	txn, _ := j.Begin(ctx)
	_ = txn.Record(ctx, "ops/", "a", []byte("new"))
	_ = txn.Record(ctx, "idx/", "a", []byte("created"))
	_ = txn.Apply(ctx)

	if err := txn.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if v, _ := db.Get([]byte("ops/a")); string(v) != "old" {
		t.Fatalf("pre-existing key not restored: %q", v)
	}
	if _, err := db.Get([]byte("idx/a")); !pebblestore.IsNotFound(err) {
		t.Fatalf("created key should be deleted on rollback: %v", err)
	}
	n, _ := db.CountPrefix([]byte(keyPrefix))
	if n != 0 {
		t.Fatalf("journal entry not deleted after rollback: %d", n)
	}
}

func TestReplayPendingRestoresPartitions(t *testing.T) {
	j, db := newTestJournal(t)
	ctx := context.Background()

	if err := db.Set([]byte("ops/a"), []byte("v1")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// simulate a crash after record+apply but before commit
	txn, _ := j.Begin(ctx)
	_ = txn.Record(ctx, "ops/", "a", []byte("v2"))
	_ = txn.Record(ctx, "ops/", "b", []byte("v3"))
	_ = txn.Apply(ctx)
	// no commit: handle is abandoned

	count, err := j.ReplayPending(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if count != 1 {
		t.Fatalf("want 1 replayed transaction, got %d", count)
	}

	if v, _ := db.Get([]byte("ops/a")); string(v) != "v1" {
		t.Fatalf("ops/a not restored: %q", v)
	}
	if _, err := db.Get([]byte("ops/b")); !pebblestore.IsNotFound(err) {
		t.Fatalf("ops/b should not exist after replay")
	}

	// second replay is a no-op
	count, err = j.ReplayPending(ctx)
	if err != nil || count != 0 {
		t.Fatalf("second replay: count=%d err=%v", count, err)
	}
}

func TestReplayCrashBeforeApply(t *testing.T) {
	j, db := newTestJournal(t)
	ctx := context.Background()

	if err := db.Set([]byte("ops/a"), []byte("v1")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// crash after record, before the guarded write: rollback re-writes the
	// current value, which is harmless
	txn, _ := j.Begin(ctx)
	_ = txn.Record(ctx, "ops/", "a", []byte("v2"))

	count, err := j.ReplayPending(ctx)
	if err != nil || count != 1 {
		t.Fatalf("replay: count=%d err=%v", count, err)
	}
	if v, _ := db.Get([]byte("ops/a")); string(v) != "v1" {
		t.Fatalf("value disturbed: %q", v)
	}
}

func TestReplayKeepsEmptyValuesDistinctFromAbsent(t *testing.T) {
	j, db := newTestJournal(t)
	ctx := context.Background()

	// a key that existed with an empty value must survive rollback as an
	// empty value, not get deleted
	if err := db.Set([]byte("ops/empty"), []byte{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	txn, _ := j.Begin(ctx)
	_ = txn.Record(ctx, "ops/", "empty", []byte("filled"))
	// a key written with an empty (but present) value must be deleted on
	// rollback, since it did not exist before
	_ = txn.Record(ctx, "ops/", "created", []byte{})
	_ = txn.Apply(ctx)
	// no commit: handle is abandoned

	if v, err := db.Get([]byte("ops/created")); err != nil || len(v) != 0 {
		t.Fatalf("empty write not applied: %q %v", v, err)
	}

	count, err := j.ReplayPending(ctx)
	if err != nil || count != 1 {
		t.Fatalf("replay: count=%d err=%v", count, err)
	}

	if v, err := db.Get([]byte("ops/empty")); err != nil || len(v) != 0 {
		t.Fatalf("empty-valued key not restored: %q %v", v, err)
	}
	if _, err := db.Get([]byte("ops/created")); !pebblestore.IsNotFound(err) {
		t.Fatalf("created key should be deleted on replay: %v", err)
	}
}
