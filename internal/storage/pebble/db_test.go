package pebblestore

import (
	"context"
	"testing"
	"time"
)

type testMetrics struct {
	wrote        int
	read         int
	batchCommits int
	batchBytes   int
}

func (m *testMetrics) ObserveWrite(d time.Duration, bytes int) { m.wrote += bytes }
func (m *testMetrics) ObserveRead(d time.Duration, bytes int)  { m.read += bytes }
func (m *testMetrics) ObserveBatchCommit(d time.Duration, numOps int, bytes int) {
	m.batchCommits++
	m.batchBytes += bytes
}

func newTestDB(t *testing.T) (*DB, *testMetrics) {
	t.Helper()
	dir := t.TempDir()
	metrics := &testMetrics{}
	db, err := Open(Options{
		DataDir:       dir,
		Fsync:         FsyncModeInterval,
		FsyncInterval: 2 * time.Millisecond,
		Metrics:       metrics,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, metrics
}

func TestCRUD(t *testing.T) {
	db, metrics := newTestDB(t)

	key := []byte("k1")
	val := []byte("v1")
	if err := db.Set(key, val); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := db.Get(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(val) {
		t.Fatalf("got %q want %q", got, val)
	}

	if metrics.read == 0 {
		t.Fatalf("expected read metrics to record bytes")
	}

	if err := db.Delete(key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = db.Get(key)
	if err == nil || !IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestBatchCommitMetrics(t *testing.T) {
	db, metrics := newTestDB(t)

	b := db.NewBatch()
	if err := b.Set([]byte("a"), []byte("1"), nil); err != nil {
		t.Fatalf("batch set: %v", err)
	}
	if err := b.Set([]byte("b"), []byte("2"), nil); err != nil {
		t.Fatalf("batch set: %v", err)
	}
	if err := db.CommitBatch(context.Background(), b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	b.Close()

	if metrics.batchCommits != 1 {
		t.Fatalf("want 1 batch commit, got %d", metrics.batchCommits)
	}
	if metrics.batchBytes <= 0 {
		t.Fatalf("expected positive batch bytes")
	}
}

func TestScanPrefixOrderAndStop(t *testing.T) {
	db, _ := newTestDB(t)
	for _, k := range []string{"ops/b", "ops/a", "ops/c", "locks/x"} {
		if err := db.Set([]byte(k), []byte("v")); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}

	var seen []string
	if err := db.ScanPrefix([]byte("ops/"), func(k, _ []byte) bool {
		seen = append(seen, string(k))
		return true
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(seen) != 3 || seen[0] != "ops/a" || seen[2] != "ops/c" {
		t.Fatalf("unexpected scan result: %v", seen)
	}

	// early stop
	seen = nil
	_ = db.ScanPrefix([]byte("ops/"), func(k, _ []byte) bool {
		seen = append(seen, string(k))
		return false
	})
	if len(seen) != 1 {
		t.Fatalf("expected early stop after 1, got %d", len(seen))
	}

	n, err := db.CountPrefix([]byte("ops/"))
	if err != nil || n != 3 {
		t.Fatalf("count: %d %v", n, err)
	}
}

func TestRecoverPrefixMovesAndEmpties(t *testing.T) {
	db, _ := newTestDB(t)
	for _, k := range []string{"ops/1", "ops/2"} {
		if err := db.Set([]byte(k), []byte("bad")); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	moved, backup, err := db.RecoverPrefix(context.Background(), []byte("ops/"))
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if moved != 2 {
		t.Fatalf("want 2 moved, got %d", moved)
	}

	n, _ := db.CountPrefix([]byte("ops/"))
	if n != 0 {
		t.Fatalf("partition should be empty, has %d", n)
	}
	nb, _ := db.CountPrefix([]byte(backup))
	if nb != 2 {
		t.Fatalf("backup should hold 2, has %d", nb)
	}
}

func TestSnapshotConsistency(t *testing.T) {
	db, _ := newTestDB(t)

	key := []byte("k2")
	if err := db.Set(key, []byte("old")); err != nil {
		t.Fatalf("set: %v", err)
	}
	snap := db.NewSnapshot()
	defer snap.Close()

	if err := db.Set(key, []byte("new")); err != nil {
		t.Fatalf("set: %v", err)
	}

	valOld, closer, err := snap.Get(key)
	if err != nil {
		t.Fatalf("snap get: %v", err)
	}
	if string(valOld) != "old" {
		t.Fatalf("snapshot saw %q want %q", valOld, "old")
	}
	closer.Close()

	valNew, err := db.Get(key)
	if err != nil {
		t.Fatalf("db get: %v", err)
	}
	if string(valNew) != "new" {
		t.Fatalf("db saw %q want %q", valNew, "new")
	}
}
