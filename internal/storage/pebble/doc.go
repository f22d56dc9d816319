// Package pebblestore provides a thin wrapper around Pebble with fsync
// policy, snapshots, batches, prefix scans, and minimal metrics hooks.
//
// The engine keeps its four logical tables (operations, emergency
// operations, locks, journal) in one Pebble instance, separated by key
// prefix. Batches are the only multi-key write primitive; anything that must
// be atomic across prefixes goes through a single batch commit, or through
// the journal package when the writes span separately-committed steps.
//
// Usage:
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeAlways,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	b := db.NewBatch()
//	_ = b.Set([]byte("k"), []byte("v"), nil)
//	_ = db.CommitBatch(context.Background(), b)
//	b.Close()
package pebblestore
