package pebblestore

import "github.com/cockroachdb/pebble"

// PrefixUpperBound returns the exclusive upper bound for scanning all keys
// that start with prefix.
func PrefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix)+1)
	copy(end, prefix)
	end[len(prefix)] = 0xFF
	return end
}

// ScanPrefix visits every key/value pair under prefix in key order. The
// callback receives slices that are only valid for the duration of the call;
// it returns false to stop early.
func (db *DB) ScanPrefix(prefix []byte, fn func(key, value []byte) bool) error {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: PrefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

// CountPrefix returns the number of keys under prefix.
func (db *DB) CountPrefix(prefix []byte) (int, error) {
	n := 0
	err := db.ScanPrefix(prefix, func(_, _ []byte) bool {
		n++
		return true
	})
	return n, err
}

// DeletePrefix removes every key under prefix in a single atomic batch.
func (db *DB) DeletePrefix(prefix []byte) error {
	return db.inner.DeleteRange(prefix, PrefixUpperBound(prefix), db.syncMode())
}

func (db *DB) syncMode() *pebble.WriteOptions {
	if db.writeSync {
		return pebble.Sync
	}
	return pebble.NoSync
}
