package pebblestore

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// corruptPrefix is where degraded partitions are parked for later inspection.
const corruptPrefix = "corrupt/"

// RecoverPrefix degrades a partition that failed to decode: every key under
// prefix is copied to corrupt/{unix_ms}/{original_key} and the originals are
// deleted, leaving the partition empty instead of poisoning every scan.
// Returns the number of keys moved and the backup prefix.
//
// The backup and the deletion commit in one batch, so a crash mid-recovery
// leaves either the original partition or the backup intact, never neither.
func (db *DB) RecoverPrefix(ctx context.Context, prefix []byte) (int, string, error) {
	backup := corruptPrefix + strconv.FormatInt(time.Now().UnixMilli(), 10) + "/"

	b := db.NewBatch()
	defer b.Close()
	moved := 0
	err := db.ScanPrefix(prefix, func(key, value []byte) bool {
		bk := make([]byte, 0, len(backup)+len(key))
		bk = append(bk, backup...)
		bk = append(bk, key...)
		if err := b.Set(bk, append([]byte(nil), value...), nil); err != nil {
			return false
		}
		if err := b.Delete(append([]byte(nil), key...), nil); err != nil {
			return false
		}
		moved++
		return true
	})
	if err != nil {
		return 0, "", fmt.Errorf("scan corrupt partition: %w", err)
	}
	if moved == 0 {
		return 0, backup, nil
	}
	if err := db.CommitBatch(ctx, b); err != nil {
		return 0, "", fmt.Errorf("commit partition recovery: %w", err)
	}
	return moved, backup, nil
}
