package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/vireo-health/opq/internal/journal"
	pebblestore "github.com/vireo-health/opq/internal/storage/pebble"
)

const keyPrefix = "dedup/"

// Entry is the persisted form of a remembered idempotency key.
type Entry struct {
	Key        string `json:"key"`
	RecordedMs int64  `json:"recorded_ms"`
}

// Cache deduplicates operation submission by caller-supplied key. Entries
// expire after the TTL independently of the operations they protected.
type Cache struct {
	db  *pebblestore.DB
	ttl time.Duration

	// guards the test-and-set in RecordWith; the store has no native
	// compare-and-swap and submission can race across goroutines.
	mu sync.Mutex

	nowMs func() int64
}

// NewCache creates a Cache with the given TTL (24h is the conventional default).
func NewCache(db *pebblestore.DB, ttl time.Duration) *Cache {
	return &Cache{
		db:    db,
		ttl:   ttl,
		nowMs: func() int64 { return time.Now().UnixMilli() },
	}
}

func storageKey(key string) []byte {
	return []byte(keyPrefix + key)
}

// CheckAndRecord atomically tests membership and inserts if absent. It
// returns true only when the key was newly recorded, meaning the caller
// should proceed with the submission.
func (c *Cache) CheckAndRecord(key string) (bool, error) {
	return c.RecordWith(key, func(w journal.Write) error {
		return c.db.Set([]byte(w.Partition+w.Key), w.NewValue)
	})
}

// RecordWith tests membership and, when the key is absent, hands the write
// that persists it to commit. The cache mutex is held across commit, so
// concurrent submissions of the same key serialize, and the entry exists only
// if commit succeeded. Callers enqueuing an operation pass the write into the
// same journal transaction as the operation record, so a failed or
// crash-interrupted enqueue never leaves the key burned without a stored
// operation.
func (c *Cache) RecordWith(key string, commit func(journal.Write) error) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowMs()
	if hit, err := c.lookup(key, now); err != nil {
		return false, err
	} else if hit {
		return false, nil
	}

	val, err := json.Marshal(Entry{Key: key, RecordedMs: now})
	if err != nil {
		return false, fmt.Errorf("marshal dedup entry: %w", err)
	}
	if err := commit(journal.Write{Partition: keyPrefix, Key: key, NewValue: val}); err != nil {
		return false, fmt.Errorf("record idempotency key: %w", err)
	}
	return true, nil
}

// Contains is a non-mutating probe. Expired entries count as absent.
func (c *Cache) Contains(key string) (bool, error) {
	return c.lookup(key, c.nowMs())
}

func (c *Cache) lookup(key string, nowMs int64) (bool, error) {
	raw, err := c.db.Get(storageKey(key))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("read idempotency key: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// unreadable entry: treat as absent so the caller is not wedged
		return false, nil
	}
	if nowMs-e.RecordedMs > c.ttl.Milliseconds() {
		return false, nil
	}
	return true, nil
}

// Cleanup removes entries older than the TTL and returns how many were
// purged. Callers invoke this from idle queue cycles, not a dedicated timer.
func (c *Cache) Cleanup(ctx context.Context) (int, error) {
	cutoff := c.nowMs() - c.ttl.Milliseconds()

	b := c.db.NewBatch()
	defer b.Close()
	purged := 0
	err := c.db.ScanPrefix([]byte(keyPrefix), func(key, value []byte) bool {
		var e Entry
		if err := json.Unmarshal(value, &e); err == nil && e.RecordedMs > cutoff {
			return true
		}
		if err := b.Delete(append([]byte(nil), key...), nil); err != nil {
			return false
		}
		purged++
		return true
	})
	if err != nil {
		return 0, err
	}
	if purged == 0 {
		return 0, nil
	}
	if err := c.db.CommitBatch(ctx, b); err != nil {
		return 0, fmt.Errorf("commit dedup cleanup: %w", err)
	}
	return purged, nil
}
