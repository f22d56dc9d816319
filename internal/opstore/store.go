// Package opstore persists queued operations across three partitions: the
// active queue, the emergency fast lane, and the quarantine archive. A
// fourth partition indexes every record by id so lookups do not depend on
// knowing which partition currently holds the record.
//
// Every write that touches more than one partition goes through the journal,
// so a crash between the data write and the index write cannot leave the
// index pointing at a missing record.
package opstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/vireo-health/opq/internal/audit"
	"github.com/vireo-health/opq/internal/journal"
	pebblestore "github.com/vireo-health/opq/internal/storage/pebble"
	"github.com/vireo-health/opq/pkg/log"
)

// Partition prefixes. The journal addresses a write as partition + key, so
// these double as the journal partition names.
const (
	PartitionActive     = "ops/"
	PartitionEmergency  = "em/"
	PartitionQuarantine = "quar/"
	PartitionIndex      = "idx/"
)

// ErrNotFound is returned when no record exists under the given id.
var ErrNotFound = errors.New("opstore: record not found")

// Store owns the operation partitions.
type Store struct {
	db     *pebblestore.DB
	jnl    *journal.Journal
	trail  *audit.Trail
	logger log.Logger
}

// New creates a Store. The audit trail may be nil in tests.
func New(db *pebblestore.DB, jnl *journal.Journal, trail *audit.Trail, logger log.Logger) *Store {
	return &Store{
		db:     db,
		jnl:    jnl,
		trail:  trail,
		logger: logger.WithComponent("opstore"),
	}
}

// location returns the partition and in-partition key for an active record.
func location(rec Record) (partition, key string) {
	if rec.Priority == PriorityEmergency {
		return PartitionEmergency, rec.ID
	}
	return PartitionActive, rec.Priority.rank() + rec.ID
}

type indexEntry struct {
	Partition string `json:"partition"`
	Key       string `json:"key"`
}

func encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("opstore: encode: %w", err)
	}
	return raw, nil
}

// runTxn wraps writes in a journal transaction so partial application is
// rolled back at next startup, then applies and commits.
func (s *Store) runTxn(ctx context.Context, writes []journal.Write) error {
	tx, err := s.jnl.Begin(ctx)
	if err != nil {
		return err
	}
	for _, w := range writes {
		if err := tx.Record(ctx, w.Partition, w.Key, w.NewValue); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
	}
	if err := tx.Apply(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// Put persists a new record and its index entry atomically. Extra writes,
// such as the idempotency entry guarding the submission, join the same
// transaction.
func (s *Store) Put(ctx context.Context, rec Record, extra ...journal.Write) error {
	part, key := location(rec)
	raw, err := encode(rec)
	if err != nil {
		return err
	}
	idx, err := encode(indexEntry{Partition: part, Key: key})
	if err != nil {
		return err
	}
	writes := []journal.Write{
		{Partition: part, Key: key, NewValue: raw},
		{Partition: PartitionIndex, Key: rec.ID, NewValue: idx},
	}
	return s.runTxn(ctx, append(writes, extra...))
}

// Get looks a record up by id, wherever it currently lives.
func (s *Store) Get(ctx context.Context, opID string) (Record, error) {
	rawIdx, err := s.db.Get([]byte(PartitionIndex + opID))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("opstore: read index for %s: %w", opID, err)
	}
	var idx indexEntry
	if err := json.Unmarshal(rawIdx, &idx); err != nil {
		return Record{}, fmt.Errorf("opstore: corrupt index entry for %s: %w", opID, err)
	}
	raw, err := s.db.Get([]byte(idx.Partition + idx.Key))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			// dangling index entry, treat as absent
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("opstore: read record %s: %w", opID, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("opstore: corrupt record %s: %w", opID, err)
	}
	return rec, nil
}

// Update rewrites a record in place. The record must not have changed
// priority or left the active lifecycle; those moves go through Quarantine
// or Requeue, which also relocate the data.
func (s *Store) Update(ctx context.Context, rec Record) error {
	part, key := location(rec)
	raw, err := encode(rec)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(part+key), raw)
}

// Delete removes a record and its index entry atomically. Used for
// acknowledgment and cancellation.
func (s *Store) Delete(ctx context.Context, rec Record) error {
	part, key := location(rec)
	if rec.DeliveryState == StateQuarantined {
		part, key = PartitionQuarantine, rec.ID
	}
	return s.runTxn(ctx, []journal.Write{
		{Partition: part, Key: key, NewValue: nil},
		{Partition: PartitionIndex, Key: rec.ID, NewValue: nil},
	})
}

// Quarantine moves a record out of its queue into the archive, recording the
// failure classification that put it there.
func (s *Store) Quarantine(ctx context.Context, rec Record, reason string, nowMs int64) error {
	oldPart, oldKey := location(rec)
	rec.DeliveryState = StateQuarantined
	rec.QuarantineReason = reason
	rec.QuarantinedMs = nowMs
	rec.UpdatedMs = nowMs

	raw, err := encode(rec)
	if err != nil {
		return err
	}
	idx, err := encode(indexEntry{Partition: PartitionQuarantine, Key: rec.ID})
	if err != nil {
		return err
	}
	if err := s.runTxn(ctx, []journal.Write{
		{Partition: oldPart, Key: oldKey, NewValue: nil},
		{Partition: PartitionQuarantine, Key: rec.ID, NewValue: raw},
		{Partition: PartitionIndex, Key: rec.ID, NewValue: idx},
	}); err != nil {
		return err
	}
	s.trail.Record(audit.KindQuarantined, map[string]string{
		"operation_id":   rec.ID,
		"operation_type": rec.OperationType,
		"reason":         reason,
	})
	return nil
}

// Requeue moves a quarantined record back into its queue with a fresh retry
// budget.
func (s *Store) Requeue(ctx context.Context, opID string, nowMs int64) (Record, error) {
	rec, err := s.Get(ctx, opID)
	if err != nil {
		return Record{}, err
	}
	if rec.DeliveryState != StateQuarantined {
		return Record{}, fmt.Errorf("opstore: record %s is %s, not quarantined", opID, rec.DeliveryState)
	}
	rec.DeliveryState = StatePending
	rec.Attempts = 0
	rec.NextEligibleMs = 0
	rec.LastError = ""
	rec.QuarantineReason = ""
	rec.QuarantinedMs = 0
	rec.Escalated = false
	rec.UpdatedMs = nowMs

	part, key := location(rec)
	raw, err := encode(rec)
	if err != nil {
		return Record{}, err
	}
	idx, err := encode(indexEntry{Partition: part, Key: key})
	if err != nil {
		return Record{}, err
	}
	if err := s.runTxn(ctx, []journal.Write{
		{Partition: PartitionQuarantine, Key: opID, NewValue: nil},
		{Partition: part, Key: key, NewValue: raw},
		{Partition: PartitionIndex, Key: opID, NewValue: idx},
	}); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// NextEmergency returns the oldest retryable record in the emergency
// partition. Backoff gating does not apply here; eligibility by
// next_eligible_ms is still honored so the aggressive retry ladder can space
// attempts, but the caller may pass 0 to drain unconditionally.
func (s *Store) NextEmergency(ctx context.Context, nowMs int64) (Record, bool, error) {
	return s.scanNext(ctx, PartitionEmergency, func(rec Record) bool {
		if !rec.DeliveryState.Retryable() {
			return false
		}
		return nowMs == 0 || nowMs >= rec.NextEligibleMs
	})
}

// NextActive returns the next eligible record from the active partition:
// highest priority tier first, oldest first within a tier.
func (s *Store) NextActive(ctx context.Context, nowMs int64) (Record, bool, error) {
	return s.scanNext(ctx, PartitionActive, func(rec Record) bool {
		return rec.DeliveryState.Retryable() && nowMs >= rec.NextEligibleMs
	})
}

// scanNext walks a partition in key order and returns the first record that
// satisfies eligible. A record that fails to decode marks the partition
// corrupt; the partition is backed up and emptied so the queue can keep
// running, and the scan reports no eligible work.
func (s *Store) scanNext(ctx context.Context, partition string, eligible func(Record) bool) (Record, bool, error) {
	var (
		found   Record
		ok      bool
		corrupt bool
	)
	err := s.db.ScanPrefix([]byte(partition), func(k, v []byte) bool {
		var rec Record
		if uerr := json.Unmarshal(v, &rec); uerr != nil {
			corrupt = true
			return false
		}
		if eligible(rec) {
			found, ok = rec, true
			return false
		}
		return true
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("opstore: scan %s: %w", partition, err)
	}
	if corrupt {
		if derr := s.degrade(ctx, partition); derr != nil {
			return Record{}, false, derr
		}
		return Record{}, false, nil
	}
	return found, ok, nil
}

// degrade backs the partition up under a corruption prefix and empties it,
// trading queued work for a running engine.
func (s *Store) degrade(ctx context.Context, partition string) error {
	moved, backup, err := s.db.RecoverPrefix(ctx, []byte(partition))
	if err != nil {
		return fmt.Errorf("opstore: degrade %s: %w", partition, err)
	}
	s.logger.Error("partition degraded after corrupt record",
		log.Str("partition", partition),
		log.Int("records_backed_up", moved),
		log.Str("backup_prefix", backup),
	)
	s.trail.Record(audit.KindPartitionDegraded, map[string]string{
		"partition":     partition,
		"backed_up":     fmt.Sprintf("%d", moved),
		"backup_prefix": backup,
	})
	return nil
}

// CountRetryable counts records in a partition still waiting for delivery,
// regardless of eligibility. Feeds the pending gauge.
func (s *Store) CountRetryable(partition string) (int, error) {
	n := 0
	err := s.db.ScanPrefix([]byte(partition), func(k, v []byte) bool {
		var rec Record
		if json.Unmarshal(v, &rec) == nil && rec.DeliveryState.Retryable() {
			n++
		}
		return true
	})
	return n, err
}

// ListQuarantined returns up to limit archived records in id order. A limit
// of zero or less means no limit.
func (s *Store) ListQuarantined(ctx context.Context, limit int) ([]Record, error) {
	var out []Record
	err := s.db.ScanPrefix([]byte(PartitionQuarantine), func(k, v []byte) bool {
		var rec Record
		if uerr := json.Unmarshal(v, &rec); uerr != nil {
			s.logger.Warn("skipping corrupt archive record", log.Str("key", string(k)))
			return true
		}
		out = append(out, rec)
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, fmt.Errorf("opstore: list quarantine: %w", err)
	}
	return out, nil
}
