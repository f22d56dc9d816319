package migrate

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/vireo-health/opq/internal/opstore"
	pebblestore "github.com/vireo-health/opq/internal/storage/pebble"
)

// BackfillNextEligible upgrades version 1 stores, which predate backoff
// gating, to version 2 by giving every queued record an explicit
// next_eligible_ms. Records without one were treated as immediately
// eligible, so the backfill writes created_ms, preserving that behavior.
type BackfillNextEligible struct{}

func (BackfillNextEligible) ID() string       { return "backfill-next-eligible" }
func (BackfillNextEligible) FromVersion() int { return 1 }
func (BackfillNextEligible) ToVersion() int   { return 2 }
func (BackfillNextEligible) Reversible() bool { return true }

func queuePartitions() []string {
	return []string{opstore.PartitionActive, opstore.PartitionEmergency}
}

// DryRun confirms every queued record decodes as a JSON object.
func (BackfillNextEligible) DryRun(ctx context.Context, db *pebblestore.DB) error {
	for _, part := range queuePartitions() {
		var bad string
		err := db.ScanPrefix([]byte(part), func(k, v []byte) bool {
			var fields map[string]any
			if json.Unmarshal(v, &fields) != nil {
				bad = string(k)
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
		if bad != "" {
			return fmt.Errorf("record %s is not a JSON object", bad)
		}
	}
	return nil
}

func (BackfillNextEligible) Migrate(ctx context.Context, db *pebblestore.DB) error {
	return rewriteRecords(db, func(fields map[string]any) bool {
		if _, ok := fields["next_eligible_ms"]; ok {
			return false
		}
		created, _ := fields["created_ms"].(float64)
		fields["next_eligible_ms"] = created
		return true
	})
}

func (BackfillNextEligible) VerifySchema(ctx context.Context, db *pebblestore.DB) error {
	for _, part := range queuePartitions() {
		var missing string
		err := db.ScanPrefix([]byte(part), func(k, v []byte) bool {
			var fields map[string]any
			if json.Unmarshal(v, &fields) != nil {
				missing = string(k)
				return false
			}
			if _, ok := fields["next_eligible_ms"]; !ok {
				missing = string(k)
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
		if missing != "" {
			return fmt.Errorf("record %s still lacks next_eligible_ms", missing)
		}
	}
	return nil
}

// Rollback strips the field again. Records that carried the field before
// the migration cannot be told apart, so rollback removes it everywhere;
// version 1 readers ignored it anyway.
func (BackfillNextEligible) Rollback(ctx context.Context, db *pebblestore.DB) error {
	return rewriteRecords(db, func(fields map[string]any) bool {
		if _, ok := fields["next_eligible_ms"]; !ok {
			return false
		}
		delete(fields, "next_eligible_ms")
		return true
	})
}

// rewriteRecords applies mutate to every queued record, rewriting only the
// ones where mutate reports a change.
func rewriteRecords(db *pebblestore.DB, mutate func(map[string]any) bool) error {
	for _, part := range queuePartitions() {
		type change struct {
			key []byte
			val []byte
		}
		var changes []change
		var scanErr error
		err := db.ScanPrefix([]byte(part), func(k, v []byte) bool {
			var fields map[string]any
			if uerr := json.Unmarshal(v, &fields); uerr != nil {
				scanErr = fmt.Errorf("decode %s: %w", k, uerr)
				return false
			}
			if !mutate(fields) {
				return true
			}
			raw, merr := json.Marshal(fields)
			if merr != nil {
				scanErr = fmt.Errorf("encode %s: %w", k, merr)
				return false
			}
			key := make([]byte, len(k))
			copy(key, k)
			changes = append(changes, change{key: key, val: raw})
			return true
		})
		if err != nil {
			return err
		}
		if scanErr != nil {
			return scanErr
		}
		for _, c := range changes {
			if err := db.Set(c.key, c.val); err != nil {
				return fmt.Errorf("rewrite %s: %w", c.key, err)
			}
		}
	}
	return nil
}

// All returns every known migration in no particular order; the runner
// sorts them.
func All() []Migration {
	return []Migration{BackfillNextEligible{}}
}
