package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	pebblestore "github.com/vireo-health/opq/internal/storage/pebble"
	"github.com/vireo-health/opq/pkg/id"
	"github.com/vireo-health/opq/pkg/log"
)

// Kind tags the class of engine event being recorded.
type Kind string

const (
	KindLockTakeover       Kind = "lock_takeover"
	KindJournalRollback    Kind = "journal_rollback"
	KindQuarantined        Kind = "operation_quarantined"
	KindProcessorPaused    Kind = "processor_paused"
	KindProcessorResumed   Kind = "processor_resumed"
	KindSchemaMigrated     Kind = "schema_migrated"
	KindPartitionDegraded  Kind = "partition_degraded"
	KindEmergencyEscalated Kind = "emergency_escalated"
)

// Record is one persisted audit entry. Like the metrics surface it is
// observational: the engine writes it and operators read it, but no engine
// decision ever consults it.
type Record struct {
	ID     string            `json:"id"`
	AtMs   int64             `json:"at_ms"`
	Kind   Kind              `json:"kind"`
	Detail map[string]string `json:"detail,omitempty"`
}

const keyPrefix = "audit/"

// Trail is an append-only log of engine events, keyed by sortable id so a
// prefix scan yields chronological order.
type Trail struct {
	db     *pebblestore.DB
	gen    *id.Generator
	logger log.Logger
}

// NewTrail creates a Trail backed by db.
func NewTrail(db *pebblestore.DB, logger log.Logger) *Trail {
	return &Trail{db: db, gen: id.NewGenerator(), logger: logger.WithComponent("audit")}
}

// Append writes a record and returns its id. Append failures are logged and
// swallowed by Record below; the trail must never block engine progress.
func (t *Trail) Append(kind Kind, detail map[string]string) (string, error) {
	rid := t.gen.Next()
	rec := Record{
		ID:     rid.String(),
		AtMs:   rid.UnixMs(),
		Kind:   kind,
		Detail: detail,
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal audit record: %w", err)
	}
	key := append([]byte(keyPrefix), rid.Bytes()...)
	if err := t.db.Set(key, val); err != nil {
		return "", fmt.Errorf("write audit record: %w", err)
	}
	return rec.ID, nil
}

// Record is the fire-and-forget form of Append used on engine hot paths.
func (t *Trail) Record(kind Kind, detail map[string]string) {
	if t == nil {
		return
	}
	if _, err := t.Append(kind, detail); err != nil {
		t.logger.Warn("audit append failed", log.Str("kind", string(kind)), log.Err(err))
	}
}

// List returns up to limit records in chronological order.
func (t *Trail) List(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	out := make([]Record, 0, limit)
	var decodeErr error
	err := t.db.ScanPrefix([]byte(keyPrefix), func(_, value []byte) bool {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			decodeErr = err
			return false
		}
		out = append(out, rec)
		return len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode audit record: %w", decodeErr)
	}
	return out, nil
}

// TrimBefore deletes records older than cutoff and returns how many were removed.
func (t *Trail) TrimBefore(ctx context.Context, cutoff time.Time) (int, error) {
	cutoffMs := cutoff.UnixMilli()
	b := t.db.NewBatch()
	defer b.Close()
	deleted := 0
	err := t.db.ScanPrefix([]byte(keyPrefix), func(key, _ []byte) bool {
		rid, err := id.FromBytes(key[len(keyPrefix):])
		if err != nil {
			return true
		}
		if rid.UnixMs() >= cutoffMs {
			// keys are time-ordered; nothing later can be older
			return false
		}
		if err := b.Delete(append([]byte(nil), key...), nil); err != nil {
			return false
		}
		deleted++
		return true
	})
	if err != nil {
		return 0, err
	}
	if deleted == 0 {
		return 0, nil
	}
	if err := t.db.CommitBatch(ctx, b); err != nil {
		return 0, fmt.Errorf("commit audit trim: %w", err)
	}
	return deleted, nil
}
