package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/vireo-health/opq/internal/audit"
	"github.com/vireo-health/opq/internal/metrics"
	pebblestore "github.com/vireo-health/opq/internal/storage/pebble"
	"github.com/vireo-health/opq/pkg/log"
)

const keyPrefix = "journal/"

// State of a persisted transaction entry. Commit deletes the entry, so any
// state found at startup means the transaction did not complete.
type State string

const (
	StatePending State = "pending"
	StateFailed  State = "failed"
)

// Write captures one intended keyed write, recorded durably before the write
// itself is issued. Explicit presence flags distinguish an empty value from
// an absent key: nil and empty byte slices collapse together across the JSON
// round-trip, so absence cannot be encoded as nil.
type Write struct {
	Partition string `json:"partition"`
	Key       string `json:"key"`
	// OldExisted marks that the key held a value (possibly empty) before
	// the transaction; rollback deletes the key when it is false.
	OldExisted bool   `json:"old_existed"`
	OldValue   []byte `json:"old_value,omitempty"`
	// Delete marks the write as a deletion rather than a write of an
	// empty value.
	Delete   bool   `json:"delete,omitempty"`
	NewValue []byte `json:"new_value,omitempty"`
}

// Entry is the persisted transaction record.
type Entry struct {
	TransactionID string  `json:"transaction_id"`
	State         State   `json:"state"`
	CreatedMs     int64   `json:"created_ms"`
	Writes        []Write `json:"writes"`
	ErrorMessage  string  `json:"error_message,omitempty"`
}

// ErrTxnClosed is returned when a transaction handle is used after Commit or
// Rollback.
var ErrTxnClosed = errors.New("journal: transaction already closed")

// Journal provides atomicity across multiple keyed partitions. It is the only
// mechanism in the engine that does; bare multi-partition write sequences must
// never be used where partial application would corrupt derived state.
type Journal struct {
	db     *pebblestore.DB
	logger log.Logger
	trail  *audit.Trail
}

// New creates a Journal. The audit trail may be nil in tests.
func New(db *pebblestore.DB, logger log.Logger, trail *audit.Trail) *Journal {
	return &Journal{db: db, logger: logger.WithComponent("journal"), trail: trail}
}

// Txn is an open transaction handle.
type Txn struct {
	j      *Journal
	entry  Entry
	closed bool
}

func entryKey(txnID string) []byte {
	return []byte(keyPrefix + txnID)
}

// Begin opens a transaction and durably persists its (empty) entry.
func (j *Journal) Begin(ctx context.Context) (*Txn, error) {
	t := &Txn{
		j: j,
		entry: Entry{
			TransactionID: uuid.NewString(),
			State:         StatePending,
			CreatedMs:     time.Now().UnixMilli(),
		},
	}
	if err := t.persist(); err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return t, nil
}

// ID returns the transaction id.
func (t *Txn) ID() string { return t.entry.TransactionID }

func (t *Txn) persist() error {
	val, err := json.Marshal(t.entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	return t.j.db.Set(entryKey(t.entry.TransactionID), val)
}

// Record captures an intended write and durably persists it. It must be
// called, and must return, before the corresponding write is issued. A nil
// newValue records a delete.
func (t *Txn) Record(ctx context.Context, partition, key string, newValue []byte) error {
	if t.closed {
		return ErrTxnClosed
	}
	storageKey := []byte(partition + key)
	var old []byte
	oldExisted := false
	if cur, err := t.j.db.Get(storageKey); err == nil {
		old = cur
		oldExisted = true
	} else if !pebblestore.IsNotFound(err) {
		return fmt.Errorf("read current value for journal: %w", err)
	}
	t.entry.Writes = append(t.entry.Writes, Write{
		Partition:  partition,
		Key:        key,
		OldExisted: oldExisted,
		OldValue:   old,
		Delete:     newValue == nil,
		NewValue:   newValue,
	})
	return t.persist()
}

// Apply issues every recorded write in order. Each write commits separately;
// a crash mid-apply is recovered by the startup rollback.
func (t *Txn) Apply(ctx context.Context) error {
	if t.closed {
		return ErrTxnClosed
	}
	for _, w := range t.entry.Writes {
		storageKey := []byte(w.Partition + w.Key)
		var err error
		if w.Delete {
			err = t.j.db.Delete(storageKey)
		} else {
			err = t.j.db.Set(storageKey, w.NewValue)
		}
		if err != nil {
			return fmt.Errorf("apply journaled write %s%s: %w", w.Partition, w.Key, err)
		}
	}
	return nil
}

// Commit deletes the journal entry. Only call after every recorded write has
// been applied; the transaction is complete precisely when the entry is gone.
func (t *Txn) Commit(ctx context.Context) error {
	if t.closed {
		return ErrTxnClosed
	}
	if err := t.j.db.Delete(entryKey(t.entry.TransactionID)); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	t.closed = true
	return nil
}

// Rollback restores every recorded old value in reverse order, then deletes
// the entry. Restore and entry deletion share one batch, so a crash during
// rollback leaves the entry in place to be retried at startup.
func (t *Txn) Rollback(ctx context.Context) error {
	if t.closed {
		return ErrTxnClosed
	}
	if err := t.j.rollbackEntry(ctx, t.entry); err != nil {
		return err
	}
	t.closed = true
	return nil
}

func (j *Journal) rollbackEntry(ctx context.Context, e Entry) error {
	b := j.db.NewBatch()
	defer b.Close()
	for i := len(e.Writes) - 1; i >= 0; i-- {
		w := e.Writes[i]
		storageKey := []byte(w.Partition + w.Key)
		var err error
		if !w.OldExisted {
			err = b.Delete(storageKey, nil)
		} else {
			err = b.Set(storageKey, w.OldValue, nil)
		}
		if err != nil {
			return fmt.Errorf("stage rollback of %s%s: %w", w.Partition, w.Key, err)
		}
	}
	if err := b.Delete(entryKey(e.TransactionID), nil); err != nil {
		return fmt.Errorf("stage entry delete: %w", err)
	}
	if err := j.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("commit rollback: %w", err)
	}
	return nil
}

// ReplayPending scans for entries left behind by an incomplete transaction
// and rolls each back. An entry's mere presence proves incompleteness, since
// commit deletes it. Returns how many transactions were rolled back.
func (j *Journal) ReplayPending(ctx context.Context) (int, error) {
	var entries []Entry
	var decodeErr error
	err := j.db.ScanPrefix([]byte(keyPrefix), func(_, value []byte) bool {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			decodeErr = err
			return false
		}
		entries = append(entries, e)
		return true
	})
	if err != nil {
		return 0, err
	}
	if decodeErr != nil {
		return 0, fmt.Errorf("decode journal entry: %w", decodeErr)
	}

	for _, e := range entries {
		if err := j.rollbackEntry(ctx, e); err != nil {
			return 0, fmt.Errorf("replay transaction %s: %w", e.TransactionID, err)
		}
		j.logger.Warn("rolled back incomplete transaction",
			log.Str("transaction_id", e.TransactionID),
			log.Int("writes", len(e.Writes)),
		)
		metrics.JournalRollbacks.Inc()
		j.trail.Record(audit.KindJournalRollback, map[string]string{
			"transaction_id": e.TransactionID,
		})
	}
	return len(entries), nil
}
