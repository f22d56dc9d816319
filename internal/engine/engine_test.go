package engine

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireo-health/opq/internal/config"
	"github.com/vireo-health/opq/internal/conflict"
	"github.com/vireo-health/opq/internal/dedup"
	"github.com/vireo-health/opq/internal/journal"
	"github.com/vireo-health/opq/internal/opstore"
	"github.com/vireo-health/opq/internal/payload"
	"github.com/vireo-health/opq/internal/processor"
	"github.com/vireo-health/opq/internal/proclock"
	pebblestore "github.com/vireo-health/opq/internal/storage/pebble"
	"github.com/vireo-health/opq/pkg/log"
)

type okDeliverer struct{ calls int }

func (d *okDeliverer) Process(_ context.Context, _ opstore.Record) processor.Result {
	d.calls++
	return processor.Result{Success: true, ServerID: "srv-1"}
}

func newTestEngine(t *testing.T) (*Engine, *opstore.Store, *okDeliverer) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := log.NewLogger(log.WithOutput(log.NewWriterOutput(io.Discard)))
	jnl := journal.New(db, logger, nil)
	store := opstore.New(db, jnl, nil, logger)
	cache := dedup.NewCache(db, 24*time.Hour)

	schemas := payload.NewRegistry()
	require.NoError(t, schemas.Register("vitals.upload", []byte(`{
		"type": "object",
		"required": ["patient_id"],
		"properties": {"patient_id": {"type": "string"}}
	}`)))

	deliverer := &okDeliverer{}
	cfg := config.Default()
	lock := proclock.NewManager(db, logger, nil, proclock.Options{HolderID: "engine-test"})
	t.Cleanup(lock.Close)
	proc := processor.New(store, lock, jnl, cache, deliverer, nil, logger, cfg.Queue, cfg.Emergency)

	return New(store, cache, schemas, proc, logger), store, deliverer
}

func TestEnqueueOnce(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	opID, dup, err := e.Enqueue(ctx, Request{
		OperationType:  "vitals.upload",
		IdempotencyKey: "k-1",
		Payload:        map[string]any{"patient_id": "p-1"},
	})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.NotEmpty(t, opID)

	state, found, err := e.Status(ctx, opID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, opstore.StatePending, state)
}

func TestEnqueueDeduplicates(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	req := Request{
		OperationType:  "vitals.upload",
		IdempotencyKey: "k-dup",
		Payload:        map[string]any{"patient_id": "p-1"},
	}
	first, dup, err := e.Enqueue(ctx, req)
	require.NoError(t, err)
	require.False(t, dup)

	second, dup, err := e.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Empty(t, second)

	// exactly one stored record
	n, err := store.CountRetryable(opstore.PartitionActive)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, found, err := e.Status(ctx, first)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestEnqueueWithoutKeyNeverDeduplicates(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, dup, err := e.Enqueue(ctx, Request{
			OperationType: "vitals.upload",
			Payload:       map[string]any{"patient_id": "p-1"},
		})
		require.NoError(t, err)
		assert.False(t, dup)
	}
	n, err := store.CountRetryable(opstore.PartitionActive)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEnqueueValidation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, _, err := e.Enqueue(ctx, Request{Payload: map[string]any{}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, _, err = e.Enqueue(ctx, Request{
		OperationType: "vitals.upload",
		Priority:      "urgent",
		Payload:       map[string]any{"patient_id": "p-1"},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	// schema violation: required field missing
	_, _, err = e.Enqueue(ctx, Request{
		OperationType: "vitals.upload",
		Payload:       map[string]any{},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRejectedEnqueueDoesNotBurnKey(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, _, err := e.Enqueue(ctx, Request{
		OperationType:  "vitals.upload",
		IdempotencyKey: "k-retry",
		Payload:        map[string]any{},
	})
	require.ErrorIs(t, err, ErrInvalidRequest)

	// a corrected resubmission with the same key must go through
	_, dup, err := e.Enqueue(ctx, Request{
		OperationType:  "vitals.upload",
		IdempotencyKey: "k-retry",
		Payload:        map[string]any{"patient_id": "p-1"},
	})
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestFailedPersistDoesNotBurnKey(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	// an unencodable payload makes the store reject the record after the
	// dedup check has passed
	_, _, err := e.Enqueue(ctx, Request{
		OperationType:  "notes.sync",
		IdempotencyKey: "k-persist",
		Payload:        map[string]any{"ch": make(chan int)},
	})
	require.Error(t, err)

	// the key was not recorded, so the retry is accepted instead of being
	// rejected as a duplicate of an operation that was never stored
	_, dup, err := e.Enqueue(ctx, Request{
		OperationType:  "notes.sync",
		IdempotencyKey: "k-persist",
		Payload:        map[string]any{"note": "n-1"},
	})
	require.NoError(t, err)
	assert.False(t, dup)

	n, err := store.CountRetryable(opstore.PartitionActive)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCrashMidEnqueueFreesKeyOnReplay(t *testing.T) {
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	logger := log.NewLogger(log.WithOutput(log.NewWriterOutput(io.Discard)))
	jnl := journal.New(db, logger, nil)
	store := opstore.New(db, jnl, nil, logger)
	cache := dedup.NewCache(db, 24*time.Hour)
	ctx := context.Background()

	// run the enqueue transaction but abandon it between apply and commit,
	// as a crash there would
	rec := opstore.Record{
		ID:             "op-crash",
		OperationType:  "vitals.upload",
		IdempotencyKey: "k-crash",
		Priority:       opstore.PriorityNormal,
		DeliveryState:  opstore.StatePending,
	}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	tx, err := jnl.Begin(ctx)
	require.NoError(t, err)
	fresh, err := cache.RecordWith("k-crash", func(w journal.Write) error {
		if rerr := tx.Record(ctx, opstore.PartitionActive, "1/op-crash", raw); rerr != nil {
			return rerr
		}
		if rerr := tx.Record(ctx, w.Partition, w.Key, w.NewValue); rerr != nil {
			return rerr
		}
		return tx.Apply(ctx)
	})
	require.NoError(t, err)
	require.True(t, fresh)

	hit, err := cache.Contains("k-crash")
	require.NoError(t, err)
	require.True(t, hit)

	// startup replay rolls the half-applied transaction back, and with it
	// the idempotency entry
	n, err := jnl.ReplayPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hit, err = cache.Contains("k-crash")
	require.NoError(t, err)
	assert.False(t, hit, "key must not stay burned after the enqueue rolled back")
	n2, err := store.CountRetryable(opstore.PartitionActive)
	require.NoError(t, err)
	assert.Equal(t, 0, n2)

	fresh, err = cache.CheckAndRecord("k-crash")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestCancel(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	opID, _, err := e.Enqueue(ctx, Request{
		OperationType: "vitals.upload",
		Payload:       map[string]any{"patient_id": "p-1"},
	})
	require.NoError(t, err)

	ok, err := e.Cancel(ctx, opID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, found, err := e.Status(ctx, opID)
	require.NoError(t, err)
	assert.False(t, found)

	ok, err = e.Cancel(ctx, opID)
	require.NoError(t, err)
	assert.False(t, ok, "cancelling a missing operation is false, not an error")
}

func TestRunPassDeliversEnqueued(t *testing.T) {
	e, _, deliverer := newTestEngine(t)
	ctx := context.Background()

	opID, _, err := e.Enqueue(ctx, Request{
		OperationType: "vitals.upload",
		Payload:       map[string]any{"patient_id": "p-1"},
	})
	require.NoError(t, err)

	require.NoError(t, e.RunPass(ctx))
	assert.Equal(t, 1, deliverer.calls)

	_, found, err := e.Status(ctx, opID)
	require.NoError(t, err)
	assert.False(t, found, "acknowledged operations leave no record")
}

func TestPauseResume(t *testing.T) {
	e, _, deliverer := newTestEngine(t)
	ctx := context.Background()

	_, _, err := e.Enqueue(ctx, Request{
		OperationType: "vitals.upload",
		Payload:       map[string]any{"patient_id": "p-1"},
	})
	require.NoError(t, err)

	e.Pause()
	assert.True(t, e.Paused())
	require.NoError(t, e.RunPass(ctx))
	assert.Zero(t, deliverer.calls)

	e.Resume()
	require.NoError(t, e.RunPass(ctx))
	assert.Equal(t, 1, deliverer.calls)
}

func TestResolveConflict(t *testing.T) {
	e, _, _ := newTestEngine(t)

	res := e.ResolveConflict(
		conflict.Record{Version: 5, Data: []byte("local")},
		conflict.Record{Version: 5, Data: []byte("remote")},
	)
	assert.Equal(t, conflict.LocalWins, res.Winner)
	assert.True(t, res.ShouldPush)
}
