package migrate

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireo-health/opq/internal/opstore"
	pebblestore "github.com/vireo-health/opq/internal/storage/pebble"
	"github.com/vireo-health/opq/pkg/log"
)

func newTestRunner(t *testing.T) (*Runner, *pebblestore.DB) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	logger := log.NewLogger(log.WithOutput(log.NewWriterOutput(io.Discard)))
	return NewRunner(db, nil, logger), db
}

// fakeMigration drives the runner without touching storage.
type fakeMigration struct {
	id         string
	from, to   int
	reversible bool
	migrateErr error
	verifyErr  error

	migrated   bool
	rolledBack bool
}

func (m *fakeMigration) ID() string       { return m.id }
func (m *fakeMigration) FromVersion() int { return m.from }
func (m *fakeMigration) ToVersion() int   { return m.to }
func (m *fakeMigration) Reversible() bool { return m.reversible }
func (m *fakeMigration) DryRun(context.Context, *pebblestore.DB) error { return nil }
func (m *fakeMigration) Migrate(context.Context, *pebblestore.DB) error {
	m.migrated = true
	return m.migrateErr
}
func (m *fakeMigration) VerifySchema(context.Context, *pebblestore.DB) error { return m.verifyErr }
func (m *fakeMigration) Rollback(context.Context, *pebblestore.DB) error {
	m.rolledBack = true
	return nil
}

func TestRunAppliesInAscendingOrder(t *testing.T) {
	r, _ := newTestRunner(t)

	// deliberately out of order
	m23 := &fakeMigration{id: "two-three", from: 2, to: 3}
	m12 := &fakeMigration{id: "one-two", from: 1, to: 2}

	applied, err := r.Run(context.Background(), []Migration{m23, m12}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.True(t, m12.migrated)
	assert.True(t, m23.migrated)

	v, err := r.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestRunSkipsAlreadyApplied(t *testing.T) {
	r, _ := newTestRunner(t)
	require.NoError(t, r.setVersion(2))

	m12 := &fakeMigration{id: "one-two", from: 1, to: 2}
	m23 := &fakeMigration{id: "two-three", from: 2, to: 3}

	applied, err := r.Run(context.Background(), []Migration{m12, m23}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.False(t, m12.migrated)
	assert.True(t, m23.migrated)
}

func TestRunHaltsOnFailureLeavingVersion(t *testing.T) {
	r, _ := newTestRunner(t)

	boom := errors.New("boom")
	m12 := &fakeMigration{id: "one-two", from: 1, to: 2, migrateErr: boom}
	m23 := &fakeMigration{id: "two-three", from: 2, to: 3}

	applied, err := r.Run(context.Background(), []Migration{m12, m23}, false)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, applied)
	assert.False(t, m23.migrated, "halt, do not skip")

	v, verr := r.CurrentVersion()
	require.NoError(t, verr)
	assert.Equal(t, 1, v, "version marker unchanged so the step retries next startup")
}

func TestVerifyFailureRollsBackReversible(t *testing.T) {
	r, _ := newTestRunner(t)

	bad := &fakeMigration{id: "bad", from: 1, to: 2, reversible: true, verifyErr: errors.New("shape wrong")}
	_, err := r.Run(context.Background(), []Migration{bad}, false)
	assert.Error(t, err)
	assert.True(t, bad.rolledBack)

	v, verr := r.CurrentVersion()
	require.NoError(t, verr)
	assert.Equal(t, 1, v)
}

func TestRunRejectsGapInChain(t *testing.T) {
	r, _ := newTestRunner(t)

	m34 := &fakeMigration{id: "three-four", from: 3, to: 4}
	_, err := r.Run(context.Background(), []Migration{m34}, false)
	assert.Error(t, err)
	assert.False(t, m34.migrated)
}

func TestDryRunTouchesNothing(t *testing.T) {
	r, _ := newTestRunner(t)

	m12 := &fakeMigration{id: "one-two", from: 1, to: 2}
	applied, err := r.Run(context.Background(), []Migration{m12}, true)
	require.NoError(t, err)
	assert.Zero(t, applied)
	assert.False(t, m12.migrated)

	v, verr := r.CurrentVersion()
	require.NoError(t, verr)
	assert.Equal(t, 1, v)
}

func TestBackfillNextEligible(t *testing.T) {
	r, db := newTestRunner(t)
	ctx := context.Background()

	// a version 1 record has no next_eligible_ms field
	old := map[string]any{
		"id":             "op-1",
		"operation_type": "vitals.upload",
		"delivery_state": "pending",
		"created_ms":     float64(1234),
	}
	raw, err := json.Marshal(old)
	require.NoError(t, err)
	require.NoError(t, db.Set([]byte(opstore.PartitionActive+"1/op-1"), raw))

	// one that already carries the field must not be rewritten
	withField := map[string]any{
		"id":               "op-2",
		"created_ms":       float64(50),
		"next_eligible_ms": float64(9999),
	}
	raw, err = json.Marshal(withField)
	require.NoError(t, err)
	require.NoError(t, db.Set([]byte(opstore.PartitionEmergency+"op-2"), raw))

	applied, err := r.Run(ctx, All(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	got, err := db.Get([]byte(opstore.PartitionActive + "1/op-1"))
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(got, &fields))
	assert.Equal(t, float64(1234), fields["next_eligible_ms"], "backfilled from created_ms")

	got, err = db.Get([]byte(opstore.PartitionEmergency + "op-2"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(got, &fields))
	assert.Equal(t, float64(9999), fields["next_eligible_ms"], "existing value preserved")

	v, err := r.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}
