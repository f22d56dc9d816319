// Package migrate applies ordered schema transformations to the stored
// partitions. The schema version is a single monotonically increasing
// integer held in a metadata record; the runner advances it one migration at
// a time and halts on the first failure, leaving the marker unchanged so the
// same migration is retried on next startup.
package migrate

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/vireo-health/opq/internal/audit"
	pebblestore "github.com/vireo-health/opq/internal/storage/pebble"
	"github.com/vireo-health/opq/pkg/log"
)

// versionKey holds the current schema version as a decimal string.
const versionKey = "meta/schema_version"

// BaseVersion is the schema version of a store that predates versioning.
const BaseVersion = 1

// Migration is one schema step. Migrate must be idempotent enough to be
// re-run after a halt: the version marker only advances after VerifySchema
// passes.
type Migration interface {
	ID() string
	FromVersion() int
	ToVersion() int
	Reversible() bool
	// DryRun checks preconditions without writing.
	DryRun(ctx context.Context, db *pebblestore.DB) error
	Migrate(ctx context.Context, db *pebblestore.DB) error
	// VerifySchema confirms the store matches ToVersion's shape.
	VerifySchema(ctx context.Context, db *pebblestore.DB) error
	// Rollback undoes Migrate. Only called when Reversible.
	Rollback(ctx context.Context, db *pebblestore.DB) error
}

// Runner applies migrations in ascending version order.
type Runner struct {
	db     *pebblestore.DB
	trail  *audit.Trail
	logger log.Logger
}

// NewRunner creates a Runner. The audit trail may be nil in tests.
func NewRunner(db *pebblestore.DB, trail *audit.Trail, logger log.Logger) *Runner {
	return &Runner{db: db, trail: trail, logger: logger.WithComponent("migrate")}
}

// CurrentVersion reads the schema version marker, defaulting to BaseVersion
// for a store that has never been migrated.
func (r *Runner) CurrentVersion() (int, error) {
	raw, err := r.db.Get([]byte(versionKey))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return BaseVersion, nil
		}
		return 0, fmt.Errorf("migrate: read schema version: %w", err)
	}
	v, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("migrate: corrupt schema version %q: %w", raw, err)
	}
	return v, nil
}

func (r *Runner) setVersion(v int) error {
	return r.db.Set([]byte(versionKey), []byte(strconv.Itoa(v)))
}

// Run applies every migration whose version range lies above the current
// version, strictly in order. With dryRun set, only the DryRun steps
// execute and the version marker is untouched. It returns the number of
// migrations applied.
func (r *Runner) Run(ctx context.Context, migrations []Migration, dryRun bool) (int, error) {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FromVersion() < sorted[j].FromVersion() })

	current, err := r.CurrentVersion()
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range sorted {
		if m.ToVersion() <= current {
			continue
		}
		if m.FromVersion() != current {
			return applied, fmt.Errorf("migrate: %s expects version %d, store is at %d", m.ID(), m.FromVersion(), current)
		}
		if err := r.apply(ctx, m, dryRun); err != nil {
			return applied, err
		}
		if dryRun {
			r.logger.Info("dry run passed", log.Str("migration", m.ID()))
		} else {
			applied++
		}
		current = m.ToVersion()
	}
	return applied, nil
}

func (r *Runner) apply(ctx context.Context, m Migration, dryRun bool) error {
	if err := m.DryRun(ctx, r.db); err != nil {
		return fmt.Errorf("migrate: %s dry run: %w", m.ID(), err)
	}
	if dryRun {
		return nil
	}

	r.logger.Info("applying migration",
		log.Str("migration", m.ID()),
		log.Int("from", m.FromVersion()),
		log.Int("to", m.ToVersion()),
	)
	if err := m.Migrate(ctx, r.db); err != nil {
		return fmt.Errorf("migrate: %s: %w", m.ID(), err)
	}
	if err := m.VerifySchema(ctx, r.db); err != nil {
		if m.Reversible() {
			if rerr := m.Rollback(ctx, r.db); rerr != nil {
				return fmt.Errorf("migrate: %s verify failed (%v), rollback also failed: %w", m.ID(), err, rerr)
			}
		}
		return fmt.Errorf("migrate: %s schema verify: %w", m.ID(), err)
	}
	if err := r.setVersion(m.ToVersion()); err != nil {
		return fmt.Errorf("migrate: %s advance version: %w", m.ID(), err)
	}
	r.trail.Record(audit.KindSchemaMigrated, map[string]string{
		"migration": m.ID(),
		"from":      strconv.Itoa(m.FromVersion()),
		"to":        strconv.Itoa(m.ToVersion()),
	})
	return nil
}
