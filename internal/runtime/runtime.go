// Package runtime wires storage and the engine components for a single-node
// instance. It owns startup ordering: open storage, run pending schema
// migrations, roll back any incomplete journal transaction, then hand out
// the engine facade.
package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/vireo-health/opq/internal/audit"
	cfgpkg "github.com/vireo-health/opq/internal/config"
	"github.com/vireo-health/opq/internal/dedup"
	"github.com/vireo-health/opq/internal/engine"
	"github.com/vireo-health/opq/internal/journal"
	"github.com/vireo-health/opq/internal/metrics"
	"github.com/vireo-health/opq/internal/migrate"
	"github.com/vireo-health/opq/internal/opstore"
	"github.com/vireo-health/opq/internal/payload"
	"github.com/vireo-health/opq/internal/processor"
	"github.com/vireo-health/opq/internal/proclock"
	pebblestore "github.com/vireo-health/opq/internal/storage/pebble"
	"github.com/vireo-health/opq/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration // only for FsyncModeInterval
	Config        cfgpkg.Config
	Logger        log.Logger
	// Deliverer performs delivery attempts. Required before RunPass is
	// called; inspection-only commands may leave it nil.
	Deliverer processor.Deliverer
	// Schemas optionally validates payloads at the enqueue boundary.
	Schemas *payload.Registry
	// SkipMigrations leaves the schema version untouched; the migrate
	// command runs migrations itself.
	SkipMigrations bool
}

// Runtime holds every wired component for one data directory.
type Runtime struct {
	db     *pebblestore.DB
	config cfgpkg.Config
	logger log.Logger

	trail *audit.Trail
	jnl   *journal.Journal
	cache *dedup.Cache
	store *opstore.Store
	lock  *proclock.Manager
	proc  *processor.Processor
	eng   *engine.Engine
}

// Open initializes storage, applies migrations, and replays the journal.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       opts.DataDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Metrics:       metrics.StorageHook{},
	})
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	trail := audit.NewTrail(db, logger)
	jnl := journal.New(db, logger, trail)
	cache := dedup.NewCache(db, opts.Config.Dedup.TTL.Std())
	store := opstore.New(db, jnl, trail, logger)
	lock := proclock.NewManager(db, logger, trail, proclock.Options{
		HeartbeatInterval:  opts.Config.Lock.HeartbeatInterval.Std(),
		StalenessThreshold: opts.Config.Lock.StalenessThreshold.Std(),
	})
	proc := processor.New(store, lock, jnl, cache, opts.Deliverer, trail, logger,
		opts.Config.Queue, opts.Config.Emergency)
	eng := engine.New(store, cache, opts.Schemas, proc, logger)

	rt := &Runtime{
		db:     db,
		config: opts.Config,
		logger: logger.WithComponent("runtime"),
		trail:  trail,
		jnl:    jnl,
		cache:  cache,
		store:  store,
		lock:   lock,
		proc:   proc,
		eng:    eng,
	}

	if !opts.SkipMigrations {
		runner := migrate.NewRunner(db, trail, logger)
		applied, merr := runner.Run(ctx, migrate.All(), false)
		if merr != nil {
			_ = db.Close()
			return nil, merr
		}
		if applied > 0 {
			rt.logger.Info("schema migrations applied", log.Int("count", applied))
		}
	}

	// any journal entry still present is an incomplete transaction from a
	// previous run and must be rolled back before the queue is touched
	rolled, err := jnl.ReplayPending(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if rolled > 0 {
		rt.logger.Warn("rolled back incomplete transactions from previous run", log.Int("count", rolled))
	}
	return rt, nil
}

// Close releases the lock manager's heartbeats and closes storage.
func (r *Runtime) Close() error {
	if r.lock != nil {
		r.lock.Close()
	}
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth performs a simple storage liveness probe.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	return it.Close()
}

// Engine returns the caller-facing facade.
func (r *Runtime) Engine() *engine.Engine { return r.eng }

// Store exposes the operation store for CLI inspection commands.
func (r *Runtime) Store() *opstore.Store { return r.store }

// Trail exposes the audit trail.
func (r *Runtime) Trail() *audit.Trail { return r.trail }

// Processor exposes the queue processor.
func (r *Runtime) Processor() *processor.Processor { return r.proc }

// DB exposes the underlying store for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

// Status is a point-in-time snapshot for the status command.
type Status struct {
	SchemaVersion    int
	PendingNormal    int
	PendingEmergency int
	Quarantined      int
	Paused           bool
}

// Snapshot gathers queue counts and the schema version.
func (r *Runtime) Snapshot(ctx context.Context) (Status, error) {
	var st Status
	runner := migrate.NewRunner(r.db, r.trail, r.logger)
	v, err := runner.CurrentVersion()
	if err != nil {
		return st, err
	}
	st.SchemaVersion = v
	if st.PendingNormal, err = r.store.CountRetryable(opstore.PartitionActive); err != nil {
		return st, err
	}
	if st.PendingEmergency, err = r.store.CountRetryable(opstore.PartitionEmergency); err != nil {
		return st, err
	}
	archived, err := r.store.ListQuarantined(ctx, 0)
	if err != nil {
		return st, err
	}
	st.Quarantined = len(archived)
	st.Paused = r.proc.Paused()
	return st, nil
}
