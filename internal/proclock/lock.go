package proclock

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/vireo-health/opq/internal/audit"
	"github.com/vireo-health/opq/internal/metrics"
	pebblestore "github.com/vireo-health/opq/internal/storage/pebble"
	"github.com/vireo-health/opq/pkg/log"
)

const keyPrefix = "locks/"

// The lock table is process-local state. Read-modify-write of a record must
// be serialized across every Manager in the process, not just within one,
// so two in-process holders can never both win an acquisition race.
var tableMu sync.Mutex

// Record is the persisted form of one named lock.
type Record struct {
	LockName        string            `json:"lock_name"`
	HolderID        string            `json:"holder_id"`
	AcquiredMs      int64             `json:"acquired_ms"`
	LastHeartbeatMs int64             `json:"last_heartbeat_ms"`
	RenewalCount    int64             `json:"renewal_count"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Manager owns acquisition, heartbeat renewal, and release of named locks.
// Freshness of the heartbeat is the sole exclusivity criterion: a lock whose
// heartbeat is older than the staleness threshold may be taken over by any
// other holder, with no external arbitration.
type Manager struct {
	db        *pebblestore.DB
	holderID  string
	staleness time.Duration
	interval  time.Duration
	logger    log.Logger
	trail     *audit.Trail

	mu         sync.Mutex
	heartbeats map[string]chan struct{}
	wg         sync.WaitGroup

	nowMs func() int64
}

// Options configures the Manager.
type Options struct {
	// HolderID identifies this process; stable across restarts when supplied.
	// Defaults to a fresh UUID.
	HolderID string
	// HeartbeatInterval is the renewal period (default 1s).
	HeartbeatInterval time.Duration
	// StalenessThreshold is the takeover gate (default 5s). Keep it at 3-5x
	// the heartbeat interval so scheduling jitter does not cause spurious
	// takeovers.
	StalenessThreshold time.Duration
}

// NewManager creates a lock manager. The audit trail may be nil in tests.
func NewManager(db *pebblestore.DB, logger log.Logger, trail *audit.Trail, opts Options) *Manager {
	if opts.HolderID == "" {
		opts.HolderID = uuid.NewString()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = time.Second
	}
	if opts.StalenessThreshold <= 0 {
		opts.StalenessThreshold = 5 * time.Second
	}
	return &Manager{
		db:         db,
		holderID:   opts.HolderID,
		staleness:  opts.StalenessThreshold,
		interval:   opts.HeartbeatInterval,
		logger:     logger.WithComponent("proclock"),
		trail:      trail,
		heartbeats: make(map[string]chan struct{}),
		nowMs:      func() int64 { return time.Now().UnixMilli() },
	}
}

// HolderID returns this manager's holder identity.
func (m *Manager) HolderID() string { return m.holderID }

func lockKey(name string) []byte { return []byte(keyPrefix + name) }

func (m *Manager) load(name string) (Record, bool, error) {
	raw, err := m.db.Get(lockKey(name))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("read lock %s: %w", name, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		// an unreadable lock record cannot prove a live holder
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (m *Manager) store(rec Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal lock record: %w", err)
	}
	return m.db.Set(lockKey(rec.LockName), val)
}

func (m *Manager) isStale(rec Record) bool {
	return m.nowMs()-rec.LastHeartbeatMs > m.staleness.Milliseconds()
}

// Acquire attempts to take the named lock. It succeeds when no record
// exists, when the existing record is stale, or when this process already
// holds it. Failure to acquire is contention, not an error: the caller skips
// the cycle. tookOver reports a stale-lock takeover, which callers must treat
// as evidence of a crashed predecessor (and trigger a journal replay check).
func (m *Manager) Acquire(ctx context.Context, name string, metadata map[string]string) (acquired, tookOver bool, err error) {
	tableMu.Lock()
	defer tableMu.Unlock()

	existing, found, err := m.load(name)
	if err != nil {
		return false, false, err
	}

	switch {
	case !found:
		// free
	case existing.HolderID == m.holderID:
		// re-entrant: same process re-acquiring after a restart of its pass
	case m.isStale(existing):
		tookOver = true
	default:
		return false, false, nil
	}

	now := m.nowMs()
	if metadata == nil {
		metadata = map[string]string{}
	}
	if _, ok := metadata["pid"]; !ok {
		metadata["pid"] = strconv.Itoa(os.Getpid())
	}
	if _, ok := metadata["host"]; !ok {
		if h, herr := os.Hostname(); herr == nil {
			metadata["host"] = h
		}
	}
	rec := Record{
		LockName:        name,
		HolderID:        m.holderID,
		AcquiredMs:      now,
		LastHeartbeatMs: now,
		Metadata:        metadata,
	}
	if err := m.store(rec); err != nil {
		return false, false, err
	}

	if tookOver {
		m.logger.Warn("took over stale lock",
			log.Str("lock", name),
			log.Str("previous_holder", existing.HolderID),
			log.Int64("stale_ms", now-existing.LastHeartbeatMs),
		)
		metrics.LockTakeovers.Inc()
		m.trail.Record(audit.KindLockTakeover, map[string]string{
			"lock":            name,
			"previous_holder": existing.HolderID,
			"new_holder":      m.holderID,
		})
	}
	return true, tookOver, nil
}

// IsHeldBy reports whether this process currently holds a fresh lock on
// name. Callers re-check this before committing work, not only before
// starting it: a blocked thread may have lost the lock to a takeover.
func (m *Manager) IsHeldBy(name string) (bool, error) {
	rec, found, err := m.load(name)
	if err != nil || !found {
		return false, err
	}
	return rec.HolderID == m.holderID && !m.isStale(rec), nil
}

// Renew updates the heartbeat timestamp in place. Exposed for deterministic
// renewal in tests; production callers use StartHeartbeat.
func (m *Manager) Renew(name string) error {
	tableMu.Lock()
	defer tableMu.Unlock()

	rec, found, err := m.load(name)
	if err != nil {
		return err
	}
	if !found || rec.HolderID != m.holderID {
		return fmt.Errorf("renew %s: lock not held by %s", name, m.holderID)
	}
	rec.LastHeartbeatMs = m.nowMs()
	rec.RenewalCount++
	return m.store(rec)
}

// StartHeartbeat begins periodic renewal of the named lock. Renewal failures
// are logged but do not stop the loop; a persistently failing heartbeat ends
// in a legitimate takeover by another holder.
func (m *Manager) StartHeartbeat(name string) {
	m.mu.Lock()
	if _, running := m.heartbeats[name]; running {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.heartbeats[name] = stop
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := m.Renew(name); err != nil {
					m.logger.Warn("heartbeat renewal failed", log.Str("lock", name), log.Err(err))
				}
			}
		}
	}()
}

// StopHeartbeat stops periodic renewal. The loop drains asynchronously (Close
// waits for it); a renewal racing a subsequent Release is harmless because
// Renew re-checks record ownership under the table lock before writing.
func (m *Manager) StopHeartbeat(name string) {
	m.mu.Lock()
	stop, running := m.heartbeats[name]
	if running {
		delete(m.heartbeats, name)
		close(stop)
	}
	m.mu.Unlock()
}

// Release deletes the lock record if this process holds it. Callers must
// stop the heartbeat first.
func (m *Manager) Release(ctx context.Context, name string) error {
	tableMu.Lock()
	defer tableMu.Unlock()

	rec, found, err := m.load(name)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if rec.HolderID != m.holderID {
		// lost to a takeover; the new holder owns the record now
		return nil
	}
	return m.db.Delete(lockKey(name))
}

// Close stops every heartbeat and waits for the loops to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	for name, stop := range m.heartbeats {
		close(stop)
		delete(m.heartbeats, name)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
