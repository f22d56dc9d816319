// Package processor drives delivery of queued operations. One pass acquires
// the processing lock, drains the emergency partition, then works through
// the active queue in priority order, writing every outcome back through the
// operation store. Delivery itself is delegated to an external collaborator
// that also classifies failures; the processor never guesses a
// classification.
package processor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vireo-health/opq/internal/audit"
	"github.com/vireo-health/opq/internal/config"
	"github.com/vireo-health/opq/internal/dedup"
	"github.com/vireo-health/opq/internal/journal"
	"github.com/vireo-health/opq/internal/metrics"
	"github.com/vireo-health/opq/internal/opstore"
	"github.com/vireo-health/opq/internal/proclock"
	"github.com/vireo-health/opq/pkg/log"
)

// LockName is the single logical queue lock.
const LockName = "queue-processor"

// Classification is supplied by the delivery collaborator alongside a failed
// result.
type Classification string

const (
	ClassTransient Classification = "transient"
	ClassPermanent Classification = "permanent"
	ClassAuth      Classification = "auth"
	ClassSchema    Classification = "schema"
)

// Result is one delivery attempt's outcome.
type Result struct {
	Success        bool
	Classification Classification
	ErrorMessage   string
	// ServerID is the remote identifier assigned on success.
	ServerID string
}

// Deliverer performs one delivery attempt. Implementations must respect the
// context deadline; the processor bounds every attempt so a hung network
// call cannot hold the lock past its staleness threshold.
type Deliverer interface {
	Process(ctx context.Context, rec opstore.Record) Result
}

// Processor owns the queue draining loop.
type Processor struct {
	store     *opstore.Store
	lock      *proclock.Manager
	jnl       *journal.Journal
	cache     *dedup.Cache
	deliverer Deliverer
	trail     *audit.Trail
	logger    log.Logger

	queueCfg config.QueueConfig
	emCfg    config.EmergencyConfig

	paused atomic.Bool
	// OnEscalate is invoked once per emergency record that crosses the
	// escalation threshold. Optional.
	OnEscalate func(rec opstore.Record)

	nowMs func() int64
}

// New wires a Processor. The audit trail and dedup cache may be nil in
// tests.
func New(store *opstore.Store, lock *proclock.Manager, jnl *journal.Journal, cache *dedup.Cache, deliverer Deliverer, trail *audit.Trail, logger log.Logger, queueCfg config.QueueConfig, emCfg config.EmergencyConfig) *Processor {
	return &Processor{
		store:     store,
		lock:      lock,
		jnl:       jnl,
		cache:     cache,
		deliverer: deliverer,
		trail:     trail,
		logger:    logger.WithComponent("processor"),
		queueCfg:  queueCfg,
		emCfg:     emCfg,
		nowMs:     func() int64 { return time.Now().UnixMilli() },
	}
}

// Pause stops subsequent passes from doing work. In-flight passes finish
// their current operation. Driven by auth failures or an operator.
func (p *Processor) Pause() {
	if p.paused.CompareAndSwap(false, true) {
		p.logger.Warn("processor paused")
		p.trail.Record(audit.KindProcessorPaused, nil)
	}
}

// Resume re-enables processing after an external re-authentication or
// operator action.
func (p *Processor) Resume() {
	if p.paused.CompareAndSwap(true, false) {
		p.logger.Info("processor resumed")
		p.trail.Record(audit.KindProcessorResumed, nil)
	}
}

// Paused reports whether processing is currently suspended.
func (p *Processor) Paused() bool { return p.paused.Load() }

// RunPass executes one full processing pass. Failure to acquire the lock is
// contention, not an error: another instance is running and this pass is a
// no-op. Lock and journal failures abort the pass; per-operation delivery
// failures do not.
func (p *Processor) RunPass(ctx context.Context) error {
	if p.paused.Load() {
		return nil
	}

	acquired, tookOver, err := p.lock.Acquire(ctx, LockName, nil)
	if err != nil {
		return fmt.Errorf("processor: acquire lock: %w", err)
	}
	if !acquired {
		return nil
	}
	p.lock.StartHeartbeat(LockName)
	defer func() {
		p.lock.StopHeartbeat(LockName)
		_ = p.lock.Release(ctx, LockName)
	}()

	if tookOver {
		// a takeover means the previous holder crashed mid-pass; any
		// half-applied transaction must be rolled back before we touch
		// the partitions it was writing
		if _, err := p.jnl.ReplayPending(ctx); err != nil {
			return fmt.Errorf("processor: replay journal after takeover: %w", err)
		}
	}

	start := time.Now()
	defer func() {
		metrics.ProcessingPassDuration.Observe(time.Since(start).Seconds())
		p.updateGauges()
	}()

	processed, err := p.drain(ctx)
	if err != nil {
		return err
	}
	if processed == 0 && p.cache != nil {
		// idle pass, use the slack for cache maintenance
		if purged, cerr := p.cache.Cleanup(ctx); cerr != nil {
			p.logger.Warn("idempotency cache cleanup failed", log.Err(cerr))
		} else if purged > 0 {
			p.logger.Debug("purged expired idempotency entries", log.Int("count", purged))
		}
	}
	return nil
}

// drain works the emergency partition to exhaustion, then the active queue,
// up to the configured batch size per pass.
func (p *Processor) drain(ctx context.Context) (int, error) {
	processed := 0
	for processed < p.queueCfg.DrainBatch {
		if p.paused.Load() {
			return processed, nil
		}
		rec, ok, err := p.store.NextEmergency(ctx, p.nowMs())
		if err != nil {
			return processed, err
		}
		if !ok {
			break
		}
		if err := p.processOne(ctx, rec); err != nil {
			return processed, err
		}
		processed++
	}
	for processed < p.queueCfg.DrainBatch {
		if p.paused.Load() {
			return processed, nil
		}
		rec, ok, err := p.store.NextActive(ctx, p.nowMs())
		if err != nil {
			return processed, err
		}
		if !ok {
			break
		}
		if err := p.processOne(ctx, rec); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// processOne runs a single delivery attempt and records its outcome. The
// lock is re-checked before the outcome is written: a delivery that blocked
// past the staleness threshold may have lost the lock to a takeover, and the
// new holder owns the record now.
func (p *Processor) processOne(ctx context.Context, rec opstore.Record) error {
	rec.DeliveryState = opstore.StateSent
	rec.LastTriedMs = p.nowMs()
	rec.UpdatedMs = rec.LastTriedMs
	if err := p.store.Update(ctx, rec); err != nil {
		return fmt.Errorf("processor: mark sent: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.queueCfg.DeliveryTimeout.Std())
	attemptStart := time.Now()
	res := p.deliverer.Process(attemptCtx, rec)
	cancel()
	metrics.DeliveryDuration.Observe(time.Since(attemptStart).Seconds())

	held, err := p.lock.IsHeldBy(LockName)
	if err != nil {
		return fmt.Errorf("processor: verify lock before outcome: %w", err)
	}
	if !held {
		return fmt.Errorf("processor: lost lock %s during delivery of %s", LockName, rec.ID)
	}

	if res.Success {
		rec.ServerID = res.ServerID
		metrics.OperationsProcessed.WithLabelValues(string(rec.Priority)).Inc()
		p.logger.Debug("operation acknowledged",
			log.Str("operation_id", rec.ID),
			log.Str("type", rec.OperationType),
			log.Str("server_id", res.ServerID),
		)
		return p.store.Delete(ctx, rec)
	}
	return p.handleFailure(ctx, rec, res)
}

func (p *Processor) handleFailure(ctx context.Context, rec opstore.Record, res Result) error {
	now := p.nowMs()
	rec.Attempts++
	rec.LastError = res.ErrorMessage
	rec.UpdatedMs = now
	metrics.OperationsFailed.WithLabelValues(string(res.Classification)).Inc()

	p.logger.Warn("delivery failed",
		log.Str("operation_id", rec.ID),
		log.Str("type", rec.OperationType),
		log.Str("classification", string(res.Classification)),
		log.Int("attempts", rec.Attempts),
		log.Str("error", res.ErrorMessage),
	)

	switch res.Classification {
	case ClassPermanent:
		return p.quarantine(ctx, rec, string(ClassPermanent), now)
	case ClassAuth:
		if err := p.quarantine(ctx, rec, string(ClassAuth), now); err != nil {
			return err
		}
		p.Pause()
		return nil
	case ClassSchema:
		// incompatible payload version, needs operator attention
		return p.quarantine(ctx, rec, string(ClassSchema), now)
	}

	// transient, and anything unclassified is treated as transient rather
	// than silently discarding the record
	if rec.Attempts >= p.queueCfg.MaxAttempts {
		return p.quarantine(ctx, rec, "retry_ceiling", now)
	}

	if rec.Priority == opstore.PriorityEmergency {
		rec.NextEligibleMs = now + p.emergencyDelay(rec.Attempts).Milliseconds()
		rec.DeliveryState = opstore.StateFailed
		if rec.Attempts >= p.emCfg.EscalateAfter && !rec.Escalated {
			rec.Escalated = true
			metrics.EmergencyEscalations.Inc()
			p.trail.Record(audit.KindEmergencyEscalated, map[string]string{
				"operation_id": rec.ID,
				"attempts":     fmt.Sprintf("%d", rec.Attempts),
			})
			if p.OnEscalate != nil {
				p.OnEscalate(rec)
			}
		}
	} else {
		rec.NextEligibleMs = now + p.backoffDelay(rec.Attempts).Milliseconds()
		rec.DeliveryState = opstore.StateFailed
	}
	return p.store.Update(ctx, rec)
}

func (p *Processor) quarantine(ctx context.Context, rec opstore.Record, reason string, nowMs int64) error {
	if err := p.store.Quarantine(ctx, rec, reason, nowMs); err != nil {
		return fmt.Errorf("processor: quarantine %s: %w", rec.ID, err)
	}
	metrics.OperationsQuarantined.Inc()
	return nil
}

// backoffDelay computes the exponential delay for the given attempt count,
// clamped to the configured maximum.
func (p *Processor) backoffDelay(attempts int) time.Duration {
	base := p.queueCfg.BackoffBase.Std()
	max := p.queueCfg.BackoffMax.Std()
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// emergencyDelay walks the aggressive retry ladder, holding at its last
// step once exhausted.
func (p *Processor) emergencyDelay(attempts int) time.Duration {
	sched := p.emCfg.RetrySchedule
	if len(sched) == 0 {
		return time.Second
	}
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sched) {
		idx = len(sched) - 1
	}
	return sched[idx].Std()
}

func (p *Processor) updateGauges() {
	if n, err := p.store.CountRetryable(opstore.PartitionActive); err == nil {
		metrics.PendingOperations.WithLabelValues("normal").Set(float64(n))
	}
	if n, err := p.store.CountRetryable(opstore.PartitionEmergency); err == nil {
		metrics.PendingOperations.WithLabelValues("emergency").Set(float64(n))
	}
}
