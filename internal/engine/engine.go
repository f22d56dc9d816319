// Package engine is the caller-facing surface of the operation queue. It
// composes the idempotency cache, payload validation, the operation store,
// and the processor behind a small API: enqueue, cancel, status, pause,
// resume. Every component is injected at construction so tests can swap any
// of them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vireo-health/opq/internal/conflict"
	"github.com/vireo-health/opq/internal/dedup"
	"github.com/vireo-health/opq/internal/journal"
	"github.com/vireo-health/opq/internal/metrics"
	"github.com/vireo-health/opq/internal/opstore"
	"github.com/vireo-health/opq/internal/payload"
	"github.com/vireo-health/opq/internal/processor"
	"github.com/vireo-health/opq/pkg/id"
	"github.com/vireo-health/opq/pkg/log"
)

// ErrInvalidRequest wraps enqueue rejections that are the caller's fault.
var ErrInvalidRequest = errors.New("engine: invalid request")

// Request describes an operation to enqueue.
type Request struct {
	OperationType string
	// IdempotencyKey deduplicates submissions across the dedup window.
	// Left empty, a unique key is generated and the request can never be
	// deduplicated.
	IdempotencyKey string
	Payload        map[string]any
	// Priority defaults to normal.
	Priority opstore.Priority
}

// Engine ties the queue components together.
type Engine struct {
	store   *opstore.Store
	cache   *dedup.Cache
	schemas *payload.Registry
	proc    *processor.Processor
	gen     *id.Generator
	logger  log.Logger
	nowMs   func() int64
}

// New constructs the engine. The schema registry may be nil to skip payload
// validation.
func New(store *opstore.Store, cache *dedup.Cache, schemas *payload.Registry, proc *processor.Processor, logger log.Logger) *Engine {
	return &Engine{
		store:   store,
		cache:   cache,
		schemas: schemas,
		proc:    proc,
		gen:     id.NewGenerator(),
		logger:  logger.WithComponent("engine"),
		nowMs:   func() int64 { return time.Now().UnixMilli() },
	}
}

// Enqueue validates and persists an operation. duplicate is true when the
// idempotency key was already recorded; the operation is not stored again
// and opID is empty.
func (e *Engine) Enqueue(ctx context.Context, req Request) (opID string, duplicate bool, err error) {
	if req.OperationType == "" {
		return "", false, fmt.Errorf("%w: operation type is required", ErrInvalidRequest)
	}
	if req.Priority == "" {
		req.Priority = opstore.PriorityNormal
	}
	if !req.Priority.Valid() {
		return "", false, fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, req.Priority)
	}
	if e.schemas != nil {
		if verr := e.schemas.Validate(req.OperationType, req.Payload); verr != nil {
			return "", false, fmt.Errorf("%w: %v", ErrInvalidRequest, verr)
		}
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	now := e.nowMs()
	rec := opstore.Record{
		ID:             e.gen.Next().String(),
		OperationType:  req.OperationType,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        req.Payload,
		Priority:       req.Priority,
		DeliveryState:  opstore.StatePending,
		CreatedMs:      now,
		UpdatedMs:      now,
	}

	// The idempotency entry and the operation record commit in one journal
	// transaction. A failed or crash-interrupted persist leaves the key
	// unrecorded, so the caller's retry is accepted rather than silently
	// dropped.
	fresh, err := e.cache.RecordWith(req.IdempotencyKey, func(w journal.Write) error {
		return e.store.Put(ctx, rec, w)
	})
	if err != nil {
		return "", false, fmt.Errorf("engine: persist operation: %w", err)
	}
	if !fresh {
		metrics.OperationsDeduplicated.Inc()
		e.logger.Debug("duplicate submission rejected", log.Str("idempotency_key", req.IdempotencyKey))
		return "", true, nil
	}
	metrics.OperationsEnqueued.WithLabelValues(string(rec.Priority)).Inc()
	e.logger.Info("operation enqueued",
		log.Str("operation_id", rec.ID),
		log.Str("type", rec.OperationType),
		log.Str("priority", string(rec.Priority)),
	)
	return rec.ID, false, nil
}

// Cancel removes a not-yet-delivered operation. It returns false when the
// operation does not exist, which includes having already been acknowledged.
// Quarantined records are operator territory and cannot be cancelled here.
func (e *Engine) Cancel(ctx context.Context, opID string) (bool, error) {
	rec, err := e.store.Get(ctx, opID)
	if err != nil {
		if errors.Is(err, opstore.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if rec.DeliveryState == opstore.StateQuarantined {
		return false, fmt.Errorf("engine: operation %s is quarantined, requeue or delete it via the archive", opID)
	}
	if err := e.store.Delete(ctx, rec); err != nil {
		return false, err
	}
	e.logger.Info("operation cancelled", log.Str("operation_id", opID))
	return true, nil
}

// Status returns the delivery state of an operation. found is false for
// unknown ids, including acknowledged operations whose records are gone.
func (e *Engine) Status(ctx context.Context, opID string) (opstore.DeliveryState, bool, error) {
	rec, err := e.store.Get(ctx, opID)
	if err != nil {
		if errors.Is(err, opstore.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return rec.DeliveryState, true, nil
}

// Pause suspends queue processing until Resume.
func (e *Engine) Pause() { e.proc.Pause() }

// Resume restarts queue processing, typically after re-authentication.
func (e *Engine) Resume() { e.proc.Resume() }

// Paused reports whether processing is suspended.
func (e *Engine) Paused() bool { return e.proc.Paused() }

// RunPass executes one processing pass. Exposed for schedulers and tests;
// the server loop calls it on a timer.
func (e *Engine) RunPass(ctx context.Context) error { return e.proc.RunPass(ctx) }

// ResolveConflict applies the version-comparison policy to a diverged
// local/remote pair.
func (e *Engine) ResolveConflict(local, remote conflict.Record) conflict.Resolution {
	return conflict.Apply(local, remote)
}
