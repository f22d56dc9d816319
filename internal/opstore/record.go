package opstore

// Priority orders queued operations. Emergency operations live in their own
// partition and skip backoff gating entirely.
type Priority string

const (
	PriorityEmergency Priority = "emergency"
	PriorityHigh      Priority = "high"
	PriorityNormal    Priority = "normal"
	PriorityLow       Priority = "low"
)

// Valid reports whether p is one of the defined tiers.
func (p Priority) Valid() bool {
	switch p {
	case PriorityEmergency, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// rank maps a non-emergency tier onto a key segment so that a plain prefix
// scan over the active partition yields highest tier first. Emergency never
// ranks; it has its own partition.
func (p Priority) rank() string {
	switch p {
	case PriorityHigh:
		return "0/"
	case PriorityLow:
		return "2/"
	default:
		return "1/"
	}
}

// DeliveryState tracks a record through its lifecycle. Acknowledged records
// are deleted rather than retained, so the state never appears in storage.
type DeliveryState string

const (
	StatePending      DeliveryState = "pending"
	StateSent         DeliveryState = "sent"
	StateAcknowledged DeliveryState = "acknowledged"
	StateFailed       DeliveryState = "failed"
	StateQuarantined  DeliveryState = "quarantined"
)

// Retryable reports whether a record in this state should be offered to the
// processor again. A record stuck in sent is treated exactly like pending:
// the delivery confirmation may have been lost in transit, and the remote
// side deduplicates by idempotency key.
func (s DeliveryState) Retryable() bool {
	switch s {
	case StatePending, StateSent, StateFailed:
		return true
	}
	return false
}

// Record is the unit of queued work.
type Record struct {
	ID             string         `json:"id"`
	OperationType  string         `json:"operation_type"`
	IdempotencyKey string         `json:"idempotency_key"`
	Payload        map[string]any `json:"payload"`
	Priority       Priority       `json:"priority"`
	Attempts       int            `json:"attempts"`
	DeliveryState  DeliveryState  `json:"delivery_state"`
	CreatedMs      int64          `json:"created_ms"`
	UpdatedMs      int64          `json:"updated_ms"`
	LastTriedMs    int64          `json:"last_tried_ms,omitempty"`
	NextEligibleMs int64          `json:"next_eligible_ms,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	// ServerID is the remote identifier returned on successful delivery,
	// recorded for audit purposes before the record is deleted.
	ServerID string `json:"server_id,omitempty"`
	// Escalated marks an emergency record whose failure count crossed the
	// escalation threshold. Escalation fires once; retries continue.
	Escalated bool `json:"escalated,omitempty"`
	// QuarantineReason holds the failure classification that sent the
	// record to the archive.
	QuarantineReason string `json:"quarantine_reason,omitempty"`
	QuarantinedMs    int64  `json:"quarantined_ms,omitempty"`
}
