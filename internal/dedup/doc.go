// Package dedup implements the idempotency cache that rejects duplicate
// operation submissions by caller-supplied key.
//
// Keys live under dedup/ in the shared store and expire after a fixed TTL,
// independent of the lifecycle of the operations they protected. Cleanup is
// piggybacked on idle processor cycles rather than a timer, so an idle
// device does not wake up just to purge keys.
package dedup
