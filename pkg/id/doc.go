// Package id provides a 128-bit, lexicographically sortable identifier used
// to key queued operations.
//
// # Format
//
// An ID is 16 bytes big-endian: [8 bytes ms_timestamp][8 bytes sequence].
// Byte-wise comparison therefore preserves creation order, which is what the
// queue's FIFO-within-priority selection relies on: iterating a key range in
// Pebble visits operations oldest-first with no secondary sort.
//
// # Monotonicity
//
// The Generator guarantees per-process monotonicity:
//   - If the system clock regresses, it pins to the last seen millisecond so
//     new IDs never sort before already-issued ones.
//   - If the sequence would overflow within one millisecond, it waits for the
//     next millisecond before emitting.
package id
