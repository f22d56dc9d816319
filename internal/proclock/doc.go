// Package proclock implements the heartbeat-renewed processing lock that
// guarantees a single active queue processor per logical queue.
//
// The lock coordinates crash recovery, not distributed consensus: it assumes
// one process instance per device and protects against a foreground and a
// background instance of the same process type running a pass concurrently,
// and against a crashed holder wedging the queue forever.
//
// A lock is stale when its heartbeat is older than the staleness threshold;
// staleness is the only condition under which a different holder may take
// over. Takeovers are audited because they imply the previous holder crashed
// mid-operation, which is also the trigger for a journal replay check.
package proclock
