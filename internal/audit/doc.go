// Package audit persists an append-only trail of notable engine events:
// lock takeovers, journal rollbacks, quarantines, pauses, migrations, and
// degraded partitions.
//
// The trail exists for operator review after the fact. It complements the
// Prometheus surface (which loses history on restart) with a durable record,
// but it carries the same contract: the engine never reads it back to drive
// decisions, and a failed append never blocks engine progress.
package audit
