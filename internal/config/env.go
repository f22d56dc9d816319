package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays OPQ_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if n, ok := envInt("OPQ_QUEUE_MAX_ATTEMPTS"); ok {
		cfg.Queue.MaxAttempts = n
	}
	if d, ok := envDuration("OPQ_QUEUE_BACKOFF_BASE"); ok {
		cfg.Queue.BackoffBase = d
	}
	if d, ok := envDuration("OPQ_QUEUE_BACKOFF_MAX"); ok {
		cfg.Queue.BackoffMax = d
	}
	if d, ok := envDuration("OPQ_QUEUE_DELIVERY_TIMEOUT"); ok {
		cfg.Queue.DeliveryTimeout = d
	}
	if n, ok := envInt("OPQ_QUEUE_DRAIN_BATCH"); ok {
		cfg.Queue.DrainBatch = n
	}
	if d, ok := envDuration("OPQ_LOCK_HEARTBEAT_INTERVAL"); ok {
		cfg.Lock.HeartbeatInterval = d
	}
	if d, ok := envDuration("OPQ_LOCK_STALENESS_THRESHOLD"); ok {
		cfg.Lock.StalenessThreshold = d
	}
	if d, ok := envDuration("OPQ_DEDUP_TTL"); ok {
		cfg.Dedup.TTL = d
	}
	if n, ok := envInt("OPQ_EMERGENCY_ESCALATE_AFTER"); ok {
		cfg.Emergency.EscalateAfter = n
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return Duration(d), true
}
