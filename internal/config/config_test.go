package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opq.json")
	body := `{"queue":{"maxAttempts":3,"backoffBase":"1s","backoffMax":"10s","deliveryTimeout":"5s","drainBatch":8}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Fatalf("maxAttempts not applied: %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.BackoffBase.Std() != time.Second {
		t.Fatalf("backoffBase: %s", cfg.Queue.BackoffBase)
	}
	// untouched sections keep defaults
	if cfg.Lock.HeartbeatInterval.Std() != time.Second {
		t.Fatalf("lock defaults lost")
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opq.yaml")
	body := "lock:\n  heartbeatInterval: 2s\n  stalenessThreshold: 10s\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Lock.HeartbeatInterval.Std() != 2*time.Second {
		t.Fatalf("yaml heartbeat not applied: %s", cfg.Lock.HeartbeatInterval)
	}
}

func TestValidateRejectsTightStaleness(t *testing.T) {
	cfg := Default()
	cfg.Lock.StalenessThreshold = cfg.Lock.HeartbeatInterval
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected staleness validation error")
	}
}

func TestFromEnvOverlay(t *testing.T) {
	t.Setenv("OPQ_QUEUE_MAX_ATTEMPTS", "7")
	t.Setenv("OPQ_DEDUP_TTL", "1h")
	cfg := Default()
	FromEnv(&cfg)
	if cfg.Queue.MaxAttempts != 7 {
		t.Fatalf("env maxAttempts not applied")
	}
	if cfg.Dedup.TTL.Std() != time.Hour {
		t.Fatalf("env ttl not applied")
	}
}
