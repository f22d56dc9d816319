package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration loaded from file/env.
type Config struct {
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Lock      LockConfig      `json:"lock" yaml:"lock"`
	Dedup     DedupConfig     `json:"dedup" yaml:"dedup"`
	Emergency EmergencyConfig `json:"emergency" yaml:"emergency"`
}

// QueueConfig tunes the normal-tier queue processor.
type QueueConfig struct {
	// MaxAttempts is the retry ceiling before a record is quarantined.
	MaxAttempts int `json:"maxAttempts" yaml:"maxAttempts"`
	// BackoffBase is the first retry delay; doubled per attempt.
	BackoffBase Duration `json:"backoffBase" yaml:"backoffBase"`
	// BackoffMax clamps the exponential backoff.
	BackoffMax Duration `json:"backoffMax" yaml:"backoffMax"`
	// DeliveryTimeout bounds a single delivery attempt.
	DeliveryTimeout Duration `json:"deliveryTimeout" yaml:"deliveryTimeout"`
	// DrainBatch caps how many operations one pass will process.
	DrainBatch int `json:"drainBatch" yaml:"drainBatch"`
}

// LockConfig tunes the processing lock.
type LockConfig struct {
	// HeartbeatInterval is how often the holder renews the lock.
	HeartbeatInterval Duration `json:"heartbeatInterval" yaml:"heartbeatInterval"`
	// StalenessThreshold is how long after the last heartbeat a lock may be
	// taken over. Should be >= 3-5x the heartbeat interval to absorb
	// scheduling jitter.
	StalenessThreshold Duration `json:"stalenessThreshold" yaml:"stalenessThreshold"`
}

// DedupConfig tunes the idempotency cache.
type DedupConfig struct {
	// TTL is how long idempotency keys are remembered.
	TTL Duration `json:"ttl" yaml:"ttl"`
}

// EmergencyConfig tunes the fast lane.
type EmergencyConfig struct {
	// RetrySchedule is the fixed per-attempt delay ladder; the last entry
	// repeats once attempts exceed its length.
	RetrySchedule []Duration `json:"retrySchedule" yaml:"retrySchedule"`
	// EscalateAfter is the failed-attempt count that raises the local
	// escalation signal. Escalation does not stop retries.
	EscalateAfter int `json:"escalateAfter" yaml:"escalateAfter"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Queue: QueueConfig{
			MaxAttempts:     10,
			BackoffBase:     Duration(2 * time.Second),
			BackoffMax:      Duration(5 * time.Minute),
			DeliveryTimeout: Duration(30 * time.Second),
			DrainBatch:      64,
		},
		Lock: LockConfig{
			HeartbeatInterval:  Duration(time.Second),
			StalenessThreshold: Duration(5 * time.Second),
		},
		Dedup: DedupConfig{
			TTL: Duration(24 * time.Hour),
		},
		Emergency: EmergencyConfig{
			RetrySchedule: []Duration{
				Duration(time.Second),
				Duration(2 * time.Second),
				Duration(4 * time.Second),
				Duration(8 * time.Second),
				Duration(15 * time.Second),
			},
			EscalateAfter: 5,
		},
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If path
// is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse json config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that would break engine invariants.
func (c Config) Validate() error {
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.maxAttempts must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.BackoffBase <= 0 || c.Queue.BackoffMax < c.Queue.BackoffBase {
		return fmt.Errorf("queue backoff range invalid: base=%s max=%s", c.Queue.BackoffBase, c.Queue.BackoffMax)
	}
	if c.Lock.HeartbeatInterval <= 0 {
		return fmt.Errorf("lock.heartbeatInterval must be positive")
	}
	if c.Lock.StalenessThreshold < 2*c.Lock.HeartbeatInterval {
		return fmt.Errorf("lock.stalenessThreshold %s too close to heartbeat %s; spurious takeovers likely",
			c.Lock.StalenessThreshold, c.Lock.HeartbeatInterval)
	}
	if c.Dedup.TTL <= 0 {
		return fmt.Errorf("dedup.ttl must be positive")
	}
	if len(c.Emergency.RetrySchedule) == 0 {
		return fmt.Errorf("emergency.retrySchedule must not be empty")
	}
	if c.Emergency.EscalateAfter <= 0 {
		return fmt.Errorf("emergency.escalateAfter must be positive")
	}
	return nil
}
