package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from human-readable strings
// ("2s", "5m") in both JSON and YAML, and from plain nanosecond integers.
type Duration time.Duration

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String renders the duration in time.Duration notation.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON accepts "2s"-style strings or integer nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) >= 2 && b[0] == '"' && b[len(b)-1] == '"' {
		parsed, err := time.ParseDuration(string(b[1 : len(b)-1]))
		if err != nil {
			return fmt.Errorf("parse duration: %w", err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if _, err := fmt.Sscan(string(b), &ns); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(ns)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

// UnmarshalYAML accepts "2s"-style strings or integer nanoseconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("parse duration: %w", perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := node.Decode(&ns); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(ns)
	return nil
}
