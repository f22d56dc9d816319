// Package metrics defines the engine's Prometheus collectors.
//
// The telemetry surface is observational: nothing in the engine reads these
// values back. Collectors are registered with the default registry via
// promauto and served by the CLI's /metrics endpoint.
package metrics
