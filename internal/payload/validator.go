// Package payload validates operation payloads against per-type JSON
// schemas at the enqueue boundary. Catching a malformed payload before it is
// persisted is much cheaper than discovering it during delivery, where the
// failure would be classified as a schema error and quarantine the
// operation.
package payload

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Registry holds one compiled schema per operation type.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
	// strict rejects operation types with no registered schema instead of
	// letting them through unvalidated.
	strict bool
}

// Option configures a Registry.
type Option func(*Registry)

// Strict makes unknown operation types a validation failure.
func Strict() Option {
	return func(r *Registry) { r.strict = true }
}

// NewRegistry creates an empty schema registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{schemas: make(map[string]*jsonschema.Schema)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register compiles schemaJSON and binds it to operationType, replacing any
// previous binding.
func (r *Registry) Register(operationType string, schemaJSON []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("parse schema for %s: %w", operationType, err)
	}
	url := "opq:///schemas/" + operationType + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return fmt.Errorf("add schema for %s: %w", operationType, err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", operationType, err)
	}
	r.mu.Lock()
	r.schemas[operationType] = sch
	r.mu.Unlock()
	return nil
}

// Has reports whether operationType has a registered schema.
func (r *Registry) Has(operationType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[operationType]
	return ok
}

// Validate checks payload against the schema registered for operationType.
// With no schema registered the payload passes, unless the registry is
// strict.
func (r *Registry) Validate(operationType string, payload map[string]any) error {
	r.mu.RLock()
	sch, ok := r.schemas[operationType]
	r.mu.RUnlock()
	if !ok {
		if r.strict {
			return fmt.Errorf("no schema registered for operation type %q", operationType)
		}
		return nil
	}

	// Round-trip through JSON so the instance uses the plain types the
	// validator expects, whatever concrete types the caller handed us.
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := sch.Validate(instance); err != nil {
		return fmt.Errorf("payload for %s: %w", operationType, err)
	}
	return nil
}
