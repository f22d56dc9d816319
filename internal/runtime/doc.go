// Package runtime assembles the storage layer and engine components into a
// running instance and owns the startup recovery sequence.
package runtime
