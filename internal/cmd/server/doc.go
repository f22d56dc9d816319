// Package serverrun implements the serve command: it opens the runtime,
// drives processing passes on a timer, and serves the observational metrics
// endpoint.
package serverrun
