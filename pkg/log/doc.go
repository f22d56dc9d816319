// Package log provides the engine's structured logging facade.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. Internally it is backed by Go's
// standard library slog via a custom handler that preserves the
// formatter/outputs pipeline, so libraries speaking slog or the standard
// log package (Pebble, for one) flow through the same output.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.WithComponent("processor")
//	l.Info("pass complete", log.Int("processed", 12))
//
// Components receive a Logger by injection; there is no package-level
// default logger.
package log
