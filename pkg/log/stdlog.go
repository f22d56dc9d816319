package log

import (
	stdlog "log"
	"strings"
)

// stdWriter adapts a Logger to io.Writer for the standard library logger.
type stdWriter struct {
	logger Logger
}

func (w stdWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	if msg != "" {
		w.logger.Info(msg)
	}
	return len(p), nil
}

// RedirectStdLog routes standard library log output (used by Pebble and other
// dependencies) through the given Logger at info level.
func RedirectStdLog(logger Logger) {
	stdlog.SetFlags(0)
	stdlog.SetOutput(stdWriter{logger: logger})
}

// ToStdLogger returns a *log.Logger whose output flows through logger.
func ToStdLogger(logger Logger) *stdlog.Logger {
	return stdlog.New(stdWriter{logger: logger}, "", 0)
}
