// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"log"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for constructing a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the engine.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger adapts a standard library logger to the Logger interface,
// rendering fields as key=value pairs.
type StdLogger struct {
	base  *log.Logger
	debug bool
}

// NewStdLogger wraps the provided standard logger. Debug lines are emitted
// only when debug is set.
func NewStdLogger(base *log.Logger, debug bool) *StdLogger {
	if base == nil {
		base = log.Default()
	}
	return &StdLogger{base: base, debug: debug}
}

// Debug logs a debug-level line when enabled.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.debug {
		return
	}
	l.print("DEBUG", msg, fields)
}

// Info logs an informational line.
func (l *StdLogger) Info(msg string, fields ...Field) {
	l.print("INFO", msg, fields)
}

// Warn logs a warning line.
func (l *StdLogger) Warn(msg string, fields ...Field) {
	l.print("WARN", msg, fields)
}

// Error logs an error line.
func (l *StdLogger) Error(msg string, fields ...Field) {
	l.print("ERROR", msg, fields)
}

func (l *StdLogger) print(level, msg string, fields []Field) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for _, f := range fields {
		if strings.TrimSpace(f.Key) == "" {
			continue
		}
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	l.base.Print(b.String())
}
