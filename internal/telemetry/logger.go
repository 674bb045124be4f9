// Package telemetry wires converge's ambient logging, metrics, and tracing
// concerns behind small interfaces, so the module's library packages never
// import logrus, prometheus, or otel directly (the converge command imports
// promhttp to serve /metrics).
package telemetry

import (
	"github.com/sirupsen/logrus"
)

// Logger is the structured logging contract used throughout converge:
// leveled methods taking alternating key/value context pairs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	WithField(key string, value any) Logger
}

// logrusLogger adapts a *logrus.Entry to the Logger interface.
type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogger builds a Logger for the named component, tagged with a
// "component" field on every line it emits.
func NewLogger(component string) Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &logrusLogger{entry: l.WithField("component", component)}
}

func fields(keysAndValues ...any) logrus.Fields {
	f := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		f[key] = keysAndValues[i+1]
	}
	return f
}

func (l *logrusLogger) Debug(msg string, kv ...any) { l.entry.WithFields(fields(kv...)).Debug(msg) }
func (l *logrusLogger) Info(msg string, kv ...any)  { l.entry.WithFields(fields(kv...)).Info(msg) }
func (l *logrusLogger) Warn(msg string, kv ...any)  { l.entry.WithFields(fields(kv...)).Warn(msg) }
func (l *logrusLogger) Error(msg string, kv ...any) { l.entry.WithFields(fields(kv...)).Error(msg) }

func (l *logrusLogger) WithField(key string, value any) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}

// Noop returns a Logger that discards everything, for tests that don't care
// about log output.
func Noop() Logger { return noopLogger{} }

type noopLogger struct{}

func (noopLogger) Debug(string, ...any)         {}
func (noopLogger) Info(string, ...any)          {}
func (noopLogger) Warn(string, ...any)          {}
func (noopLogger) Error(string, ...any)         {}
func (n noopLogger) WithField(string, any) Logger { return n }
