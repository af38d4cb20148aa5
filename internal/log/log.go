// Package log provides the leveled logger used across workercore
// packages.
package log

import (
	"go.uber.org/zap"
)

// base is the process-wide zap logger every component Logger derives
// from.
var base = mustBuild()

func mustBuild() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// A logger that cannot be constructed is a bootstrap failure; the
		// fallback keeps the process from panicking before main() has a
		// chance to report anything.
		l = zap.NewNop()
	}
	return l
}

// New creates a Logger instance scoped to the named component. Call
// sites use it the same way regardless of package:
//
//	var logger = log.New("dispatcher")
//	logger.Infof("leased job; id: %s", job.ID)
func New(component string) *Logger {
	return &Logger{sugar: base.Sugar().Named(component)}
}

// Logger is a thin wrapper over zap.SugaredLogger that preserves the
// Infof/Warnf/Errorf surface used throughout this codebase.
type Logger struct {
	sugar *zap.SugaredLogger
}

// Errorf prints an error log-level message.
func (l *Logger) Errorf(msg string, args ...interface{}) {
	l.sugar.Errorf(msg, args...)
}

// Warnf prints a warn log-level message.
func (l *Logger) Warnf(msg string, args ...interface{}) {
	l.sugar.Warnf(msg, args...)
}

// Infof prints an info log-level message.
func (l *Logger) Infof(msg string, args ...interface{}) {
	l.sugar.Infof(msg, args...)
}

// With returns a Logger that includes the given key/value pairs on every
// subsequent message, e.g. logger.With("job_id", id).Infof("leased").
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(kv...)}
}

// Sync flushes any buffered log entries. Call once on process shutdown.
func Sync() error {
	return base.Sync()
}
