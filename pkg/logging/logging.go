// Package logging provides the shared zap logger used by all raknet
// subsystems. The logger defaults to a no-op core so library consumers
// that never call Init pay nothing for instrumentation.
package logging

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var logger atomic.Pointer[zap.Logger]

func init() {
	logger.Store(zap.NewNop())
}

// Init installs a logger for the whole library. Pass development=true for
// a human-readable console encoder, false for production JSON output.
func Init(development bool) error {
	var (
		l   *zap.Logger
		err error
	)
	if development {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	logger.Store(l)
	return nil
}

// SetLogger installs a caller-provided zap logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

// Logger returns the currently installed logger.
func Logger() *zap.Logger {
	return logger.Load()
}

func Debug(msg string, fields ...zap.Field) { logger.Load().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { logger.Load().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { logger.Load().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { logger.Load().Error(msg, fields...) }

// Sync flushes buffered log entries.
func Sync() error {
	return logger.Load().Sync()
}
