// Package logger provides the process-wide logger for command line tools.
package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu  sync.Mutex
	log *zap.SugaredLogger
)

// Init configures the global logger. With verbose set, debug messages are
// emitted and entries carry caller information.
func Init(verbose bool) {
	mu.Lock()
	defer mu.Unlock()
	build(verbose)
}

func build(verbose bool) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.DisableStacktrace = true
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		cfg.DisableCaller = true
	}
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

// Logger returns the global logger, initializing it quietly if Init was not
// called first.
func Logger() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if log == nil {
		build(false)
	}
	return log
}

// Sync flushes buffered log entries. Called before process exit.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	if log != nil {
		_ = log.Sync()
	}
}
