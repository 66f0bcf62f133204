// Package logging provides the process-wide structured logger used by all
// rudp components. It is a thin facade over zap so that callers never hold
// a logger instance themselves.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the global logger.
type Config struct {
	Level  string // "debug", "info", "warn", "error" (default "info")
	Format string // "console" or "json" (default "console")
}

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

// Init installs the global logger according to cfg. It may be called more
// than once; the last call wins. Components log through the package-level
// functions and never need to be re-wired.
func Init(cfg *Config) error {
	if cfg == nil {
		cfg = &Config{}
	}

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	encoding := cfg.Format
	if encoding == "" {
		encoding = "console"
	}
	if encoding != "console" && encoding != "json" {
		return fmt.Errorf("invalid log format %q (want console or json)", cfg.Format)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.Encoding = encoding
	if encoding == "console" {
		zapCfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	l, err := zapCfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}

	mu.Lock()
	logger = l
	mu.Unlock()
	return nil
}

func get() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debug logs a message at debug level.
func Debug(msg string, fields ...zap.Field) { get().Debug(msg, fields...) }

// Info logs a message at info level.
func Info(msg string, fields ...zap.Field) { get().Info(msg, fields...) }

// Warn logs a message at warn level.
func Warn(msg string, fields ...zap.Field) { get().Warn(msg, fields...) }

// Error logs a message at error level.
func Error(msg string, fields ...zap.Field) { get().Error(msg, fields...) }

// Fatal logs a message at fatal level and exits.
func Fatal(msg string, fields ...zap.Field) { get().Fatal(msg, fields...) }

// Sync flushes any buffered log entries.
func Sync() error {
	return get().Sync()
}
