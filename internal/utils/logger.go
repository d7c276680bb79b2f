// internal/utils/logger.go
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogOptions configures the process logger.
type LogOptions struct {
	// File receives JSON entries when non-empty.
	File  string
	Level string
	Debug bool
}

var (
	globalLogger *zap.Logger
	loggerMu     sync.RWMutex
)

// GetLogger returns the process logger. Before InitLogger it is a no-op logger.
func GetLogger() *zap.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if globalLogger == nil {
		return zap.NewNop()
	}
	return globalLogger
}

// SetLogger replaces the process logger.
func SetLogger(l *zap.Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	globalLogger = l
}

// InitLogger builds a console logger on stdout, tee'd to a JSON file when
// opts.File is set, and installs it as the process logger.
func InitLogger(opts LogOptions) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if opts.Level != "" {
		parsed, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level.SetLevel(parsed)
	}
	if opts.Debug {
		level.SetLevel(zapcore.DebugLevel)
	}

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stdout), level),
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(file), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	SetLogger(logger)
	return logger, nil
}
