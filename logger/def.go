package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	ModeProduction  = "production"
	ModeDevelopment = "development"
)

var (
	logMu sync.RWMutex
	log   *zap.Logger
	sugar *zap.SugaredLogger
)

// Init builds the process logger for the given mode and installs it as the
// zap global.
func Init(mode string) error {
	switch mode {
	case "", ModeProduction:
		return InitProduction()
	case ModeDevelopment:
		return InitDevelopment()
	default:
		return fmt.Errorf("unknown log mode %q", mode)
	}
}

// InitProduction uses JSON output with ISO8601 timestamps.
func InitProduction() error {
	return build(zap.NewProductionConfig())
}

// InitDevelopment uses console output, debug level.
func InitDevelopment() error {
	return build(zap.NewDevelopmentConfig())
}

func build(cfg zap.Config) error {
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	setLogger(l)
	return nil
}

func setLogger(l *zap.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	zap.ReplaceGlobals(l)
	if log != nil {
		_ = log.Sync()
	}
	log = l
	sugar = l.Sugar()
}

// Log never returns nil; before Init it falls back to the zap global.
func Log() *zap.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	if log != nil {
		return log
	}
	return zap.L()
}

// Named returns a child of Log scoped to a component.
func Named(component string) *zap.Logger {
	return Log().Named(component)
}

func S() *zap.SugaredLogger {
	logMu.RLock()
	defer logMu.RUnlock()
	if sugar != nil {
		return sugar
	}
	return zap.S()
}

func Sync() {
	logMu.RLock()
	defer logMu.RUnlock()
	if log != nil {
		_ = log.Sync()
	}
}
