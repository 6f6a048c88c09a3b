package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger = zap.SugaredLogger

// New builds the process-wide logger. LOG_LEVEL (debug, info, warn, error)
// overrides the default info level.
func New() *Logger {
	cfg := zap.NewProductionConfig()
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		var l zapcore.Level
		if err := l.Set(lvl); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(l)
		}
	}
	l, _ := cfg.Build()
	return l.Sugar()
}

// NewNop returns a logger that discards everything, for tests.
func NewNop() *Logger {
	return zap.NewNop().Sugar()
}
