package bnxt

import "github.com/ehrlich-b/go-bnxt/internal/logging"

// Logger is the structured logger the engine writes to
type Logger = logging.Logger

// LogConfig configures NewLogger
type LogConfig = logging.Config

// NewLogger creates a zerolog-backed logger. A nil config uses the defaults.
func NewLogger(cfg *LogConfig) *Logger {
	if cfg == nil {
		cfg = logging.DefaultConfig()
	}
	return logging.NewLogger(cfg)
}

// ParseLogLevel maps "debug", "info", "warn" or "error" to a level
func ParseLogLevel(name string) logging.LogLevel {
	return logging.ParseLevel(name)
}
