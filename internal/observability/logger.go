package observability

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string
	Format string
}

// NewLogger creates a zap logger based on configuration.
// The "console" format selects the development encoder; anything else logs JSON.
func NewLogger(config LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	switch strings.ToLower(config.Format) {
	case "console", "text":
		zc = zap.NewDevelopmentConfig()
	default:
		zc = zap.NewProductionConfig()
	}
	zc.Level = ParseLevel(config.Level)

	return zc.Build()
}

// ParseLevel parses the log level string, defaulting to info.
func ParseLevel(level string) zap.AtomicLevel {
	switch strings.ToLower(level) {
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn", "warning":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
}
