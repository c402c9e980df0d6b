// Package logging builds the zap loggers used across savepoint.
package logging

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures the logger.
type Config struct {
	// Level is the minimum level to output: debug, info, warn or error.
	Level string
	// Development enables human-readable console output.
	Development bool
	// Output is where logs are written. Defaults to os.Stderr.
	Output io.Writer
	// Name is attached to every entry as the logger name.
	Name string
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Output: os.Stderr,
		Name:   "savepoint",
	}
}

// ParseLevel parses a level name. Unknown names map to info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New creates a logger with the given configuration.
func New(cfg Config) *zap.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	var encCfg zapcore.EncoderConfig
	var enc zapcore.Encoder
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(cfg.Output), zap.NewAtomicLevelAt(ParseLevel(cfg.Level)))
	logger := zap.New(core)
	if cfg.Name != "" {
		logger = logger.Named(cfg.Name)
	}
	return logger
}

// Component returns a child logger with the component field set.
// A nil logger yields a no-op logger.
func Component(l *zap.Logger, component string) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l.With(zap.String("component", component))
}
