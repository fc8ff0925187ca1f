// Package logger builds the zap loggers used across cliant.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvLevel overrides the level chosen from command-line verbosity.
const EnvLevel = "CLIANT_LOG_LEVEL"

// Options configures a logger.
type Options struct {
	// Level is one of debug, info, warn, error. Default: warn
	Level string

	// Format is "console" or "json". Default: console
	Format string

	// Output receives log entries. Default: os.Stderr
	Output io.Writer
}

// New builds a logger from opts.
func New(opts Options) (*zap.Logger, error) {
	if opts.Level == "" {
		opts.Level = "warn"
	}
	if opts.Output == nil {
		opts.Output = os.Stderr
	}

	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var cfg zapcore.EncoderConfig
	var encoder zapcore.Encoder
	switch opts.Format {
	case "json":
		cfg = zap.NewProductionEncoderConfig()
		cfg = withCommonKeys(cfg)
		encoder = zapcore.NewJSONEncoder(cfg)
	case "", "console":
		cfg = zap.NewDevelopmentEncoderConfig()
		cfg = withCommonKeys(cfg)
		encoder = zapcore.NewConsoleEncoder(cfg)
	default:
		return nil, fmt.Errorf("invalid log format: %s", opts.Format)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(opts.Output), zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller()), nil
}

func withCommonKeys(cfg zapcore.EncoderConfig) zapcore.EncoderConfig {
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.LevelKey = "level"
	cfg.MessageKey = "msg"
	cfg.CallerKey = "caller"
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	return cfg
}

// ParseLevel converts a level name to a zapcore.Level.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelFromVerbosity maps -q and repeated -v flags to a level name.
// The CLIANT_LOG_LEVEL environment variable wins when set.
func LevelFromVerbosity(quiet bool, verbose int) string {
	if env := os.Getenv(EnvLevel); env != "" {
		return env
	}
	switch {
	case quiet:
		return "error"
	case verbose >= 2:
		return "debug"
	case verbose == 1:
		return "info"
	default:
		return "warn"
	}
}

// OrNop returns log, or a no-op logger when log is nil.
func OrNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
