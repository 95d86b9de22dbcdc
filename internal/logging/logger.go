package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// #region env

const (
	EnvLogLevel  = "CATO_LOG_LEVEL"
	EnvLogFormat = "CATO_LOG_FORMAT"
)

// #endregion env

// #region profile

// Profile selects the base logger configuration.
type Profile int

const (
	ProfileRuntime Profile = iota // JSON, info level
	ProfileDevelopment            // console, debug level
	ProfileTest                   // console, warn level
)

// Options is the resolved logger configuration after env overrides.
type Options struct {
	Level  zapcore.Level
	Format string // "json" | "console"
}

// #endregion profile

// #region new

// New builds a zap logger for the profile, applying CATO_LOG_LEVEL and
// CATO_LOG_FORMAT when set.
func New(profile Profile) (*zap.Logger, error) {
	opts := defaultOptions(profile)
	applyEnvOverrides(&opts)
	return Build(opts)
}

// Build constructs a logger from explicit options.
func Build(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	switch opts.Format {
	case "console":
		cfg = zap.NewDevelopmentConfig()
	case "json", "":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	cfg.Level = zap.NewAtomicLevelAt(opts.Level)
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// #endregion new

// #region overrides

func defaultOptions(profile Profile) Options {
	switch profile {
	case ProfileDevelopment:
		return Options{Level: zapcore.DebugLevel, Format: "console"}
	case ProfileTest:
		return Options{Level: zapcore.WarnLevel, Format: "console"}
	default:
		return Options{Level: zapcore.InfoLevel, Format: "json"}
	}
}

func applyEnvOverrides(opts *Options) {
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		opts.Level = lvl
	}
	switch f := strings.ToLower(strings.TrimSpace(os.Getenv(EnvLogFormat))); f {
	case "json", "console":
		opts.Format = f
	}
}

func parseLevel(raw string) (zapcore.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zapcore.DebugLevel, true
	case "info":
		return zapcore.InfoLevel, true
	case "warn", "warning":
		return zapcore.WarnLevel, true
	case "error":
		return zapcore.ErrorLevel, true
	default:
		return zapcore.InfoLevel, false
	}
}

// #endregion overrides
