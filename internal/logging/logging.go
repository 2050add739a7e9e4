package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level  string
	Format string
}

// New builds the process logger. The returned level can be changed at runtime
// and is served on the debug webserver.
func New(config Config, opts ...zap.Option) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(config.Level))); err != nil {
		return nil, level, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}

	zc := zap.NewProductionConfig()
	zc.Level = level
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	switch config.Format {
	case "", "json":
		zc.Encoding = "json"
	case "console":
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, level, fmt.Errorf("invalid log format %q", config.Format)
	}

	logger, err := zc.Build(opts...)
	if err != nil {
		return nil, level, err
	}
	return logger, level, nil
}

// Setup builds the logger and installs it as the zap global.
func Setup(config Config) (*zap.Logger, zap.AtomicLevel, error) {
	logger, level, err := New(config)
	if err != nil {
		return nil, level, err
	}
	zap.ReplaceGlobals(logger)
	return logger, level, nil
}
