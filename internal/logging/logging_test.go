package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	logger, level, err := New(Config{Level: "WARN", Format: "console"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	require.Equal(t, zapcore.WarnLevel, level.Level())
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	level.SetLevel(zapcore.DebugLevel)
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewInvalid(t *testing.T) {
	_, _, err := New(Config{Level: "loud", Format: "json"})
	require.Error(t, err)

	_, _, err = New(Config{Level: "INFO", Format: "xml"})
	require.Error(t, err)
}

func TestSetup(t *testing.T) {
	prev := zap.L()
	defer zap.ReplaceGlobals(prev)

	logger, _, err := Setup(Config{Level: "INFO"})
	require.NoError(t, err)
	require.Equal(t, logger, zap.L())
}
