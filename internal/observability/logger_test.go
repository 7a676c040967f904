package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{" warn ", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"nonsense", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNewDaemonLoggerAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "daemon.log")

	for i := 0; i < 2; i++ {
		logger, closeFn, err := NewDaemonLogger(path, "info", "structured")
		require.NoError(t, err)
		logger.Info("cycle", zap.Int("n", i))
		logger.Debug("hidden")
		closeFn()
	}

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"n":0`)
	assert.Contains(t, lines[1], `"n":1`)
	assert.NotContains(t, string(b), "hidden")
}

func TestNewDaemonLoggerConsoleProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	logger, closeFn, err := NewDaemonLogger(path, "debug", "console")
	require.NoError(t, err)
	logger.Debug("visible", zap.String("stream", "A"))
	closeFn()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "visible")
	assert.False(t, strings.HasPrefix(string(b), "{"))
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	InitCLILogger("test", true)
	require.NotNil(t, CLILogger)
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))

	InitCLILogger("test", false)
	assert.False(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
}
