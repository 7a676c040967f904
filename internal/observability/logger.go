// Package observability holds the process-wide loggers.
package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger commands write to. It is a no-op until
// InitCLILogger runs.
var CLILogger = zap.NewNop()

var cliMu sync.Mutex

// InitCLILogger configures CLILogger for a command run. Output goes to
// stderr so stdout stays clean for --json.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	enc.CallerKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), level)

	cliMu.Lock()
	defer cliMu.Unlock()
	CLILogger = zap.New(core).Named(name)
}

// ParseLevel maps a config level string to a zap level; unknown values fall
// back to info.
func ParseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func encoderFor(profile string) zapcore.Encoder {
	if strings.EqualFold(profile, "console") {
		enc := zap.NewDevelopmentEncoderConfig()
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewConsoleEncoder(enc)
	}
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(enc)
}

// NewDaemonLogger builds the logger of a long-running daemon. Entries are
// appended to path, or go to stderr when path is empty. The returned close
// function syncs and closes the file.
func NewDaemonLogger(path, level, profile string) (*zap.Logger, func(), error) {
	lvl := zap.NewAtomicLevelAt(ParseLevel(level))

	var sink zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	var f *os.File
	if strings.TrimSpace(path) != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open daemon log: %w", err)
		}
		sink = zapcore.Lock(f)
	}

	logger := zap.New(zapcore.NewCore(encoderFor(profile), sink, lvl), zap.AddCaller())
	closeFn := func() {
		_ = logger.Sync()
		if f != nil {
			_ = f.Close()
		}
	}
	return logger, closeFn, nil
}
