package lifecycle

import (
	"time"

	"go.uber.org/zap"

	"github.com/OpenGATE/IDEAL-sub000/pkg/convergence"
	"github.com/OpenGATE/IDEAL-sub000/pkg/lockedstore"
	"github.com/OpenGATE/IDEAL-sub000/pkg/unitofwork"
)

// Defaults for unset Config fields.
const (
	DefaultPollInterval     = 60 * time.Second
	DefaultHistoricAge      = 30 * 24 * time.Hour
	DefaultCheckingGrace    = 15 * time.Minute
	DefaultHeldGrace        = 2 * time.Hour
	DefaultFullRefreshEvery = 10
	DefaultLogGlob          = "**/*.log"
)

// Config carries the daemon's settings; nothing is read from globals.
type Config struct {
	PollInterval time.Duration

	// HistoricAge bounds which records are refreshed and which logs are kept
	// uncompressed.
	HistoricAge time.Duration

	// CheckingGrace is how long a record may stay CHECKING.
	CheckingGrace time.Duration

	// HeldGrace is how long a held job is tolerated before it is cancelled.
	HeldGrace time.Duration

	// FullRefreshEvery is the cycle cadence of the full reconciliation
	// (submission log rescan, untracked daemon kill, log ageing).
	FullRefreshEvery int

	LockTimeout    time.Duration
	StatusFile     string
	SentinelPrefix string

	// LogDir holds the logs aged out by the daemon; empty disables ageing.
	LogDir  string
	LogGlob string

	Logger *zap.Logger
	Now    func() time.Time
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HistoricAge <= 0 {
		c.HistoricAge = DefaultHistoricAge
	}
	if c.CheckingGrace <= 0 {
		c.CheckingGrace = DefaultCheckingGrace
	}
	if c.HeldGrace <= 0 {
		c.HeldGrace = DefaultHeldGrace
	}
	if c.FullRefreshEvery <= 0 {
		c.FullRefreshEvery = DefaultFullRefreshEvery
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = lockedstore.DefaultTimeout
	}
	if c.StatusFile == "" {
		c.StatusFile = unitofwork.DefaultStatusFile
	}
	if c.SentinelPrefix == "" {
		c.SentinelPrefix = convergence.DefaultSentinelPrefix
	}
	if c.LogGlob == "" {
		c.LogGlob = DefaultLogGlob
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
