// Package config loads the typed configuration shared by every ideal
// command. Precedence: runtime overrides > IDEAL_* environment > config file
// > defaults.
package config

import (
	"time"
)

// Config is the full configuration document.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Convergence ConvergenceConfig `mapstructure:"convergence"`
	Lifecycle   LifecycleConfig   `mapstructure:"lifecycle"`
	Planner     PlannerConfig     `mapstructure:"planner"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Server      ServerConfig      `mapstructure:"server"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// ConvergenceConfig drives `ideal converge`.
type ConvergenceConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	LockTimeout       time.Duration `mapstructure:"lock_timeout"`
	TopN              int           `mapstructure:"top_n"`
	ThresholdFraction float64       `mapstructure:"threshold_fraction"`
	PartialGlob       string        `mapstructure:"partial_glob"`
	MetadataName      string        `mapstructure:"metadata_name"`
	StatusFile        string        `mapstructure:"status_file"`
	LogFile           string        `mapstructure:"log_file"`
	SentinelPrefix    string        `mapstructure:"sentinel_prefix"`
	ParallelStreams   int           `mapstructure:"parallel_streams"`
}

// LifecycleConfig drives `ideal lifecycle`.
type LifecycleConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	HistoricAge      time.Duration `mapstructure:"historic_age"`
	CheckingGrace    time.Duration `mapstructure:"checking_grace"`
	HeldGrace        time.Duration `mapstructure:"held_grace"`
	FullRefreshEvery int           `mapstructure:"full_refresh_every"`
	RegistryPath     string        `mapstructure:"registry_path"`
	SubmissionLog    string        `mapstructure:"submission_log"`
	LogDir           string        `mapstructure:"log_dir"`
	LogGlob          string        `mapstructure:"log_glob"`
	LogFile          string        `mapstructure:"log_file"`
	DaemonMarker     string        `mapstructure:"daemon_marker"`
	KillGrace        time.Duration `mapstructure:"kill_grace"`
}

type MemoryConfig struct {
	MinMB          int     `mapstructure:"min_mb"`
	MaxMB          int     `mapstructure:"max_mb"`
	DefaultMB      int     `mapstructure:"default_mb"`
	FitSlopeMB     float64 `mapstructure:"fit_slope_mb"`
	FitInterceptMB float64 `mapstructure:"fit_intercept_mb"`
}

// PlannerConfig drives `ideal submit`.
type PlannerConfig struct {
	DefaultSubjobs int          `mapstructure:"default_subjobs"`
	Memory         MemoryConfig `mapstructure:"memory"`
	Priority       string       `mapstructure:"priority"`
	Executable     string       `mapstructure:"executable"`
	Args           []string     `mapstructure:"args"`
}

// SchedulerConfig selects and tunes the scheduler backend.
type SchedulerConfig struct {
	Backend      string  `mapstructure:"backend"`
	QueryRate    float64 `mapstructure:"query_rate"`
	QueryRetries int     `mapstructure:"query_retries"`
	CondorBinDir string  `mapstructure:"condor_bin_dir"`
	CondorLogDir string  `mapstructure:"condor_log_dir"`
	LocalRoot    string  `mapstructure:"local_root"`
}

type S3Config struct {
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// ArchiveConfig locates finished work directories. S3 is used when a bucket
// is set.
type ArchiveConfig struct {
	CompletedDir string   `mapstructure:"completed_dir"`
	FailedDir    string   `mapstructure:"failed_dir"`
	S3           S3Config `mapstructure:"s3"`
}

// ServerConfig is the optional status server of the lifecycle daemon.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}
