package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

func setDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("convergence.poll_interval", "30s")
	v.SetDefault("convergence.lock_timeout", "3s")
	v.SetDefault("convergence.top_n", 100)
	v.SetDefault("convergence.threshold_fraction", 0.5)
	v.SetDefault("convergence.partial_glob", "{stream}/**/dose.raw")
	v.SetDefault("convergence.metadata_name", "result.yaml")
	v.SetDefault("convergence.status_file", "job_status.yaml")
	v.SetDefault("convergence.log_file", "job_control_daemon.log")
	v.SetDefault("convergence.sentinel_prefix", "STOP_")
	v.SetDefault("convergence.parallel_streams", 4)

	v.SetDefault("lifecycle.poll_interval", "60s")
	v.SetDefault("lifecycle.historic_age", "720h")
	v.SetDefault("lifecycle.checking_grace", "15m")
	v.SetDefault("lifecycle.held_grace", "2h")
	v.SetDefault("lifecycle.full_refresh_every", 10)
	v.SetDefault("lifecycle.registry_path", filepath.Join(dataDir, "registry.yaml"))
	v.SetDefault("lifecycle.submission_log", filepath.Join(dataDir, "submissions.jsonl"))
	v.SetDefault("lifecycle.log_dir", filepath.Join(dataDir, "logs"))
	v.SetDefault("lifecycle.log_glob", "**/*.log")
	v.SetDefault("lifecycle.log_file", filepath.Join(dataDir, "logs", "lifecycle.log"))
	v.SetDefault("lifecycle.daemon_marker", "converge")
	v.SetDefault("lifecycle.kill_grace", "10s")

	v.SetDefault("planner.default_subjobs", 40)
	v.SetDefault("planner.memory.min_mb", 1000)
	v.SetDefault("planner.memory.max_mb", 16000)
	v.SetDefault("planner.memory.default_mb", 0)
	v.SetDefault("planner.memory.fit_slope_mb", 0.5)
	v.SetDefault("planner.memory.fit_intercept_mb", 1500)
	v.SetDefault("planner.priority", "normal")
	v.SetDefault("planner.executable", "")
	v.SetDefault("planner.args", []string{})

	v.SetDefault("scheduler.backend", "local")
	v.SetDefault("scheduler.query_rate", 2)
	v.SetDefault("scheduler.query_retries", 3)
	v.SetDefault("scheduler.condor_bin_dir", "")
	v.SetDefault("scheduler.condor_log_dir", filepath.Join(dataDir, "logs", "condor"))
	v.SetDefault("scheduler.local_root", filepath.Join(dataDir, "scheduler"))

	v.SetDefault("archive.completed_dir", filepath.Join(dataDir, "archive", "completed"))
	v.SetDefault("archive.failed_dir", filepath.Join(dataDir, "archive", "failed"))
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.prefix", "")
	v.SetDefault("archive.s3.region", "")
	v.SetDefault("archive.s3.endpoint", "")
	v.SetDefault("archive.s3.profile", "")
	v.SetDefault("archive.s3.force_path_style", false)

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Profile) {
	case "structured", "console":
	default:
		return fmt.Errorf("logging.profile must be structured or console, got %q", c.Logging.Profile)
	}
	switch c.Scheduler.Backend {
	case "local", "condor":
	default:
		return fmt.Errorf("scheduler.backend must be local or condor, got %q", c.Scheduler.Backend)
	}
	switch strings.ToLower(c.Planner.Priority) {
	case "", "low", "normal", "high":
	default:
		return fmt.Errorf("planner.priority must be low, normal or high, got %q", c.Planner.Priority)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Convergence.ThresholdFraction < 0 || c.Convergence.ThresholdFraction > 1 {
		return fmt.Errorf("convergence.threshold_fraction must be within [0,1], got %g", c.Convergence.ThresholdFraction)
	}
	if c.Planner.Memory.MinMB > c.Planner.Memory.MaxMB {
		return fmt.Errorf("planner.memory.min_mb (%d) exceeds max_mb (%d)", c.Planner.Memory.MinMB, c.Planner.Memory.MaxMB)
	}
	return nil
}
