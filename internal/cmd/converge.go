package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/OpenGATE/IDEAL-sub000/internal/observability"
	"github.com/OpenGATE/IDEAL-sub000/pkg/convergence"
	"github.com/OpenGATE/IDEAL-sub000/pkg/unitofwork"
)

// Settings file names looked up in the work directory when --unit is omitted.
var defaultUnitNames = []string{"unit.yaml", "unit.yml", "unit.json"}

var convergeCmd = &cobra.Command{
	Use:   "converge",
	Short: "Run the convergence daemon of one unit",
	Long: `Watch the partial results of every stream of a unit, keep running
totals, and stop each stream (by writing its STOP_<stream> sentinel) once the
wall time, primary count or uncertainty goal is reached.

The daemon exits when every stream has stopped. Its log is appended to
<workdir>/job_control_daemon.log.

Examples:
  ideal converge --workdir /data/unit42
  ideal converge --workdir /data/unit42 --uncertainty-goal 1.5 --poll 10s`,
	RunE: runConverge,
}

func init() {
	rootCmd.AddCommand(convergeCmd)
	convergeCmd.Flags().String("workdir", "", "Work directory of the unit (required)")
	convergeCmd.Flags().String("unit", "", "Unit of work file (default: <workdir>/unit.yaml)")
	convergeCmd.Flags().Float64("max-wall-minutes", -1, "Override the wall time limit (0 disables)")
	convergeCmd.Flags().Int64("min-primaries", -1, "Override the primaries goal per stream (0 disables)")
	convergeCmd.Flags().Float64("uncertainty-goal", -1, "Override the relative uncertainty goal in percent (0 disables)")
	convergeCmd.Flags().Duration("poll", 0, "Override the polling interval")
	_ = convergeCmd.MarkFlagRequired("workdir")
}

func runConverge(cmd *cobra.Command, _ []string) error {
	cfg, err := cfgOrLoad(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	workdir, _ := cmd.Flags().GetString("workdir")
	workdir, err = filepath.Abs(strings.TrimSpace(workdir))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --workdir", err)
	}
	if fi, err := os.Stat(workdir); err != nil || !fi.IsDir() {
		return exitError(foundry.ExitFileNotFound, "Work directory not found", fmt.Errorf("%s", workdir))
	}

	unitPath, _ := cmd.Flags().GetString("unit")
	unit, err := loadUnitForWorkdir(workdir, unitPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid unit of work", err)
	}
	unit.WorkDir = workdir
	if err := applyPolicyOverrides(cmd, &unit.Policy); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid stopping policy", err)
	}

	logger, closeLog, err := observability.NewDaemonLogger(
		filepath.Join(workdir, cfg.Convergence.LogFile), cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open daemon log", err)
	}
	defer closeLog()

	ecfg := engineConfig(cfg, unit, logger.Named("converge"))
	if poll, _ := cmd.Flags().GetDuration("poll"); poll > 0 {
		ecfg.PollInterval = poll
	}

	engine, err := convergence.New(ecfg)
	if err != nil {
		logger.Error("Convergence daemon cannot start", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid convergence configuration", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Convergence daemon started",
		zap.String("workdir", workdir),
		zap.Int("pid", os.Getpid()),
		zap.Strings("streams", unit.StreamNames()),
		zap.String("policy", unit.Policy.String()),
		zap.Duration("poll_interval", ecfg.PollInterval))

	start := time.Now()
	err = engine.Run(ctx)
	switch {
	case err == nil:
		logger.Info("All streams stopped; convergence daemon exiting", zap.Duration("elapsed", time.Since(start)))
		return nil
	case errors.Is(err, context.Canceled):
		logger.Warn("Convergence daemon interrupted", zap.Error(err))
		return exitError(foundry.ExitSignalInt, "converge cancelled", err)
	case convergence.IsFatal(err):
		logger.Error("Convergence daemon stopped on fatal error", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "converge failed", err)
	default:
		logger.Error("Convergence daemon failed", zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "converge failed", err)
	}
}

// loadUnitForWorkdir loads path, or the first default settings file found
// in workdir.
func loadUnitForWorkdir(workdir, path string) (*unitofwork.UnitOfWork, error) {
	if strings.TrimSpace(path) != "" {
		return unitofwork.Load(path)
	}
	for _, name := range defaultUnitNames {
		p := filepath.Join(workdir, name)
		if _, err := os.Stat(p); err == nil {
			return unitofwork.Load(p)
		}
	}
	return nil, fmt.Errorf("no unit file in %s (looked for %s)", workdir, strings.Join(defaultUnitNames, ", "))
}

// applyPolicyOverrides applies the flags the user actually set.
func applyPolicyOverrides(cmd *cobra.Command, p *unitofwork.StoppingPolicy) error {
	if cmd.Flags().Changed("max-wall-minutes") {
		p.MaxWallMinutes, _ = cmd.Flags().GetFloat64("max-wall-minutes")
	}
	if cmd.Flags().Changed("min-primaries") {
		p.MinPrimaries, _ = cmd.Flags().GetInt64("min-primaries")
	}
	if cmd.Flags().Changed("uncertainty-goal") {
		p.UncertaintyGoalPercent, _ = cmd.Flags().GetFloat64("uncertainty-goal")
	}
	return p.Validate()
}
