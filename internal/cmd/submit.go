package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/OpenGATE/IDEAL-sub000/internal/observability"
	"github.com/OpenGATE/IDEAL-sub000/pkg/planner"
	"github.com/OpenGATE/IDEAL-sub000/pkg/scheduler"
	"github.com/OpenGATE/IDEAL-sub000/pkg/unitofwork"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Plan and queue a unit of work",
	Long: `Compute the per-stream subjob counts and memory requests of a unit, queue
it at the configured scheduler, register it and start its convergence daemon.

Nothing is registered when the scheduler rejects the submission; the
scheduler's exit code and output are reported unchanged.

Examples:
  ideal submit --unit /data/unit42/unit.yaml
  ideal submit --unit unit.yaml --subjobs 20 --priority high
  ideal submit --unit unit.yaml --dry-run --json`,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().String("unit", "", "Unit of work file (required)")
	submitCmd.Flags().Int("subjobs", 0, "Override the subjob count of every stream")
	submitCmd.Flags().Int("memory-mb", 0, "Override the per-subjob memory request")
	submitCmd.Flags().String("priority", "", "Scheduler priority: low, normal or high")
	submitCmd.Flags().Bool("no-daemon", false, "Do not start the convergence daemon")
	submitCmd.Flags().Bool("dry-run", false, "Print the planned submission without queueing it")
	submitCmd.Flags().Bool("json", false, "Output as JSON")
	_ = submitCmd.MarkFlagRequired("unit")
}

type submitOutput struct {
	ID        int64                    `json:"id,omitempty"`
	Handle    string                   `json:"handle,omitempty"`
	DaemonPID int                      `json:"daemon_pid,omitempty"`
	Spec      scheduler.SubmissionSpec `json:"spec"`
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := cfgOrLoad(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	noDaemon, _ := cmd.Flags().GetBool("no-daemon")

	unitPath, _ := cmd.Flags().GetString("unit")
	unit, err := unitofwork.Load(strings.TrimSpace(unitPath))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid unit of work", err)
	}

	pcfg, err := plannerConfig(cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid planner configuration", err)
	}
	hints := planner.Hints{}
	hints.Subjobs, _ = cmd.Flags().GetInt("subjobs")
	hints.MemoryMB, _ = cmd.Flags().GetInt("memory-mb")
	if cmd.Flags().Changed("priority") {
		raw, _ := cmd.Flags().GetString("priority")
		p, err := scheduler.ParsePriority(raw)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --priority value", err)
		}
		hints.Priority = &p
	}

	spec, err := planner.Plan(unit, pcfg, hints)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot plan submission", err)
	}
	if dryRun {
		return printSubmit(jsonOutput, submitOutput{Spec: spec})
	}

	logger := observability.CLILogger
	adapter, err := newScheduler(cfg, logger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid scheduler configuration", err)
	}

	var launcher planner.DaemonLauncher
	if !noDaemon {
		launcher = planner.Launcher{
			Subcommand: convergeCmd.Name(),
			LogName:    cfg.Convergence.LogFile,
			ExtraArgs:  daemonArgs(),
		}
	}

	res, err := planner.New(adapter, submissionLog(cfg), launcher, logger).
		WithStatusFile(cfg.Convergence.StatusFile, cfg.Convergence.LockTimeout).
		Submit(ctx, unit, spec)
	if err != nil {
		if code := scheduler.ExitCode(err); code >= 0 {
			return exitError(foundry.ExitExternalServiceUnavailable,
				fmt.Sprintf("Scheduler rejected submission (exit code %d)", code), err)
		}
		return exitError(foundry.ExitFileWriteError, "Submission failed", err)
	}

	logger.Debug("Submission registered", zap.Int64("id", res.ID), zap.String("handle", string(res.Handle)))
	return printSubmit(jsonOutput, submitOutput{
		ID:        res.ID,
		Handle:    string(res.Handle),
		DaemonPID: res.DaemonPID,
		Spec:      spec,
	})
}

// daemonArgs forwards the global flags the daemon must share with us.
func daemonArgs() []string {
	if cfgFile == "" {
		return nil
	}
	return []string{"--config", cfgFile}
}

func printSubmit(jsonOutput bool, out submitOutput) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	if out.ID > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "job_id=%d\n", out.ID)
		_, _ = fmt.Fprintf(os.Stdout, "handle=%s\n", out.Handle)
		if out.DaemonPID > 0 {
			_, _ = fmt.Fprintf(os.Stdout, "daemon_pid=%d\n", out.DaemonPID)
		}
	}
	_, _ = fmt.Fprintf(os.Stdout, "workdir=%s\n", out.Spec.WorkDir)
	_, _ = fmt.Fprintf(os.Stdout, "priority=%s\n", out.Spec.Priority)
	for _, s := range out.Spec.Streams {
		_, _ = fmt.Fprintf(os.Stdout, "stream=%s subjobs=%d memory_mb=%d\n", s.Name, s.Subjobs, s.MemoryMB)
	}
	return nil
}
