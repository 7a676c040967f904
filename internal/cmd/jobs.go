package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/OpenGATE/IDEAL-sub000/internal/config"
	"github.com/OpenGATE/IDEAL-sub000/internal/observability"
	"github.com/OpenGATE/IDEAL-sub000/pkg/lifecycle"
	"github.com/OpenGATE/IDEAL-sub000/pkg/registry"
	"github.com/OpenGATE/IDEAL-sub000/pkg/scheduler"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage registered units",
	Long: `Inspect the job registry maintained by the lifecycle daemon.

This command group is designed to be agent-friendly:

- stable numeric job ids
- optional JSON output for machine parsing
- read-only except for cancel and priority, which never edit the registry
  directly (the lifecycle daemon records the outcome on its next cycle)

Submissions not yet imported by the lifecycle daemon are listed with
state SUBMITTED and status "pending import".`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered units",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a unit",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Stop every stream of a unit and cancel its subjobs",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsPriorityCmd = &cobra.Command{
	Use:   "priority <job_id> <low|normal|high>",
	Short: "Change the scheduler priority of a unit",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobsPriority,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show the convergence daemon log of a unit",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsPriorityCmd)
	jobsCmd.AddCommand(jobsLogsCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().Bool("active", false, "Only SUBMITTED, RUNNING and CHECKING units")
	jobsListCmd.Flags().String("state", "", "Only units in this state")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsCancelCmd.Flags().String("reason", "cancelled by operator", "Reason recorded in the unit status")
	jobsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = no tail)")
	jobsLogsCmd.Flags().Bool("follow", false, "Follow log output")
	jobsLogsCmd.Flags().String("file", "", "Another log file inside the work directory")
}

// loadJobs returns registry records plus submissions not yet imported,
// newest first.
func loadJobs(cfg *config.Config) ([]registry.JobRecord, error) {
	reg, err := registryStore(cfg).Load()
	if err != nil {
		return nil, err
	}
	pending, err := submissionLog(cfg).Since(reg.LastID)
	if err != nil {
		return nil, err
	}
	for _, sub := range pending {
		if _, ok := reg.Get(sub.ID); ok {
			continue
		}
		rec := sub.Record()
		rec.Status = "pending import"
		_ = reg.Add(sub.ID, rec)
	}
	return reg.List(), nil
}

func findJob(cfg *config.Config, raw string) (registry.JobRecord, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return registry.JobRecord{}, fmt.Errorf("invalid job id %q", raw)
	}
	jobs, err := loadJobs(cfg)
	if err != nil {
		return registry.JobRecord{}, err
	}
	for _, j := range jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return registry.JobRecord{}, fmt.Errorf("job not found: %d", id)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	cfg, err := cfgOrLoad(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	activeOnly, _ := cmd.Flags().GetBool("active")
	state, _ := cmd.Flags().GetString("state")
	state = strings.ToUpper(strings.TrimSpace(state))

	jobs, err := loadJobs(cfg)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Cannot read job registry", err)
	}
	filtered := jobs[:0]
	for _, j := range jobs {
		if activeOnly && !j.State.Active() {
			continue
		}
		if state != "" && string(j.State) != state {
			continue
		}
		filtered = append(filtered, j)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(filtered)
	}
	if len(filtered) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tSTATE\tSUBMITTED\tHANDLE\tSCHEDULER\tDAEMON\tSTATUS\tWORKDIR")
	for _, j := range filtered {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID,
			j.State,
			j.SubmissionDate.UTC().Format(time.RFC3339),
			dash(j.SchedulerHandle),
			dash(j.SchedulerStatus),
			dash(j.DaemonStatus),
			dash(truncate(j.Status, 48)),
			j.WorkDir,
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	cfg, err := cfgOrLoad(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")

	rec, err := findJob(cfg, args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%d\n", rec.ID)
	_, _ = fmt.Fprintf(os.Stdout, "state=%s\n", rec.State)
	_, _ = fmt.Fprintf(os.Stdout, "status=%s\n", rec.Status)
	_, _ = fmt.Fprintf(os.Stdout, "workdir=%s\n", rec.WorkDir)
	_, _ = fmt.Fprintf(os.Stdout, "settings=%s\n", rec.SettingsPath)
	_, _ = fmt.Fprintf(os.Stdout, "submitted_at=%s\n", rec.SubmissionDate.UTC().Format(time.RFC3339))
	_, _ = fmt.Fprintf(os.Stdout, "scheduler_handle=%s\n", rec.SchedulerHandle)
	if rec.SchedulerStatus != "" {
		_, _ = fmt.Fprintf(os.Stdout, "scheduler_status=%s\n", rec.SchedulerStatus)
	}
	if rec.DaemonStatus != "" {
		_, _ = fmt.Fprintf(os.Stdout, "daemon_status=%s\n", rec.DaemonStatus)
	}
	if len(rec.Streams) > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "streams=%s\n", strings.Join(rec.Streams, ","))
	}
	if rec.ArchivePath != "" {
		_, _ = fmt.Fprintf(os.Stdout, "archive=%s\n", rec.ArchivePath)
	}
	if rec.ArchivedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "archived_at=%s\n", rec.ArchivedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := cfgOrLoad(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	reason, _ := cmd.Flags().GetString("reason")

	rec, err := findJob(cfg, args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
	}
	adapter, err := newScheduler(cfg, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid scheduler configuration", err)
	}

	err = lifecycle.CancelUnit(ctx, rec, adapter, lifecycle.CancelOptions{
		SentinelPrefix: cfg.Convergence.SentinelPrefix,
		StatusFile:     cfg.Convergence.StatusFile,
		LockTimeout:    cfg.Convergence.LockTimeout,
		Reason:         reason,
	})
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cancel failed", err)
	}
	_, _ = fmt.Fprintf(os.Stdout, "cancelled=%d\n", rec.ID)
	return nil
}

func runJobsPriority(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := cfgOrLoad(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	prio, err := scheduler.ParsePriority(args[1])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid priority", err)
	}
	rec, err := findJob(cfg, args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
	}
	if !rec.State.Active() || rec.SchedulerHandle == "" {
		return exitError(foundry.ExitInvalidArgument, "Cannot change priority",
			fmt.Errorf("job %d is %s", rec.ID, rec.State))
	}
	adapter, err := newScheduler(cfg, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid scheduler configuration", err)
	}
	if err := adapter.SetPriority(ctx, scheduler.Handle(rec.SchedulerHandle), prio); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Priority change failed", err)
	}
	_, _ = fmt.Fprintf(os.Stdout, "job_id=%d priority=%s\n", rec.ID, prio)
	return nil
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
