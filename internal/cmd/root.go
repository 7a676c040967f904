// Package cmd implements the ideal command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/OpenGATE/IDEAL-sub000/internal/config"
	"github.com/OpenGATE/IDEAL-sub000/internal/observability"
)

type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

var versionInfo = VersionInfo{Version: "dev", Commit: "none", BuildDate: "unknown"}

// SetVersionInfo is called from main with linker-provided values.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile string
	verbose bool
	appCfg  *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ideal",
	Short: "Cluster job orchestration with statistical convergence",
	Long: `ideal submits Monte Carlo dose units to a batch scheduler, stops each
stream once its statistical uncertainty, primary count or wall time goal is
met, and tracks every unit through its lifecycle until it is archived.

Commands:
  submit     plan and queue a unit of work
  converge   run the convergence daemon of one unit
  lifecycle  run the lifecycle daemon that maintains the job registry
  jobs       inspect and cancel registered units`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		observability.InitCLILogger("ideal", verbose)
		config.SetConfigFile(cfgFile)
		cfg, err := config.Load(cmd.Context())
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
		}
		appCfg = cfg
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
}

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	observability.CLILogger.Error("Command failed", zap.Error(err))
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)

	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// cfgOrLoad returns the loaded configuration; commands invoked outside
// rootCmd (tests) load it on demand.
func cfgOrLoad(ctx context.Context) (*config.Config, error) {
	if appCfg != nil {
		return appCfg, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	appCfg = cfg
	return cfg, nil
}
