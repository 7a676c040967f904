package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/OpenGATE/IDEAL-sub000/internal/observability"
	"github.com/OpenGATE/IDEAL-sub000/internal/server"
	"github.com/OpenGATE/IDEAL-sub000/internal/server/handlers"
	"github.com/OpenGATE/IDEAL-sub000/pkg/lifecycle"
)

var lifecycleCmd = &cobra.Command{
	Use:   "lifecycle",
	Short: "Run the lifecycle daemon",
	Long: `Run the daemon that keeps the job registry in step with the scheduler.

Every cycle it imports new submissions, refreshes the state of every active
unit, checks that each unit's convergence daemon is alive, kills orphaned
daemons, and archives the work directories of finished units. Every
lifecycle.full_refresh_every cycles it also rescans the submission log,
kills daemons that belong to no unit and compresses old logs.

Runs until interrupted (SIGINT/SIGTERM).

Examples:
  ideal lifecycle
  ideal lifecycle --registry /shared/ideal/registry.yaml --serve`,
	RunE: runLifecycle,
}

func init() {
	rootCmd.AddCommand(lifecycleCmd)
	lifecycleCmd.Flags().String("registry", "", "Registry document (overrides lifecycle.registry_path)")
	lifecycleCmd.Flags().Bool("serve", false, "Expose health, registry and metrics over HTTP")
	lifecycleCmd.Flags().Bool("once", false, "Run a single cycle and exit")
}

func runLifecycle(cmd *cobra.Command, _ []string) error {
	cfg, err := cfgOrLoad(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if path, _ := cmd.Flags().GetString("registry"); path != "" {
		cfg.Lifecycle.RegistryPath = path
	}
	once, _ := cmd.Flags().GetBool("once")
	serve, _ := cmd.Flags().GetBool("serve")
	serve = serve || cfg.Server.Enabled

	logger, closeLog, err := observability.NewDaemonLogger(cfg.Lifecycle.LogFile, cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open lifecycle log", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter, err := newScheduler(cfg, logger.Named("scheduler"))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid scheduler configuration", err)
	}
	arch, err := newArchiver(ctx, cfg, logger.Named("archive"))
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot configure archive storage", err)
	}

	daemon, err := lifecycle.New(lifecycleConfig(cfg, logger.Named("lifecycle")), lifecycle.Deps{
		Registry:    registryStore(cfg),
		Submissions: submissionLog(cfg),
		Scheduler:   adapter,
		Processes:   processScanner(cfg),
		Archiver:    arch,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid lifecycle configuration", err)
	}

	if once {
		rep, err := daemon.Cycle(ctx)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Lifecycle cycle failed", err)
		}
		logger.Info("Lifecycle cycle complete",
			zap.Int("imported", rep.Imported),
			zap.Int("transitions", rep.Transitions),
			zap.Int("archived", rep.Archived),
			zap.Int("killed", rep.Killed),
			zap.Int("record_errors", rep.RecordErrors))
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return daemon.Run(gctx) })
	if serve {
		health := handlers.InitHealthManager(versionInfo.Version)
		health.RegisterChecker("scheduler", daemon)
		srv := server.New(server.Config{
			Host:            cfg.Server.Host,
			Port:            cfg.Server.Port,
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			Version:         versionInfo.Version,
			Logger:          logger.Named("server"),
		}, daemon, health)
		g.Go(func() error { return srv.Run(gctx) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.Info("Lifecycle daemon stopped")
		return nil
	}
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Lifecycle daemon failed", err)
	}
	return nil
}
