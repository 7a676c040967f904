package cmd

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/OpenGATE/IDEAL-sub000/internal/config"
	"github.com/OpenGATE/IDEAL-sub000/pkg/archive"
	"github.com/OpenGATE/IDEAL-sub000/pkg/convergence"
	"github.com/OpenGATE/IDEAL-sub000/pkg/lifecycle"
	"github.com/OpenGATE/IDEAL-sub000/pkg/planner"
	"github.com/OpenGATE/IDEAL-sub000/pkg/procscan"
	"github.com/OpenGATE/IDEAL-sub000/pkg/registry"
	"github.com/OpenGATE/IDEAL-sub000/pkg/scheduler"
	"github.com/OpenGATE/IDEAL-sub000/pkg/scheduler/condor"
	"github.com/OpenGATE/IDEAL-sub000/pkg/scheduler/local"
	"github.com/OpenGATE/IDEAL-sub000/pkg/unitofwork"
)

// newScheduler builds the configured backend.
func newScheduler(cfg *config.Config, logger *zap.Logger) (scheduler.Adapter, error) {
	switch cfg.Scheduler.Backend {
	case "condor":
		return condor.New(condor.Config{
			Runner:       condor.ExecRunner{BinDir: cfg.Scheduler.CondorBinDir},
			QueryRate:    cfg.Scheduler.QueryRate,
			QueryRetries: cfg.Scheduler.QueryRetries,
			LogDir:       cfg.Scheduler.CondorLogDir,
			Logger:       logger,
		}), nil
	case "local", "":
		return local.New(cfg.Scheduler.LocalRoot, logger), nil
	}
	return nil, fmt.Errorf("unknown scheduler backend %q", cfg.Scheduler.Backend)
}

func newArchiver(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*archive.Archiver, error) {
	a := &archive.Archiver{
		CompletedDir: cfg.Archive.CompletedDir,
		FailedDir:    cfg.Archive.FailedDir,
		Logger:       logger,
	}
	if strings.TrimSpace(cfg.Archive.S3.Bucket) != "" {
		sink, err := archive.NewS3Sink(ctx, archive.S3Config{
			Bucket:         cfg.Archive.S3.Bucket,
			Prefix:         cfg.Archive.S3.Prefix,
			Region:         cfg.Archive.S3.Region,
			Endpoint:       cfg.Archive.S3.Endpoint,
			Profile:        cfg.Archive.S3.Profile,
			ForcePathStyle: cfg.Archive.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		a.Remote = sink
	}
	return a, nil
}

func registryStore(cfg *config.Config) *registry.Store {
	return registry.NewStore(cfg.Lifecycle.RegistryPath, cfg.Convergence.LockTimeout)
}

func submissionLog(cfg *config.Config) *registry.SubmissionLog {
	return registry.NewSubmissionLog(cfg.Lifecycle.SubmissionLog, cfg.Convergence.LockTimeout)
}

func engineConfig(cfg *config.Config, unit *unitofwork.UnitOfWork, logger *zap.Logger) convergence.Config {
	c := cfg.Convergence
	return convergence.Config{
		Unit:            unit,
		PollInterval:    c.PollInterval,
		LockTimeout:     c.LockTimeout,
		PartialGlob:     c.PartialGlob,
		MetadataName:    c.MetadataName,
		StatusFile:      c.StatusFile,
		SentinelPrefix:  c.SentinelPrefix,
		ParallelStreams: c.ParallelStreams,
		Uncertainty: convergence.UncertaintyOptions{
			TopN:              c.TopN,
			ThresholdFraction: c.ThresholdFraction,
		},
		Logger: logger,
	}
}

func lifecycleConfig(cfg *config.Config, logger *zap.Logger) lifecycle.Config {
	l := cfg.Lifecycle
	return lifecycle.Config{
		PollInterval:     l.PollInterval,
		HistoricAge:      l.HistoricAge,
		CheckingGrace:    l.CheckingGrace,
		HeldGrace:        l.HeldGrace,
		FullRefreshEvery: l.FullRefreshEvery,
		LockTimeout:      cfg.Convergence.LockTimeout,
		StatusFile:       cfg.Convergence.StatusFile,
		SentinelPrefix:   cfg.Convergence.SentinelPrefix,
		LogDir:           l.LogDir,
		LogGlob:          l.LogGlob,
		Logger:           logger,
	}
}

func processScanner(cfg *config.Config) procscan.ProcessScanner {
	return procscan.ProcessScanner{Marker: cfg.Lifecycle.DaemonMarker, Grace: cfg.Lifecycle.KillGrace}
}

func plannerConfig(cfg *config.Config) (planner.Config, error) {
	prio, err := scheduler.ParsePriority(cfg.Planner.Priority)
	if err != nil {
		return planner.Config{}, err
	}
	m := cfg.Planner.Memory
	return planner.Config{
		DefaultSubjobs: cfg.Planner.DefaultSubjobs,
		Memory: planner.MemoryConfig{
			MinMB:          m.MinMB,
			MaxMB:          m.MaxMB,
			DefaultMB:      m.DefaultMB,
			FitSlopeMB:     m.FitSlopeMB,
			FitInterceptMB: m.FitInterceptMB,
		},
		Priority:   prio,
		Executable: cfg.Planner.Executable,
		Args:       cfg.Planner.Args,
	}, nil
}
