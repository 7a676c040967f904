package planner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/OpenGATE/IDEAL-sub000/pkg/registry"
	"github.com/OpenGATE/IDEAL-sub000/pkg/scheduler"
	"github.com/OpenGATE/IDEAL-sub000/pkg/unitofwork"
)

// DaemonLauncher starts the convergence daemon of a submitted unit.
type DaemonLauncher interface {
	Launch(unit *unitofwork.UnitOfWork) (pid int, err error)
}

// Result describes an accepted submission.
type Result struct {
	ID        int64
	Handle    scheduler.Handle
	DaemonPID int
}

// Planner submits units and registers them.
type Planner struct {
	adapter  scheduler.Adapter
	log      *registry.SubmissionLog
	launcher DaemonLauncher
	logger   *zap.Logger

	statusFile  string
	lockTimeout time.Duration
	now         func() time.Time
}

// New builds a planner. launcher may be nil to skip starting daemons.
func New(adapter scheduler.Adapter, log *registry.SubmissionLog, launcher DaemonLauncher, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		adapter:    adapter,
		log:        log,
		launcher:   launcher,
		logger:     logger,
		statusFile: unitofwork.DefaultStatusFile,
		now:        time.Now,
	}
}

// WithStatusFile sets the status document name and lock timeout used to
// record when an accepted unit started.
func (p *Planner) WithStatusFile(name string, lockTimeout time.Duration) *Planner {
	if name != "" {
		p.statusFile = name
	}
	p.lockTimeout = lockTimeout
	return p
}

// Submit queues spec at the scheduler and, only once it was accepted,
// appends the unit to the submission log. A scheduler failure is returned
// unchanged and nothing is registered. If registration fails the accepted
// handle is cancelled so no unit runs unregistered.
func (p *Planner) Submit(ctx context.Context, unit *unitofwork.UnitOfWork, spec scheduler.SubmissionSpec) (*Result, error) {
	if unit == nil {
		return nil, errors.New("unit of work is nil")
	}

	handle, err := p.adapter.Submit(ctx, spec)
	if err != nil {
		p.logger.Error("Scheduler rejected submission",
			zap.String("workdir", spec.WorkDir),
			zap.Int("exit_code", scheduler.ExitCode(err)),
			zap.Error(err))
		return nil, err
	}

	// The wall time limit of the unit counts from here.
	started := unit.CreatedAt
	if started.IsZero() {
		started = p.now()
	}
	if _, err := unitofwork.StampStarted(filepath.Join(spec.WorkDir, p.statusFile), p.lockTimeout, started); err != nil {
		p.logger.Warn("Failed to record start time", zap.String("workdir", spec.WorkDir), zap.Error(err))
	}

	sub, err := p.log.Append(registry.Submission{
		UnitID:          unit.ID,
		Owner:           unit.Owner,
		WorkDir:         spec.WorkDir,
		SettingsPath:    unit.SettingsPath,
		SchedulerHandle: string(handle),
		Streams:         unit.StreamNames(),
	})
	if err != nil {
		cancelErr := p.adapter.Cancel(ctx, handle)
		p.logger.Error("Registration failed; cancelled scheduler handle",
			zap.String("handle", string(handle)),
			zap.Error(err),
			zap.NamedError("cancel_error", cancelErr))
		return nil, fmt.Errorf("register submission: %w", errors.Join(err, cancelErr))
	}

	res := &Result{ID: sub.ID, Handle: handle}
	p.logger.Info("Unit submitted",
		zap.Int64("id", sub.ID),
		zap.String("handle", string(handle)),
		zap.String("workdir", spec.WorkDir),
		zap.Int("subjobs", spec.TotalSubjobs()),
		zap.String("priority", spec.Priority.String()))

	if p.launcher != nil {
		pid, err := p.launcher.Launch(unit)
		if err != nil {
			// The lifecycle daemon reports the missing daemon on its next cycle.
			p.logger.Warn("Failed to start convergence daemon", zap.Int64("id", sub.ID), zap.Error(err))
		} else {
			res.DaemonPID = pid
		}
	}
	return res, nil
}
