package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/OpenGATE/IDEAL-sub000/pkg/convergence"
	"github.com/OpenGATE/IDEAL-sub000/pkg/registry"
	"github.com/OpenGATE/IDEAL-sub000/pkg/scheduler"
	"github.com/OpenGATE/IDEAL-sub000/pkg/unitofwork"
)

// CancelOptions tunes CancelUnit. Zero values take the daemon defaults.
type CancelOptions struct {
	SentinelPrefix string
	StatusFile     string
	LockTimeout    time.Duration
	Reason         string
}

// CancelUnit stops a unit on operator request. The unit status is set to
// cancelled, every stream gets its stop sentinel and the scheduler handle is
// cancelled. The registry itself is left to the lifecycle daemon, which
// turns the cancelled phase into KILLED_BY_DAEMON on its next cycle.
func CancelUnit(ctx context.Context, rec registry.JobRecord, adapter scheduler.Adapter, opts CancelOptions) error {
	if !rec.State.Active() {
		return fmt.Errorf("job %d is %s: only active jobs can be cancelled", rec.ID, rec.State)
	}
	if opts.StatusFile == "" {
		opts.StatusFile = unitofwork.DefaultStatusFile
	}
	if opts.Reason == "" {
		opts.Reason = "cancelled by operator"
	}

	streams := rec.Streams
	if len(streams) == 0 && rec.SettingsPath != "" {
		unit, err := unitofwork.Load(rec.SettingsPath)
		if err != nil {
			return fmt.Errorf("resolve streams of job %d: %w", rec.ID, err)
		}
		streams = unit.StreamNames()
	}

	// Phase before sentinels: a convergence daemon that sees a sentinel
	// finds the unit already cancelled.
	var errs []error
	err := unitofwork.UpdateStatus(filepath.Join(rec.WorkDir, opts.StatusFile), opts.LockTimeout, func(st *unitofwork.Status) {
		st.Phase = unitofwork.PhaseCancelled
		st.Message = opts.Reason
		for _, name := range streams {
			st.Streams[name] = string(unitofwork.PhaseCancelled)
		}
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("update status: %w", err))
	}
	for _, name := range streams {
		if err := convergence.WriteSentinel(convergence.SentinelPath(rec.WorkDir, opts.SentinelPrefix, name)); err != nil {
			errs = append(errs, fmt.Errorf("stream %s: %w", name, err))
		}
	}

	if rec.SchedulerHandle != "" {
		err := adapter.Cancel(ctx, scheduler.Handle(rec.SchedulerHandle))
		if err != nil && !errors.Is(err, scheduler.ErrUnknownHandle) {
			errs = append(errs, fmt.Errorf("cancel %s: %w", rec.SchedulerHandle, err))
		}
	}

	return errors.Join(errs...)
}
