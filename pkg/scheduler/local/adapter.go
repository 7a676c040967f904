// Package local runs subjobs as plain processes on the current host.
//
// It is the scheduler binding for single-node installations and tests. Each
// submission gets a uuid handle and a directory holding job.json plus one
// stdout/stderr pair per subjob. Held maps to SIGSTOP, release to SIGCONT and
// cancel to SIGTERM.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/OpenGATE/IDEAL-sub000/pkg/scheduler"
)

// niceness per priority; processes start at the parent's niceness.
var niceness = map[scheduler.Priority]int{
	scheduler.PriorityHigh:   0,
	scheduler.PriorityNormal: 5,
	scheduler.PriorityLow:    10,
}

// Adapter implements scheduler.Adapter with host processes.
type Adapter struct {
	store  *Store
	logger *zap.Logger
}

var _ scheduler.Adapter = (*Adapter)(nil)

func New(root string, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{store: NewStore(root), logger: logger}
}

func (a *Adapter) Store() *Store {
	return a.store
}

// Submit starts every subjob and returns after all of them started. If any
// subjob fails to start, the ones already running are killed and no record
// is kept.
func (a *Adapter) Submit(ctx context.Context, spec scheduler.SubmissionSpec) (scheduler.Handle, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	exe, err := exec.LookPath(spec.Executable)
	if err != nil {
		return "", &scheduler.CommandError{Command: spec.Executable, ExitCode: 127, Err: err}
	}

	handle := scheduler.Handle(uuid.New().String())
	if err := os.MkdirAll(a.store.Dir(handle), 0755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}

	rec := &Record{
		Handle:     string(handle),
		UnitID:     spec.UnitID,
		WorkDir:    spec.WorkDir,
		Priority:   spec.Priority,
		CreatedAt:  time.Now().UTC(),
		Executable: exe,
	}

	abort := func(cause error) (scheduler.Handle, error) {
		for _, sj := range rec.Subjobs {
			_ = unix.Kill(sj.PID, unix.SIGKILL)
		}
		_ = a.store.Remove(handle)
		return "", cause
	}

	for _, st := range spec.Streams {
		for i := 0; i < st.Subjobs; i++ {
			if err := ctx.Err(); err != nil {
				return abort(err)
			}
			sj, err := a.start(exe, spec, handle, st.Name, i)
			if err != nil {
				return abort(err)
			}
			rec.Subjobs = append(rec.Subjobs, sj)
			if n, ok := niceness[spec.Priority]; ok && n > 0 {
				_ = unix.Setpriority(unix.PRIO_PROCESS, sj.PID, n)
			}
		}
	}

	if err := a.store.Create(rec); err != nil {
		return abort(err)
	}
	a.logger.Info("Local submission started",
		zap.String("handle", string(handle)),
		zap.String("workdir", spec.WorkDir),
		zap.Int("subjobs", len(rec.Subjobs)))
	return handle, nil
}

func (a *Adapter) start(exe string, spec scheduler.SubmissionSpec, handle scheduler.Handle, stream string, index int) (Subjob, error) {
	sj := Subjob{Stream: stream, Index: index}
	sj.StdoutPath, sj.StderrPath = a.store.OutputPaths(handle, stream, index)
	stdoutFile, err := os.Create(sj.StdoutPath)
	if err != nil {
		return sj, fmt.Errorf("create stdout log: %w", err)
	}
	stderrFile, err := os.Create(sj.StderrPath)
	if err != nil {
		_ = stdoutFile.Close()
		return sj, fmt.Errorf("create stderr log: %w", err)
	}

	cmd := exec.Command(exe, scheduler.ExpandArgs(spec.Args, spec.WorkDir, stream, index)...)
	cmd.Dir = spec.WorkDir
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = append(os.Environ(),
		"IDEAL_WORKDIR="+spec.WorkDir,
		"IDEAL_STREAM="+stream,
		"IDEAL_SUBJOB="+strconv.Itoa(index),
	)

	if err := cmd.Start(); err != nil {
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
		return sj, &scheduler.CommandError{Command: exe, ExitCode: 126, Err: err}
	}
	sj.PID = cmd.Process.Pid

	// Reap the child so an exited subjob does not linger as a zombie that
	// still answers signal 0.
	go func() {
		_ = cmd.Wait()
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
	}()
	return sj, nil
}

// Query reports handles with at least one live subjob. The store stamps a
// submission ended once all its subjobs exited, after which it is absent.
func (a *Adapter) Query(ctx context.Context) (map[scheduler.Handle]scheduler.Status, error) {
	records, err := a.store.List()
	if err != nil {
		return nil, err
	}
	out := make(map[scheduler.Handle]scheduler.Status, len(records))
	for i := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if st := records[i].Status(); st != scheduler.StatusAbsent {
			out[scheduler.Handle(records[i].Handle)] = st
		}
	}
	return out, nil
}

// Hold suspends every live subjob of h.
func (a *Adapter) Hold(ctx context.Context, h scheduler.Handle) error {
	return a.store.Update(h, func(rec *Record) error {
		err := signalAll(rec, unix.SIGSTOP)
		rec.Held = true
		now := time.Now().UTC()
		rec.HeldAt = &now
		return err
	})
}

func (a *Adapter) Release(ctx context.Context, h scheduler.Handle) error {
	return a.store.Update(h, func(rec *Record) error {
		err := signalAll(rec, unix.SIGCONT)
		rec.Held = false
		rec.HeldAt = nil
		return err
	})
}

func (a *Adapter) Cancel(ctx context.Context, h scheduler.Handle) error {
	return a.store.Update(h, func(rec *Record) error {
		// A stopped process only acts on SIGTERM once continued.
		err := errors.Join(signalAll(rec, unix.SIGTERM), signalAll(rec, unix.SIGCONT))
		rec.Cancelled = true
		rec.Held = false
		return err
	})
}

func (a *Adapter) SetPriority(ctx context.Context, h scheduler.Handle, p scheduler.Priority) error {
	n, ok := niceness[p]
	if !ok {
		return fmt.Errorf("unsupported priority %s", p)
	}
	return a.store.Update(h, func(rec *Record) error {
		var errs []error
		for _, sj := range rec.Live() {
			if err := unix.Setpriority(unix.PRIO_PROCESS, sj.PID, n); err != nil {
				errs = append(errs, fmt.Errorf("renice pid %d: %w", sj.PID, err))
			}
		}
		rec.Priority = p
		return errors.Join(errs...)
	})
}

// Healthy checks that the record directory is usable.
func (a *Adapter) Healthy(ctx context.Context) error {
	if err := a.store.ensureRoot(); err != nil {
		return fmt.Errorf("local scheduler unavailable: %w", err)
	}
	return nil
}

func signalAll(rec *Record, sig unix.Signal) error {
	var errs []error
	for _, sj := range rec.Live() {
		if err := unix.Kill(sj.PID, sig); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("signal pid %d: %w", sj.PID, err))
		}
	}
	return errors.Join(errs...)
}
