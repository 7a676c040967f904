// Package procscan finds and stops convergence daemon processes on the host.
package procscan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// DefaultMarker is the subcommand that identifies a convergence daemon.
const DefaultMarker = "converge"

// Daemon is one running convergence daemon.
type Daemon struct {
	PID     int32
	WorkDir string
	Cmdline []string
}

// Scanner lists and terminates daemons. The lifecycle daemon depends on this
// interface so tests can substitute a fixed process table.
type Scanner interface {
	Daemons(ctx context.Context) ([]Daemon, error)
	Terminate(ctx context.Context, pid int32) error
}

// ProcessScanner reads the host process table.
type ProcessScanner struct {
	// Marker must appear as a command-line argument; defaults to DefaultMarker.
	Marker string

	// Grace is how long Terminate waits after SIGTERM before SIGKILL.
	Grace time.Duration
}

var _ Scanner = ProcessScanner{}

// Daemons returns every process carrying the marker and a --workdir flag.
// Processes that vanish or cannot be inspected mid-scan are skipped.
func (s ProcessScanner) Daemons(ctx context.Context) ([]Daemon, error) {
	marker := s.Marker
	if marker == "" {
		marker = DefaultMarker
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	self := int32(os.Getpid())

	var out []Daemon
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || len(args) == 0 {
			continue
		}
		if d, ok := Match(args, marker); ok {
			d.PID = p.Pid
			out = append(out, d)
		}
	}
	return out, nil
}

// Match reports whether a command line belongs to a convergence daemon and
// extracts its work directory.
func Match(args []string, marker string) (Daemon, bool) {
	var found bool
	var workdir string
	for i := 1; i < len(args); i++ {
		a := args[i]
		switch {
		case a == marker:
			found = true
		case a == "--workdir" && i+1 < len(args):
			workdir = args[i+1]
			i++
		case strings.HasPrefix(a, "--workdir="):
			workdir = strings.TrimPrefix(a, "--workdir=")
		}
	}
	if !found || workdir == "" {
		return Daemon{}, false
	}
	return Daemon{WorkDir: filepath.Clean(workdir), Cmdline: args}, true
}

// Terminate sends SIGTERM and escalates to SIGKILL after the grace period.
func (s ProcessScanner) Terminate(ctx context.Context, pid int32) error {
	grace := s.Grace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := p.TerminateWithContext(ctx); err != nil {
		return fmt.Errorf("terminate %d: %w", pid, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		alive, err := process.PidExistsWithContext(ctx, pid)
		if err == nil && !alive {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	if err := p.KillWithContext(ctx); err != nil {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}
