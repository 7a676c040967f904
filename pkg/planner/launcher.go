package planner

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/OpenGATE/IDEAL-sub000/pkg/unitofwork"
)

// DefaultDaemonLog is the convergence daemon's log inside a work directory.
const DefaultDaemonLog = "job_control_daemon.log"

// Launcher spawns `<exe> converge` for a unit as a detached child process
// whose stdout and stderr append to the unit's daemon log.
type Launcher struct {
	// Executable defaults to the running binary.
	Executable string

	// Subcommand is the marker the lifecycle daemon looks for in process
	// command lines.
	Subcommand string

	LogName   string
	ExtraArgs []string
}

func (l Launcher) Launch(unit *unitofwork.UnitOfWork) (int, error) {
	if unit == nil {
		return 0, fmt.Errorf("unit of work is nil")
	}
	exe := strings.TrimSpace(l.Executable)
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return 0, fmt.Errorf("resolve executable: %w", err)
		}
	}
	sub := l.Subcommand
	if sub == "" {
		sub = "converge"
	}
	logName := l.LogName
	if logName == "" {
		logName = DefaultDaemonLog
	}

	workdir, err := filepath.Abs(strings.TrimSpace(unit.WorkDir))
	if err != nil {
		return 0, fmt.Errorf("resolve workdir: %w", err)
	}
	if _, err := os.Stat(workdir); err != nil {
		return 0, fmt.Errorf("workdir not found: %s", workdir)
	}

	logFile, err := os.OpenFile(filepath.Join(workdir, logName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("open daemon log: %w", err)
	}

	args := []string{sub, "--workdir", workdir}
	if unit.SettingsPath != "" {
		args = append(args, "--unit", unit.SettingsPath)
	}
	args = append(args, l.ExtraArgs...)

	cmd := exec.Command(exe, args...)
	cmd.Dir = workdir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()
	// Own session: the daemon outlives the submitting shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return 0, fmt.Errorf("start convergence daemon: %w", err)
	}
	pid := cmd.Process.Pid

	go func() {
		_ = cmd.Wait()
		_ = logFile.Close()
	}()
	return pid, nil
}
