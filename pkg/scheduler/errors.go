package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownHandle indicates the scheduler has no record of a handle.
var ErrUnknownHandle = errors.New("unknown scheduler handle")

// CommandError preserves the raw outcome of a failed scheduler command.
type CommandError struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out != "" {
		return fmt.Sprintf("%s failed (exit %d): %s", e.Command, e.ExitCode, out)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s failed (exit %d): %v", e.Command, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s failed (exit %d)", e.Command, e.ExitCode)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExitCode extracts the scheduler's raw exit code from err, or -1.
func ExitCode(err error) int {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.ExitCode
	}
	return -1
}
