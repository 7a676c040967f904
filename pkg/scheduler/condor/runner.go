package condor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/OpenGATE/IDEAL-sub000/pkg/scheduler"
)

// Runner executes one scheduler command and returns its combined output.
// Failures are reported as *scheduler.CommandError.
type Runner interface {
	Run(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error)
}

// ExecRunner runs the HTCondor command-line tools found on PATH.
type ExecRunner struct {
	// BinDir optionally prefixes every command name.
	BinDir string
}

func (r ExecRunner) Run(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
	path := name
	if r.BinDir != "" {
		path = strings.TrimRight(r.BinDir, "/") + "/" + name
	}
	cmd := exec.CommandContext(ctx, path, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		code := -1
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code = ee.ExitCode()
		}
		return out, &scheduler.CommandError{Command: name, ExitCode: code, Output: string(out), Err: err}
	}
	return out, nil
}
