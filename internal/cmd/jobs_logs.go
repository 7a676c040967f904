package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
)

func runJobsLogs(cmd *cobra.Command, args []string) error {
	cfg, err := cfgOrLoad(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	tailN, _ := cmd.Flags().GetInt("tail")
	if tailN < 0 {
		tailN = 0
	}
	follow, _ := cmd.Flags().GetBool("follow")
	name, _ := cmd.Flags().GetString("file")
	name = strings.TrimSpace(name)
	if name == "" {
		name = cfg.Convergence.LogFile
	}
	if filepath.IsAbs(name) || strings.Contains(filepath.Clean(name), "..") {
		return exitError(foundry.ExitInvalidArgument, "Invalid --file value", fmt.Errorf("%q must be relative to the work directory", name))
	}

	rec, err := findJob(cfg, args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
	}
	path := filepath.Join(rec.WorkDir, name)
	if _, err := os.Stat(path); err != nil {
		if rec.ArchivePath != "" {
			err = fmt.Errorf("work directory archived to %s", rec.ArchivePath)
		}
		return exitError(foundry.ExitFileNotFound, "Log not available", err)
	}

	if follow {
		return followLog(cmd.Context(), os.Stdout, path)
	}
	return printLogTail(os.Stdout, path, tailN)
}

func printLogTail(w io.Writer, path string, tailN int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if tailN <= 0 {
		_, err := io.Copy(w, f)
		return err
	}

	lines, err := tailLines(f, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(w, line)
	}
	return nil
}

func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	buf := make([]string, 0, n)
	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}

// followLog copies path to w and keeps polling for appended data until ctx
// ends.
func followLog(ctx context.Context, w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := io.Copy(w, f); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
