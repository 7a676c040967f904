package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/OpenGATE/IDEAL-sub000/internal/config"
	"github.com/OpenGATE/IDEAL-sub000/pkg/registry"
	"github.com/OpenGATE/IDEAL-sub000/pkg/scheduler"
	"github.com/OpenGATE/IDEAL-sub000/pkg/scheduler/condor"
	"github.com/OpenGATE/IDEAL-sub000/pkg/scheduler/local"
	"github.com/OpenGATE/IDEAL-sub000/pkg/unitofwork"
)

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{name: "set all values", version: "1.0.0", commit: "abc123", buildDate: "2026-01-15"},
		{name: "set dev version", version: "dev", commit: "HEAD", buildDate: "unknown"},
		{name: "set empty values"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("boom")
	err := exitError(foundry.ExitFileNotFound, "Log not available", cause)

	var ee *ExitError
	require.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &ee))
	assert.Equal(t, foundry.ExitFileNotFound, ee.Code)
	assert.Equal(t, "Log not available: boom", err.Error())
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, "bare", exitError(1, "bare", nil).Error())
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"submit", "converge", "lifecycle", "jobs", "version"} {
		assert.True(t, names[want], "missing command %s", want)
	}

	sub := map[string]bool{}
	for _, c := range jobsCmd.Commands() {
		sub[c.Name()] = true
	}
	for _, want := range []string{"list", "status", "cancel", "priority", "logs"} {
		assert.True(t, sub[want], "missing jobs subcommand %s", want)
	}
}

func policyCmd() *cobra.Command {
	c := &cobra.Command{Use: "x"}
	c.Flags().Float64("max-wall-minutes", -1, "")
	c.Flags().Int64("min-primaries", -1, "")
	c.Flags().Float64("uncertainty-goal", -1, "")
	return c
}

func TestApplyPolicyOverrides(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		base    unitofwork.StoppingPolicy
		want    unitofwork.StoppingPolicy
		wantErr bool
	}{
		{
			name: "no flags keeps file policy",
			base: unitofwork.StoppingPolicy{MinPrimaries: 1000},
			want: unitofwork.StoppingPolicy{MinPrimaries: 1000},
		},
		{
			name: "uncertainty goal set",
			args: []string{"--uncertainty-goal", "2.5"},
			base: unitofwork.StoppingPolicy{MinPrimaries: 1000},
			want: unitofwork.StoppingPolicy{MinPrimaries: 1000, UncertaintyGoalPercent: 2.5},
		},
		{
			name: "wall time and primaries replaced",
			args: []string{"--max-wall-minutes", "30", "--min-primaries", "0"},
			base: unitofwork.StoppingPolicy{MinPrimaries: 1000, UncertaintyGoalPercent: 1},
			want: unitofwork.StoppingPolicy{MaxWallMinutes: 30, UncertaintyGoalPercent: 1},
		},
		{
			name:    "disabling every goal is rejected",
			args:    []string{"--min-primaries", "0"},
			base:    unitofwork.StoppingPolicy{MinPrimaries: 1000},
			wantErr: true,
		},
		{
			name:    "negative value is rejected",
			args:    []string{"--max-wall-minutes", "-5"},
			base:    unitofwork.StoppingPolicy{MinPrimaries: 1000},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := policyCmd()
			require.NoError(t, c.ParseFlags(tt.args))
			p := tt.base
			err := applyPolicyOverrides(c, &p)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p)
		})
	}
}

func writeUnit(t *testing.T, path, workdir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`workdir: %s
streams:
  - name: left
    subjobs: 2
policy:
  min_primaries: 1000
`, workdir)), 0644))
}

func TestLoadUnitForWorkdir(t *testing.T) {
	t.Run("default name in workdir", func(t *testing.T) {
		dir := t.TempDir()
		writeUnit(t, filepath.Join(dir, "unit.yml"), dir)

		u, err := loadUnitForWorkdir(dir, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"left"}, u.StreamNames())
	})

	t.Run("explicit path wins", func(t *testing.T) {
		dir := t.TempDir()
		other := filepath.Join(t.TempDir(), "custom.yaml")
		writeUnit(t, other, dir)

		u, err := loadUnitForWorkdir(dir, other)
		require.NoError(t, err)
		assert.Equal(t, other, u.SettingsPath)
	})

	t.Run("nothing found", func(t *testing.T) {
		_, err := loadUnitForWorkdir(t.TempDir(), "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unit.yaml")
	})
}

func TestTailLines(t *testing.T) {
	tests := []struct {
		name  string
		input string
		n     int
		want  []string
	}{
		{name: "fewer lines than n", input: "a\nb\n", n: 5, want: []string{"a", "b"}},
		{name: "last n lines", input: "a\nb\nc\nd\n", n: 2, want: []string{"c", "d"}},
		{name: "no trailing newline", input: "a\nb\nc", n: 1, want: []string{"c"}},
		{name: "zero", input: "a\n", n: 0, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tailLines(strings.NewReader(tt.input), tt.n)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrintLogTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0644))

	var buf bytes.Buffer
	require.NoError(t, printLogTail(&buf, path, 2))
	assert.Equal(t, "two\nthree\n", buf.String())

	buf.Reset()
	require.NoError(t, printLogTail(&buf, path, 0))
	assert.Equal(t, "one\ntwo\nthree\n", buf.String())
}

func TestFollowLogStopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	require.NoError(t, os.WriteFile(path, []byte("start\n"), 0644))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var buf bytes.Buffer
	require.NoError(t, followLog(ctx, &buf, path))
	assert.Equal(t, "start\n", buf.String())
}

func jobsConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Lifecycle.RegistryPath = filepath.Join(dir, "registry.yaml")
	cfg.Lifecycle.SubmissionLog = filepath.Join(dir, "submissions.jsonl")
	cfg.Convergence.LockTimeout = time.Second
	return cfg
}

func TestLoadJobsMergesPendingSubmissions(t *testing.T) {
	cfg := jobsConfig(t)

	log := submissionLog(cfg)
	first, err := log.Append(registry.Submission{WorkDir: "/w/1", SchedulerHandle: "1.0"})
	require.NoError(t, err)
	second, err := log.Append(registry.Submission{WorkDir: "/w/2", SchedulerHandle: "2.0"})
	require.NoError(t, err)

	reg := registry.New()
	rec := first.Record()
	rec.State = registry.StateRunning
	require.NoError(t, reg.Add(first.ID, rec))
	reg.LastID = first.ID
	require.NoError(t, registryStore(cfg).Save(reg))

	jobs, err := loadJobs(cfg)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	// Newest first.
	assert.Equal(t, second.ID, jobs[0].ID)
	assert.Equal(t, registry.StateSubmitted, jobs[0].State)
	assert.Equal(t, "pending import", jobs[0].Status)
	assert.Equal(t, registry.StateRunning, jobs[1].State)

	got, err := findJob(cfg, fmt.Sprint(second.ID))
	require.NoError(t, err)
	assert.Equal(t, "/w/2", got.WorkDir)

	_, err = findJob(cfg, "99")
	require.Error(t, err)
	_, err = findJob(cfg, "abc")
	require.Error(t, err)
}

func TestNewSchedulerBackends(t *testing.T) {
	cfg := &config.Config{}
	cfg.Scheduler.LocalRoot = t.TempDir()

	cfg.Scheduler.Backend = "local"
	a, err := newScheduler(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &local.Adapter{}, a)

	cfg.Scheduler.Backend = "condor"
	a, err = newScheduler(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &condor.Adapter{}, a)

	cfg.Scheduler.Backend = "slurm"
	_, err = newScheduler(cfg, zap.NewNop())
	require.Error(t, err)
}

func TestPlannerConfigPriority(t *testing.T) {
	cfg := &config.Config{}
	cfg.Planner.Priority = "high"
	cfg.Planner.DefaultSubjobs = 4

	pc, err := plannerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, scheduler.PriorityHigh, pc.Priority)
	assert.Equal(t, 4, pc.DefaultSubjobs)

	cfg.Planner.Priority = "urgent"
	_, err = plannerConfig(cfg)
	require.Error(t, err)
}

func TestDashAndTruncate(t *testing.T) {
	assert.Equal(t, "-", dash("  "))
	assert.Equal(t, "x", dash("x"))
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd...", truncate("abcdefghij", 7))
}
