package planner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenGATE/IDEAL-sub000/pkg/registry"
	"github.com/OpenGATE/IDEAL-sub000/pkg/scheduler"
	"github.com/OpenGATE/IDEAL-sub000/pkg/scheduler/schedulertest"
	"github.com/OpenGATE/IDEAL-sub000/pkg/unitofwork"
)

func testUnit(t *testing.T) *unitofwork.UnitOfWork {
	t.Helper()
	dir := t.TempDir()
	return &unitofwork.UnitOfWork{
		ID:           "u-1",
		Owner:        "alice",
		WorkDir:      dir,
		SettingsPath: filepath.Join(dir, "unit.yaml"),
		Streams: []unitofwork.Stream{
			{Name: "beam1", Subjobs: 8, ProblemSize: 2000},
			{Name: "beam2", ProblemSize: 100000},
			{Name: "beam3", ProblemSize: 0},
		},
		Policy: unitofwork.StoppingPolicy{MinPrimaries: 1000},
	}
}

func TestMemoryFor(t *testing.T) {
	m := MemoryConfig{MinMB: 1000, MaxMB: 16000, FitSlopeMB: 0.5, FitInterceptMB: 1500}
	assert.Equal(t, 2500, MemoryFor(2000, m))
	assert.Equal(t, 16000, MemoryFor(100000, m))
	assert.Equal(t, 1500, MemoryFor(0, m))

	m.FitInterceptMB = 200
	assert.Equal(t, 1000, MemoryFor(0, m), "clamped to min")

	m.DefaultMB = 3000
	assert.Equal(t, 3000, MemoryFor(100000, m), "fixed default wins over the fit")
	m.DefaultMB = 50000
	assert.Equal(t, 16000, MemoryFor(1, m), "fixed default is still clamped")
}

func TestPlan(t *testing.T) {
	u := testUnit(t)
	cfg := Config{
		DefaultSubjobs: 20,
		Memory:         MemoryConfig{MinMB: 1000, MaxMB: 16000, FitSlopeMB: 0.5, FitInterceptMB: 1500},
		Priority:       scheduler.PriorityNormal,
		Executable:     "/opt/ideal/subjob",
		Args:           []string{"{stream}"},
	}

	spec, err := Plan(u, cfg, Hints{})
	require.NoError(t, err)
	assert.Equal(t, u.WorkDir, spec.WorkDir)
	assert.Equal(t, scheduler.PriorityNormal, spec.Priority)
	require.Len(t, spec.Streams, 3)
	assert.Equal(t, scheduler.StreamSpec{Name: "beam1", Subjobs: 8, MemoryMB: 2500}, spec.Streams[0])
	assert.Equal(t, scheduler.StreamSpec{Name: "beam2", Subjobs: 20, MemoryMB: 16000}, spec.Streams[1])
	assert.Equal(t, 1500, spec.Streams[2].MemoryMB)

	high := scheduler.PriorityHigh
	spec, err = Plan(u, cfg, Hints{Subjobs: 4, MemoryMB: 1234, Priority: &high})
	require.NoError(t, err)
	assert.Equal(t, scheduler.PriorityHigh, spec.Priority)
	for _, s := range spec.Streams {
		assert.Equal(t, 4, s.Subjobs)
		assert.Equal(t, 1234, s.MemoryMB)
	}
}

func TestPlanFallsBackToBuiltinDefaultSubjobs(t *testing.T) {
	u := testUnit(t)
	spec, err := Plan(u, Config{Executable: "x"}, Hints{})
	require.NoError(t, err)
	assert.Equal(t, DefaultSubjobs, spec.Streams[1].Subjobs)
}

func TestPlanRejectsInvalidUnit(t *testing.T) {
	u := testUnit(t)
	u.Policy = unitofwork.StoppingPolicy{}
	_, err := Plan(u, Config{Executable: "x"}, Hints{})
	require.ErrorIs(t, err, unitofwork.ErrNoThreshold)
}

type recordingLauncher struct {
	launched []*unitofwork.UnitOfWork
	err      error
}

func (l *recordingLauncher) Launch(u *unitofwork.UnitOfWork) (int, error) {
	l.launched = append(l.launched, u)
	return 4242, l.err
}

func TestSubmit_FailureRegistersNothing(t *testing.T) {
	u := testUnit(t)
	fake := schedulertest.New()
	fake.SubmitErr = &scheduler.CommandError{Command: "condor_submit", ExitCode: 2, Output: "no schedd"}
	log := registry.NewSubmissionLog(filepath.Join(t.TempDir(), "submissions.jsonl"), time.Second)
	launcher := &recordingLauncher{}

	spec, err := Plan(u, Config{Executable: "x"}, Hints{})
	require.NoError(t, err)

	_, err = New(fake, log, launcher, nil).Submit(context.Background(), u, spec)
	require.Error(t, err)
	assert.Equal(t, 2, scheduler.ExitCode(err), "raw scheduler exit code is preserved")

	subs, err := log.Since(0)
	require.NoError(t, err)
	assert.Empty(t, subs)
	assert.Empty(t, launcher.launched)
	assert.NoFileExists(t, filepath.Join(u.WorkDir, unitofwork.DefaultStatusFile))
}

func TestSubmit_SuccessRegistersExactlyOne(t *testing.T) {
	u := testUnit(t)
	fake := schedulertest.New()
	log := registry.NewSubmissionLog(filepath.Join(t.TempDir(), "submissions.jsonl"), time.Second)
	launcher := &recordingLauncher{}

	spec, err := Plan(u, Config{Executable: "x"}, Hints{})
	require.NoError(t, err)

	res, err := New(fake, log, launcher, nil).Submit(context.Background(), u, spec)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ID)
	assert.Equal(t, 4242, res.DaemonPID)
	require.Len(t, launcher.launched, 1)

	subs, err := log.Since(0)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, string(res.Handle), subs[0].SchedulerHandle)
	assert.Equal(t, []string{"beam1", "beam2", "beam3"}, subs[0].Streams)

	rec := subs[0].Record()
	assert.Equal(t, registry.StateSubmitted, rec.State)
	assert.Equal(t, u.SettingsPath, rec.SettingsPath)

	st, err := unitofwork.ReadStatus(filepath.Join(u.WorkDir, unitofwork.DefaultStatusFile), time.Second)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.False(t, st.StartedAt.IsZero(), "start time recorded on acceptance")
}

func TestSubmit_KeepsStartTimeAcrossResubmission(t *testing.T) {
	u := testUnit(t)
	u.CreatedAt = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	log := registry.NewSubmissionLog(filepath.Join(t.TempDir(), "submissions.jsonl"), time.Second)

	spec, err := Plan(u, Config{Executable: "x"}, Hints{})
	require.NoError(t, err)
	p := New(schedulertest.New(), log, nil, nil).WithStatusFile("state.yaml", time.Second)
	_, err = p.Submit(context.Background(), u, spec)
	require.NoError(t, err)

	u.CreatedAt = time.Time{}
	_, err = p.Submit(context.Background(), u, spec)
	require.NoError(t, err)

	st, err := unitofwork.ReadStatus(filepath.Join(u.WorkDir, "state.yaml"), time.Second)
	require.NoError(t, err)
	assert.True(t, st.StartedAt.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)))
}

func TestSubmit_DaemonLaunchFailureStillRegisters(t *testing.T) {
	u := testUnit(t)
	log := registry.NewSubmissionLog(filepath.Join(t.TempDir(), "submissions.jsonl"), time.Second)
	launcher := &recordingLauncher{err: errors.New("exec failed")}

	spec, err := Plan(u, Config{Executable: "x"}, Hints{})
	require.NoError(t, err)
	res, err := New(schedulertest.New(), log, launcher, nil).Submit(context.Background(), u, spec)
	require.NoError(t, err)
	assert.Zero(t, res.DaemonPID)
}

func TestSubmit_RegistrationFailureCancelsHandle(t *testing.T) {
	u := testUnit(t)
	fake := schedulertest.New()

	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	log := registry.NewSubmissionLog(filepath.Join(blocker, "submissions.jsonl"), time.Second)

	spec, err := Plan(u, Config{Executable: "x"}, Hints{})
	require.NoError(t, err)
	_, err = New(fake, log, nil, nil).Submit(context.Background(), u, spec)
	require.Error(t, err)
	require.Len(t, fake.Cancelled, 1)
}

func TestLauncherStartsDaemonWithLog(t *testing.T) {
	u := testUnit(t)
	l := Launcher{Executable: "sh", Subcommand: "-c", ExtraArgs: nil}
	// The child exits at once; only the start and the log file matter here.
	pid, err := l.Launch(u)
	require.NoError(t, err)
	assert.Greater(t, pid, 0)
	assert.FileExists(t, filepath.Join(u.WorkDir, DefaultDaemonLog))
}

func TestPlanClampsMemoryOverride(t *testing.T) {
	u := testUnit(t)
	cfg := Config{Executable: "x", Memory: MemoryConfig{MinMB: 1000, MaxMB: 16000}}

	tests := []struct {
		name string
		hint int
		want int
	}{
		{name: "within range", hint: 1234, want: 1234},
		{name: "above max", hint: 50000, want: 16000},
		{name: "below min", hint: 10, want: 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := Plan(u, cfg, Hints{MemoryMB: tt.hint})
			require.NoError(t, err)
			for _, s := range spec.Streams {
				assert.Equal(t, tt.want, s.MemoryMB, "stream %s", s.Name)
			}
		})
	}
}

func TestPlanRejectsInvertedMemoryRange(t *testing.T) {
	u := testUnit(t)
	m := MemoryConfig{MinMB: 20000, MaxMB: 16000}
	require.Error(t, m.Validate())

	_, err := Plan(u, Config{Executable: "x", Memory: m}, Hints{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_mb")

	// Only the minimum set, above the built-in maximum.
	require.Error(t, MemoryConfig{MinMB: DefaultMaxMemoryMB + 1}.Validate())
	require.NoError(t, MemoryConfig{}.Validate())
}
