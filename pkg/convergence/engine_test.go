package convergence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenGATE/IDEAL-sub000/pkg/lockedstore"
	"github.com/OpenGATE/IDEAL-sub000/pkg/unitofwork"
)

func writeSubjob(t *testing.T, workdir, stream string, idx int, field []float64, primaries int64, exit *int) string {
	t.Helper()
	dir := filepath.Join(workdir, stream, fmt.Sprintf("subjob_%02d", idx))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	fieldPath := filepath.Join(dir, "dose.raw")
	require.NoError(t, lockedstore.WriteField(fieldPath, field, time.Second))
	require.NoError(t, WriteMetadata(filepath.Join(dir, DefaultMetadataName), Metadata{Primaries: primaries, ExitStatus: exit}, time.Second))
	return fieldPath
}

func newUnit(t *testing.T, policy unitofwork.StoppingPolicy, streams ...string) *unitofwork.UnitOfWork {
	t.Helper()
	u := &unitofwork.UnitOfWork{
		WorkDir:   t.TempDir(),
		CreatedAt: time.Now(),
		Policy:    policy,
	}
	for _, s := range streams {
		u.Streams = append(u.Streams, unitofwork.Stream{Name: s, Subjobs: 10})
	}
	return u
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(t *testing.T) Config
	}{
		{name: "nil unit", cfg: func(t *testing.T) Config { return Config{} }},
		{name: "no streams", cfg: func(t *testing.T) Config {
			return Config{Unit: newUnit(t, unitofwork.StoppingPolicy{MinPrimaries: 1})}
		}},
		{name: "all thresholds disabled", cfg: func(t *testing.T) Config {
			return Config{Unit: newUnit(t, unitofwork.StoppingPolicy{}, "a")}
		}},
		{name: "missing workdir", cfg: func(t *testing.T) Config {
			u := newUnit(t, unitofwork.StoppingPolicy{MinPrimaries: 1}, "a")
			u.WorkDir = filepath.Join(u.WorkDir, "gone")
			return Config{Unit: u}
		}},
		{name: "mask size mismatch", cfg: func(t *testing.T) Config {
			return Config{
				Unit:        newUnit(t, unitofwork.StoppingPolicy{MinPrimaries: 1}, "a"),
				FieldSize:   4,
				Uncertainty: UncertaintyOptions{Mask: []bool{true}},
			}
		}},
		{name: "unreadable mask file", cfg: func(t *testing.T) Config {
			u := newUnit(t, unitofwork.StoppingPolicy{MinPrimaries: 1}, "a")
			u.Mask = "missing.raw"
			return Config{Unit: u}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg(t))
			require.Error(t, err)
			assert.True(t, IsFatal(err), "expected ConfigError, got %v", err)
		})
	}
}

func TestNewLoadsMaskFromWorkdir(t *testing.T) {
	u := newUnit(t, unitofwork.StoppingPolicy{UncertaintyGoalPercent: 1}, "a")
	require.NoError(t, lockedstore.WriteField(filepath.Join(u.WorkDir, "mask.raw"), []float64{0, 1, 2}, time.Second))
	u.Mask = "mask.raw"

	e, err := New(Config{Unit: u})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, true}, e.cfg.Uncertainty.Mask)
}

func TestEngineStopsOnlyTheStreamThatReachedItsGoal(t *testing.T) {
	u := newUnit(t, unitofwork.StoppingPolicy{MinPrimaries: 1000}, "A", "B", "C", "D")
	for i := 0; i < 10; i++ {
		writeSubjob(t, u.WorkDir, "A", i, []float64{1, 2, 3}, 105, nil)
		writeSubjob(t, u.WorkDir, "B", i, []float64{1, 2, 3}, 50, nil)
		writeSubjob(t, u.WorkDir, "C", i, []float64{1, 2, 3}, 90, nil)
		writeSubjob(t, u.WorkDir, "D", i, []float64{1, 2, 3}, 99, nil)
	}

	e, err := New(Config{Unit: u, LockTimeout: 200 * time.Millisecond})
	require.NoError(t, err)

	done, err := e.Cycle(context.Background())
	require.NoError(t, err)
	assert.False(t, done)

	assert.Equal(t, int64(1050), e.Accumulator("A").TotalWeight)
	assert.Equal(t, 10, e.Accumulator("A").Count)

	d, ok := e.LastDecision("A")
	require.True(t, ok)
	assert.True(t, d.Stop)
	assert.Equal(t, RulePrimariesReached, d.Rule)
	assert.FileExists(t, SentinelPath(u.WorkDir, "", "A"))

	for _, s := range []string{"B", "C", "D"} {
		d, ok := e.LastDecision(s)
		require.True(t, ok)
		assert.False(t, d.Stop, "stream %s", s)
		assert.Equal(t, RulePrimariesPending, d.Rule)
		assert.NoFileExists(t, SentinelPath(u.WorkDir, "", s))
	}
	assert.Equal(t, []string{"B", "C", "D"}, e.Active())

	st, err := unitofwork.ReadStatus(filepath.Join(u.WorkDir, unitofwork.DefaultStatusFile), time.Second)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Contains(t, st.Streams["A"], "stopped")
	assert.Contains(t, st.Streams["B"], "running")
	assert.NotEqual(t, unitofwork.PhaseFinished, st.Phase)
}

func TestEngineRescanDoesNotDoubleCount(t *testing.T) {
	u := newUnit(t, unitofwork.StoppingPolicy{MinPrimaries: 1 << 30}, "A")
	for i := 0; i < 3; i++ {
		writeSubjob(t, u.WorkDir, "A", i, []float64{2, 2}, 10, nil)
	}
	e, err := New(Config{Unit: u})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := e.Cycle(context.Background())
		require.NoError(t, err)
	}
	acc := e.Accumulator("A")
	assert.Equal(t, int64(30), acc.TotalWeight)
	assert.Equal(t, []float64{6, 6}, acc.Sum)

	writeSubjob(t, u.WorkDir, "A", 3, []float64{2, 2}, 10, nil)
	_, err = e.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(40), acc.TotalWeight)
	assert.Equal(t, 4, acc.Count)
}

func TestEngineTalliesFailedAndDefersIncomplete(t *testing.T) {
	u := newUnit(t, unitofwork.StoppingPolicy{MinPrimaries: 1 << 30}, "A")
	writeSubjob(t, u.WorkDir, "A", 0, []float64{1}, 10, nil)
	writeSubjob(t, u.WorkDir, "A", 1, []float64{1}, 10, intPtr(137))

	// Field written, metadata not yet: still running.
	pending := filepath.Join(u.WorkDir, "A", "subjob_02")
	require.NoError(t, os.MkdirAll(pending, 0o755))
	require.NoError(t, lockedstore.WriteField(filepath.Join(pending, "dose.raw"), []float64{1}, time.Second))

	e, err := New(Config{Unit: u})
	require.NoError(t, err)
	_, err = e.Cycle(context.Background())
	require.NoError(t, err)

	acc := e.Accumulator("A")
	assert.Equal(t, 1, acc.Count)
	assert.Equal(t, 1, acc.Failed)
	assert.False(t, acc.Consumed("A/subjob_02/dose.raw"))

	require.NoError(t, WriteMetadata(filepath.Join(pending, DefaultMetadataName), Metadata{Primaries: 10}, time.Second))
	_, err = e.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, acc.Count)
	assert.Equal(t, 1, acc.Failed)
}

func TestEngineLockedResultIsDeferredWithinTimeout(t *testing.T) {
	u := newUnit(t, unitofwork.StoppingPolicy{MinPrimaries: 1 << 30}, "A")
	writeSubjob(t, u.WorkDir, "A", 0, []float64{1, 1}, 10, nil)
	locked := writeSubjob(t, u.WorkDir, "A", 1, []float64{1, 1}, 10, nil)

	const timeout = 150 * time.Millisecond
	e, err := New(Config{Unit: u, LockTimeout: timeout})
	require.NoError(t, err)

	lk, err := lockedstore.Acquire(locked, lockedstore.Exclusive, time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = e.Cycle(context.Background())
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Less(t, elapsed, timeout+time.Second)

	acc := e.Accumulator("A")
	assert.Equal(t, 1, acc.Count)
	assert.Equal(t, 0, acc.Failed)
	assert.False(t, acc.Consumed("A/subjob_01/dose.raw"))

	require.NoError(t, lk.Release())
	_, err = e.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, acc.Count)
	assert.Equal(t, int64(20), acc.TotalWeight)
}

func TestEngineRestartHonoursExistingSentinel(t *testing.T) {
	u := newUnit(t, unitofwork.StoppingPolicy{MinPrimaries: 100}, "A", "B")
	require.NoError(t, WriteSentinel(SentinelPath(u.WorkDir, "", "A")))

	e, err := New(Config{Unit: u})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, e.Active())

	writeSubjob(t, u.WorkDir, "A", 0, []float64{1}, 500, nil)
	_, err = e.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, e.Accumulator("A").Count)
}

func TestEngineTimeoutStopsEveryStream(t *testing.T) {
	u := newUnit(t, unitofwork.StoppingPolicy{MaxWallMinutes: 10, MinPrimaries: 1000}, "A", "B")
	created := u.CreatedAt
	e, err := New(Config{Unit: u, Now: func() time.Time { return created.Add(11 * time.Minute) }})
	require.NoError(t, err)

	done, err := e.Cycle(context.Background())
	require.NoError(t, err)
	assert.True(t, done)

	for _, s := range []string{"A", "B"} {
		d, _ := e.LastDecision(s)
		assert.Equal(t, RuleTimeout, d.Rule)
		assert.FileExists(t, SentinelPath(u.WorkDir, "", s))
	}

	st, err := unitofwork.ReadStatus(filepath.Join(u.WorkDir, unitofwork.DefaultStatusFile), time.Second)
	require.NoError(t, err)
	assert.Equal(t, unitofwork.PhaseFinished, st.Phase)
}

func TestRunExitsWhenAllStreamsStop(t *testing.T) {
	u := newUnit(t, unitofwork.StoppingPolicy{MinPrimaries: 20}, "A")
	writeSubjob(t, u.WorkDir, "A", 0, []float64{1}, 10, nil)

	e, err := New(Config{Unit: u, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	writeSubjob(t, u.WorkDir, "A", 1, []float64{1}, 10, nil)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the goal was reached")
	}
	assert.FileExists(t, SentinelPath(u.WorkDir, "", "A"))
}

func TestRunReturnsOnCancel(t *testing.T) {
	u := newUnit(t, unitofwork.StoppingPolicy{MinPrimaries: 1 << 30}, "A")
	e, err := New(Config{Unit: u, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = e.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunFailsOnFatalError(t *testing.T) {
	u := newUnit(t, unitofwork.StoppingPolicy{MinPrimaries: 1 << 30}, "A")
	writeSubjob(t, u.WorkDir, "A", 0, []float64{1, 2}, 10, nil)
	writeSubjob(t, u.WorkDir, "A", 1, []float64{1, 2}, 10, nil)

	// Mask size is only checked against results once they arrive.
	e, err := New(Config{Unit: u, PollInterval: 10 * time.Millisecond, Uncertainty: UncertaintyOptions{Mask: []bool{true}}})
	require.NoError(t, err)

	err = e.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	st, err := unitofwork.ReadStatus(filepath.Join(u.WorkDir, unitofwork.DefaultStatusFile), time.Second)
	require.NoError(t, err)
	assert.Equal(t, unitofwork.PhaseFailed, st.Phase)
}

func cancelLikeOperator(t *testing.T, workdir string, streams ...string) {
	t.Helper()
	require.NoError(t, unitofwork.UpdateStatus(filepath.Join(workdir, unitofwork.DefaultStatusFile), time.Second, func(s *unitofwork.Status) {
		s.Phase = unitofwork.PhaseCancelled
		s.Message = "cancelled by operator"
	}))
	for _, s := range streams {
		require.NoError(t, WriteSentinel(SentinelPath(workdir, "", s)))
	}
}

func TestEngineStopsStreamsCancelledWhileRunning(t *testing.T) {
	u := newUnit(t, unitofwork.StoppingPolicy{MinPrimaries: 40}, "A", "B")
	e, err := New(Config{Unit: u})
	require.NoError(t, err)

	done, err := e.Cycle(context.Background())
	require.NoError(t, err)
	require.False(t, done)

	cancelLikeOperator(t, u.WorkDir, "A")
	writeSubjob(t, u.WorkDir, "A", 0, []float64{1}, 50, nil)
	writeSubjob(t, u.WorkDir, "B", 0, []float64{1}, 50, nil)

	done, err = e.Cycle(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 0, e.Accumulator("A").Count, "cancelled stream must not be ingested")
	assert.Equal(t, 1, e.Accumulator("B").Count)

	st, err := unitofwork.ReadStatus(filepath.Join(u.WorkDir, unitofwork.DefaultStatusFile), time.Second)
	require.NoError(t, err)
	assert.Equal(t, unitofwork.PhaseCancelled, st.Phase)
	assert.Equal(t, "stopped: sentinel written externally", st.Streams["A"])
}

func TestEngineAllStreamsCancelledKeepsCancelledPhase(t *testing.T) {
	u := newUnit(t, unitofwork.StoppingPolicy{MinPrimaries: 40}, "A", "B")
	e, err := New(Config{Unit: u})
	require.NoError(t, err)

	cancelLikeOperator(t, u.WorkDir, "A", "B")
	writeSubjob(t, u.WorkDir, "A", 0, []float64{1}, 50, nil)

	done, err := e.Cycle(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
	assert.Empty(t, e.Active())
	assert.Equal(t, 0, e.Accumulator("A").Count)

	st, err := unitofwork.ReadStatus(filepath.Join(u.WorkDir, unitofwork.DefaultStatusFile), time.Second)
	require.NoError(t, err)
	assert.Equal(t, unitofwork.PhaseCancelled, st.Phase)
}

func TestRunKeepsCancelledPhaseOnRestart(t *testing.T) {
	u := newUnit(t, unitofwork.StoppingPolicy{MinPrimaries: 40}, "A")
	cancelLikeOperator(t, u.WorkDir, "A")

	e, err := New(Config{Unit: u, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background()))

	st, err := unitofwork.ReadStatus(filepath.Join(u.WorkDir, unitofwork.DefaultStatusFile), time.Second)
	require.NoError(t, err)
	assert.Equal(t, unitofwork.PhaseCancelled, st.Phase)
}

func TestEngineStartTimeSurvivesRestart(t *testing.T) {
	u := newUnit(t, unitofwork.StoppingPolicy{MaxWallMinutes: 10}, "A")
	u.CreatedAt = time.Time{}

	first, err := New(Config{Unit: u})
	require.NoError(t, err)
	require.False(t, first.started.IsZero())

	// Later entries in the work directory move its change time.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, WriteSentinel(SentinelPath(u.WorkDir, "", "other")))
	require.NoError(t, unitofwork.UpdateStatus(filepath.Join(u.WorkDir, unitofwork.DefaultStatusFile), time.Second, func(s *unitofwork.Status) {
		s.Message = "touched"
	}))

	second, err := New(Config{Unit: u})
	require.NoError(t, err)
	assert.True(t, first.started.Equal(second.started), "start moved from %v to %v", first.started, second.started)
}

func TestEngineStartTimeFromStatusDocument(t *testing.T) {
	u := newUnit(t, unitofwork.StoppingPolicy{MaxWallMinutes: 10}, "A")
	u.CreatedAt = time.Time{}
	submitted := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	_, err := unitofwork.StampStarted(filepath.Join(u.WorkDir, unitofwork.DefaultStatusFile), time.Second, submitted)
	require.NoError(t, err)

	e, err := New(Config{Unit: u, Now: func() time.Time { return submitted.Add(11 * time.Minute) }})
	require.NoError(t, err)
	assert.True(t, e.started.Equal(submitted))

	done, err := e.Cycle(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
	d, _ := e.LastDecision("A")
	assert.Equal(t, RuleTimeout, d.Rule)
}
