package unitofwork

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadStatus_MissingIsNil(t *testing.T) {
	st, err := ReadStatus(filepath.Join(t.TempDir(), DefaultStatusFile), time.Second)
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestUpdateStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultStatusFile)

	require.NoError(t, UpdateStatus(path, time.Second, func(s *Status) {
		s.Streams["beam1"] = "stopped: primaries goal reached"
	}))
	require.NoError(t, UpdateStatus(path, time.Second, func(s *Status) {
		s.Phase = PhaseFinished
		s.Message = "all streams stopped"
	}))

	st, err := ReadStatus(path, time.Second)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, PhaseFinished, st.Phase)
	assert.Equal(t, "stopped: primaries goal reached", st.Streams["beam1"])
	assert.Equal(t, "finished: all streams stopped", st.Summary())
	assert.False(t, st.UpdatedAt.IsZero())
}

func TestUpdateStatus_ConcurrentWritersKeepEveryChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultStatusFile)

	const writers, updates = 4, 25
	var wg sync.WaitGroup
	errs := make(chan error, writers*updates)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < updates; i++ {
				key := fmt.Sprintf("w%d-%d", w, i)
				errs <- UpdateStatus(path, 10*time.Second, func(s *Status) {
					s.Streams[key] = "running"
				})
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	st, err := ReadStatus(path, time.Second)
	require.NoError(t, err)
	assert.Len(t, st.Streams, writers*updates)
}

func TestUpdateStatus_KeepsCancelledPhaseSetBetweenUpdates(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultStatusFile)

	require.NoError(t, UpdateStatus(path, time.Second, func(s *Status) { s.Streams["A"] = "running" }))
	require.NoError(t, UpdateStatus(path, time.Second, func(s *Status) { s.Phase = PhaseCancelled }))
	require.NoError(t, UpdateStatus(path, time.Second, func(s *Status) { s.Streams["B"] = "running" }))

	st, err := ReadStatus(path, time.Second)
	require.NoError(t, err)
	assert.Equal(t, PhaseCancelled, st.Phase)
	assert.Len(t, st.Streams, 2)
}

func TestStampStartedKeepsFirstValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultStatusFile)
	first := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	got, err := StampStarted(path, time.Second, first)
	require.NoError(t, err)
	assert.True(t, got.Equal(first))

	got, err = StampStarted(path, time.Second, first.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, got.Equal(first))

	st, err := ReadStatus(path, time.Second)
	require.NoError(t, err)
	assert.True(t, st.StartedAt.Equal(first))
	assert.Equal(t, PhaseRunning, st.Phase)
}

func TestPhaseSettled(t *testing.T) {
	assert.True(t, PhaseCancelled.Settled())
	assert.True(t, PhaseFailed.Settled())
	assert.False(t, PhaseRunning.Settled())
	assert.False(t, PhaseFinished.Settled())
}
