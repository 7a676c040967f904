package convergence

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestAccumulatorIngest(t *testing.T) {
	a := NewAccumulator("beam1", 0)

	out, err := a.Ingest(PartialResult{Path: "p1", Field: []float64{2, 4}, Primaries: 2})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIngested, out)

	out, err = a.Ingest(PartialResult{Path: "p2", Field: []float64{3, 0}, Primaries: 3})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIngested, out)

	assert.Equal(t, []float64{5, 4}, a.Sum)
	// field²/weight per result: {4/2 + 9/3, 16/2 + 0/3}
	assert.InDeltaSlice(t, []float64{5, 8}, a.SumOfSquares, 1e-12)
	assert.Equal(t, int64(5), a.TotalWeight)
	assert.Equal(t, 2, a.Count)
	assert.Equal(t, int64(2), a.WeightMin)
	assert.Equal(t, int64(3), a.WeightMax)
	assert.Equal(t, 0, a.Failed)
}

// The squares are divided by each subjob's own weight before summing. This is
// the established estimator for unequal-weight batches and must not change.
func TestAccumulatorSquaresUseEachSubjobsWeight(t *testing.T) {
	a := NewAccumulator("s", 1)
	_, err := a.Ingest(PartialResult{Path: "a", Field: []float64{10}, Primaries: 4})
	require.NoError(t, err)
	_, err = a.Ingest(PartialResult{Path: "b", Field: []float64{30}, Primaries: 6})
	require.NoError(t, err)

	want := 10.0*10.0/4 + 30.0*30.0/6
	assert.Equal(t, want, a.SumOfSquares[0])
}

func TestAccumulatorRejectsFailedResults(t *testing.T) {
	tests := []struct {
		name string
		pr   PartialResult
	}{
		{name: "non-zero exit", pr: PartialResult{Path: "x", Field: []float64{1}, Primaries: 10, ExitStatus: intPtr(1)}},
		{name: "zero weight", pr: PartialResult{Path: "x", Field: []float64{1}, Primaries: 0}},
		{name: "negative weight", pr: PartialResult{Path: "x", Field: []float64{1}, Primaries: -3}},
		{name: "empty field", pr: PartialResult{Path: "x", Primaries: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAccumulator("s", 0)
			out, err := a.Ingest(tt.pr)
			require.Error(t, err)
			assert.Equal(t, OutcomeFailed, out)

			var de *DataError
			require.ErrorAs(t, err, &de)
			assert.False(t, IsFatal(err))
			assert.Equal(t, 1, a.Failed)
			assert.Equal(t, 0, a.Count)
			assert.Equal(t, int64(0), a.TotalWeight)
			assert.True(t, a.Consumed("x"))

			// A rejected path is not re-tallied.
			out, err = a.Ingest(tt.pr)
			require.NoError(t, err)
			assert.Equal(t, OutcomeDuplicate, out)
			assert.Equal(t, 1, a.Failed)
		})
	}
}

func TestAccumulatorZeroExitStatusIsAccepted(t *testing.T) {
	a := NewAccumulator("s", 0)
	out, err := a.Ingest(PartialResult{Path: "x", Field: []float64{1}, Primaries: 1, ExitStatus: intPtr(0)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIngested, out)
}

func TestAccumulatorRejectsSizeMismatch(t *testing.T) {
	a := NewAccumulator("s", 3)
	out, err := a.Ingest(PartialResult{Path: "x", Field: []float64{1, 2}, Primaries: 1})
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, out)
	assert.Equal(t, []float64{0, 0, 0}, a.Sum)
}

func TestAccumulatorIngestionIsIdempotent(t *testing.T) {
	results := make([]PartialResult, 0, 8)
	for i := 0; i < 8; i++ {
		results = append(results, PartialResult{
			Path:      fmt.Sprintf("beam1/subjob_%02d/dose.raw", i),
			Field:     []float64{float64(i + 1), float64(2*i + 1), 0.5},
			Primaries: int64(100 + i),
		})
	}

	once := NewAccumulator("beam1", 0)
	for _, pr := range results {
		_, err := once.Ingest(pr)
		require.NoError(t, err)
	}

	twice := NewAccumulator("beam1", 0)
	for pass := 0; pass < 2; pass++ {
		for _, pr := range results {
			_, err := twice.Ingest(pr)
			require.NoError(t, err)
		}
	}

	assert.Equal(t, once.Sum, twice.Sum)
	assert.Equal(t, once.SumOfSquares, twice.SumOfSquares)
	assert.Equal(t, once.TotalWeight, twice.TotalWeight)
	assert.Equal(t, once.Count, twice.Count)
}

func TestAccumulatorReject(t *testing.T) {
	a := NewAccumulator("s", 0)
	a.Reject("bad")
	a.Reject("bad")
	assert.Equal(t, 1, a.Failed)
	assert.Equal(t, "duplicate", OutcomeDuplicate.String())
}
