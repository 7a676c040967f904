package convergence

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// PartialResult is one subjob's contribution to a stream.
type PartialResult struct {
	// Path identifies the physical output; each subjob writes a unique path.
	Path string

	// Field is the subjob's total (not per-primary) numeric field.
	Field []float64

	// Primaries is the number of simulated primaries (the weight).
	Primaries int64

	// ExitStatus is the subjob's reported exit status; nil if not reported.
	ExitStatus *int
}

// Outcome classifies what Ingest did with a result.
type Outcome int

const (
	OutcomeIngested Outcome = iota
	OutcomeFailed
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIngested:
		return "ingested"
	case OutcomeFailed:
		return "failed"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Accumulator holds the running totals of one stream. It is owned by a
// single engine and never shared across streams.
type Accumulator struct {
	Stream string

	Sum          []float64
	SumOfSquares []float64
	TotalWeight  int64
	Count        int
	WeightMin    int64
	WeightMax    int64
	Failed       int

	consumed map[string]struct{}
}

// NewAccumulator returns an empty accumulator. size may be zero, in which
// case the first ingested field fixes it.
func NewAccumulator(stream string, size int) *Accumulator {
	a := &Accumulator{
		Stream:   stream,
		consumed: make(map[string]struct{}),
	}
	if size > 0 {
		a.Sum = make([]float64, size)
		a.SumOfSquares = make([]float64, size)
	}
	return a
}

// Consumed reports whether path has already been ingested or rejected.
func (a *Accumulator) Consumed(path string) bool {
	_, ok := a.consumed[path]
	return ok
}

// Size is the field length, zero before the first result.
func (a *Accumulator) Size() int {
	return len(a.Sum)
}

// Ingest adds one partial result.
//
// A result with a non-zero exit status, a zero weight or a negative weight is
// recorded as failed and excluded. A path already consumed is a no-op. Squares
// are divided by the subjob's own weight before summing; the field is a total
// over that subjob's primaries, not a per-primary average.
func (a *Accumulator) Ingest(pr PartialResult) (Outcome, error) {
	if a.Consumed(pr.Path) {
		return OutcomeDuplicate, nil
	}

	if pr.ExitStatus != nil && *pr.ExitStatus != 0 {
		a.reject(pr.Path)
		return OutcomeFailed, &DataError{Path: pr.Path, Err: fmt.Errorf("%w: exit status %d", ErrFailedSubjob, *pr.ExitStatus)}
	}
	if pr.Primaries <= 0 {
		a.reject(pr.Path)
		return OutcomeFailed, &DataError{Path: pr.Path, Err: fmt.Errorf("%w: primaries=%d", ErrFailedSubjob, pr.Primaries)}
	}
	if len(pr.Field) == 0 {
		a.reject(pr.Path)
		return OutcomeFailed, &DataError{Path: pr.Path, Err: fmt.Errorf("empty field")}
	}
	if a.Size() == 0 {
		a.Sum = make([]float64, len(pr.Field))
		a.SumOfSquares = make([]float64, len(pr.Field))
	}
	if len(pr.Field) != a.Size() {
		a.reject(pr.Path)
		return OutcomeFailed, &DataError{Path: pr.Path, Err: fmt.Errorf("field has %d cells, stream expects %d", len(pr.Field), a.Size())}
	}

	w := float64(pr.Primaries)
	floats.Add(a.Sum, pr.Field)
	for i, v := range pr.Field {
		a.SumOfSquares[i] += v * v / w
	}

	if a.Count == 0 || pr.Primaries < a.WeightMin {
		a.WeightMin = pr.Primaries
	}
	if pr.Primaries > a.WeightMax {
		a.WeightMax = pr.Primaries
	}
	a.TotalWeight += pr.Primaries
	a.Count++
	a.consumed[pr.Path] = struct{}{}
	return OutcomeIngested, nil
}

// Reject records path as a failed result without touching the totals.
func (a *Accumulator) Reject(path string) {
	if a.Consumed(path) {
		return
	}
	a.reject(path)
}

func (a *Accumulator) reject(path string) {
	a.Failed++
	a.consumed[path] = struct{}{}
}
