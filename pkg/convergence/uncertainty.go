package convergence

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Defaults for the high-signal region selection.
const (
	DefaultTopN              = 100
	DefaultThresholdFraction = 0.5
)

// UncertaintyOptions selects where the uncertainty is evaluated.
type UncertaintyOptions struct {
	// TopN is how many of the highest cell means define the reference level.
	TopN int

	// ThresholdFraction of the reference level a cell mean must exceed.
	ThresholdFraction float64

	// Mask optionally restricts the region; nil means every cell.
	Mask []bool
}

func (o UncertaintyOptions) withDefaults() UncertaintyOptions {
	if o.TopN <= 0 {
		o.TopN = DefaultTopN
	}
	if o.ThresholdFraction <= 0 {
		o.ThresholdFraction = DefaultThresholdFraction
	}
	return o
}

// EstimateUncertainty returns the mean relative standard error (percent) of
// the accumulated stream over its high-signal cells.
//
// Per cell: mean = sum/W, variance = max(0, sumSq/W - mean²) and
// relSE = 100*sqrt(variance/n)/mean, or 100 where mean <= 0. The scalar is
// the average relSE over cells whose mean exceeds ThresholdFraction times the
// average of the TopN largest means, after the optional mask is applied.
func EstimateUncertainty(a *Accumulator, opts UncertaintyOptions) (float64, error) {
	if a == nil || a.Count < 2 || a.TotalWeight <= 0 || a.Size() == 0 {
		return 0, ErrUndefined
	}
	opts = opts.withDefaults()
	if opts.Mask != nil && len(opts.Mask) != a.Size() {
		return 0, &ConfigError{Err: errMaskSize(len(opts.Mask), a.Size())}
	}

	w := float64(a.TotalWeight)
	n := float64(a.Count)

	means := make([]float64, 0, a.Size())
	relErr := make([]float64, 0, a.Size())
	for i := range a.Sum {
		if opts.Mask != nil && !opts.Mask[i] {
			continue
		}
		mean := a.Sum[i] / w
		variance := math.Max(0, a.SumOfSquares[i]/w-mean*mean)
		rel := 100.0
		if mean > 0 {
			rel = 100 * math.Sqrt(variance/n) / mean
		}
		means = append(means, mean)
		relErr = append(relErr, rel)
	}
	if len(means) == 0 {
		return 0, ErrUndefined
	}

	sorted := append([]float64(nil), means...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	top := sorted
	if len(top) > opts.TopN {
		top = top[:opts.TopN]
	}
	threshold := opts.ThresholdFraction * stat.Mean(top, nil)

	selected := make([]float64, 0, len(relErr))
	for i, m := range means {
		if m > threshold {
			selected = append(selected, relErr[i])
		}
	}
	if len(selected) == 0 {
		return 0, ErrUndefined
	}
	return stat.Mean(selected, nil), nil
}

func errMaskSize(mask, field int) error {
	return fmt.Errorf("mask has %d cells, field has %d", mask, field)
}
