package observables

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Series is a per-element mean with its uncertainty.
type Series struct {
	Mean Floats `json:"mean"`
	Err  Floats `json:"err"`
	N    []int  `json:"n"`
}

// Len is the number of elements.
func (s Series) Len() int { return len(s.Mean) }

// Summary is the aggregate of several closure sets from one geometry.
type Summary struct {
	MaskKey string `json:"mask_key"`
	NHoles  int    `json:"n_holes"`
	NSets   int    `json:"n_sets"`

	ClosurePhases     Series `json:"closure_phases"`
	ClosureAmplitudes Series `json:"closure_amplitudes"`
	FringePhases      Series `json:"fringe_phases"`
	FringeAmplitudes  Series `json:"fringe_amplitudes"`
}

// Aggregate averages sets element by element over the finite values. Phases
// are averaged on the circle and their deviations wrapped about that mean.
// The error is the standard error of the mean when two or more values
// contribute. With a single value, closure quantities fall back to the
// square root of that set's redundant variance; fringe quantities get NaN.
func Aggregate(sets []*ClosureSet) (*Summary, error) {
	if len(sets) == 0 {
		return nil, errors.New("aggregate: no closure sets")
	}
	first := sets[0]
	for i, s := range sets {
		if s == nil {
			return nil, fmt.Errorf("aggregate: set %d is nil", i)
		}
		if s.MaskKey != first.MaskKey ||
			len(s.Phases) != len(first.Phases) ||
			len(s.Amplitudes) != len(first.Amplitudes) ||
			len(s.FringePhases) != len(first.FringePhases) ||
			len(s.FringeAmps) != len(first.FringeAmps) {
			return nil, fmt.Errorf("%w: set %d is %s, set 0 is %s", ErrGeometryMismatch, i, s.MaskKey, first.MaskKey)
		}
	}

	return &Summary{
		MaskKey: first.MaskKey,
		NHoles:  first.NHoles,
		NSets:   len(sets),
		ClosurePhases: aggregate(sets,
			func(s *ClosureSet) []float64 { return s.Phases },
			func(s *ClosureSet) float64 { return s.PhaseVar }, true),
		ClosureAmplitudes: aggregate(sets,
			func(s *ClosureSet) []float64 { return s.Amplitudes },
			func(s *ClosureSet) float64 { return s.AmpVar }, false),
		FringePhases: aggregate(sets,
			func(s *ClosureSet) []float64 { return s.FringePhases }, nil, true),
		FringeAmplitudes: aggregate(sets,
			func(s *ClosureSet) []float64 { return s.FringeAmps }, nil, false),
	}, nil
}

func aggregate(sets []*ClosureSet, values func(*ClosureSet) []float64, variance func(*ClosureSet) float64, phase bool) Series {
	n := len(values(sets[0]))
	out := Series{
		Mean: make([]float64, n),
		Err:  make([]float64, n),
		N:    make([]int, n),
	}
	col := make([]float64, 0, len(sets))
	for e := 0; e < n; e++ {
		col = col[:0]
		var only *ClosureSet
		for _, s := range sets {
			v := values(s)[e]
			if isFinite(v) {
				col = append(col, v)
				only = s
			}
		}
		out.N[e] = len(col)
		switch len(col) {
		case 0:
			out.Mean[e], out.Err[e] = math.NaN(), math.NaN()
		case 1:
			out.Mean[e] = col[0]
			out.Err[e] = math.NaN()
			if variance != nil {
				out.Err[e] = math.Sqrt(variance(only))
			}
		default:
			mean, std := stat.MeanStdDev(col, nil)
			if phase {
				mean, std = circularMeanStdDev(col)
			}
			out.Mean[e] = mean
			out.Err[e] = std / math.Sqrt(float64(len(col)))
		}
	}
	return out
}

// circularMeanStdDev returns the circular mean of angles in (-pi, pi] and
// the sample standard deviation of each angle's wrapped offset from it.
func circularMeanStdDev(angles []float64) (float64, float64) {
	mean := Wrap(stat.CircularMean(angles, nil))
	var ss float64
	for _, a := range angles {
		d := Wrap(a - mean)
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(angles)-1))
}
