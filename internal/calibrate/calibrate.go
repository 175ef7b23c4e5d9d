// Package calibrate removes instrumental closure signatures by comparing a
// target's observables with those of a point-source calibrator.
package calibrate

import (
	"errors"
	"fmt"
	"math"

	"amifit/internal/observables"
)

var ErrGeometryMismatch = observables.ErrGeometryMismatch

// Calibrated holds target-minus-calibrator phases and target/calibrator
// amplitude ratios.
type Calibrated struct {
	MaskKey string `json:"mask_key"`

	ClosurePhases     observables.Series `json:"closure_phases"`
	ClosureAmplitudes observables.Series `json:"closure_amplitudes"`
	FringePhases      observables.Series `json:"fringe_phases"`
	FringeAmplitudes  observables.Series `json:"fringe_amplitudes"`
}

// Calibrate subtracts calibrator phases from target phases (wrapped) and
// divides target amplitudes by calibrator amplitudes, adding the relative
// errors in quadrature.
func Calibrate(target, calibrator *observables.Summary) (*Calibrated, error) {
	if target == nil || calibrator == nil {
		return nil, errors.New("calibrate: nil summary")
	}
	if target.MaskKey != calibrator.MaskKey {
		return nil, fmt.Errorf("%w: target %s, calibrator %s", ErrGeometryMismatch, target.MaskKey, calibrator.MaskKey)
	}
	pairs := []struct {
		name string
		t, c observables.Series
	}{
		{"closure phases", target.ClosurePhases, calibrator.ClosurePhases},
		{"closure amplitudes", target.ClosureAmplitudes, calibrator.ClosureAmplitudes},
		{"fringe phases", target.FringePhases, calibrator.FringePhases},
		{"fringe amplitudes", target.FringeAmplitudes, calibrator.FringeAmplitudes},
	}
	for _, p := range pairs {
		if p.t.Len() != p.c.Len() {
			return nil, fmt.Errorf("%w: %s length %d vs %d", ErrGeometryMismatch, p.name, p.t.Len(), p.c.Len())
		}
	}
	return &Calibrated{
		MaskKey:           target.MaskKey,
		ClosurePhases:     phaseDiff(target.ClosurePhases, calibrator.ClosurePhases),
		ClosureAmplitudes: ampRatio(target.ClosureAmplitudes, calibrator.ClosureAmplitudes),
		FringePhases:      phaseDiff(target.FringePhases, calibrator.FringePhases),
		FringeAmplitudes:  ampRatio(target.FringeAmplitudes, calibrator.FringeAmplitudes),
	}, nil
}

// CalibrateSets aggregates the target sets and the pooled calibrator sets,
// then calibrates.
func CalibrateSets(target, calibrator []*observables.ClosureSet) (*Calibrated, error) {
	ts, err := observables.Aggregate(target)
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	cs, err := observables.Aggregate(calibrator)
	if err != nil {
		return nil, fmt.Errorf("calibrator: %w", err)
	}
	return Calibrate(ts, cs)
}

func phaseDiff(t, c observables.Series) observables.Series {
	out := newSeries(t.Len())
	for i := range out.Mean {
		out.Mean[i] = observables.Wrap(t.Mean[i] - c.Mean[i])
		out.Err[i] = math.Hypot(t.Err[i], c.Err[i])
		out.N[i] = min(t.N[i], c.N[i])
	}
	return out
}

func ampRatio(t, c observables.Series) observables.Series {
	out := newSeries(t.Len())
	for i := range out.Mean {
		if c.Mean[i] == 0 || t.Mean[i] == 0 {
			out.Mean[i], out.Err[i] = math.NaN(), math.NaN()
			if c.Mean[i] != 0 {
				out.Mean[i] = 0
			}
			out.N[i] = min(t.N[i], c.N[i])
			continue
		}
		r := t.Mean[i] / c.Mean[i]
		out.Mean[i] = r
		out.Err[i] = math.Abs(r) * math.Hypot(t.Err[i]/t.Mean[i], c.Err[i]/c.Mean[i])
		out.N[i] = min(t.N[i], c.N[i])
	}
	return out
}

func newSeries(n int) observables.Series {
	return observables.Series{
		Mean: make([]float64, n),
		Err:  make([]float64, n),
		N:    make([]int, n),
	}
}
