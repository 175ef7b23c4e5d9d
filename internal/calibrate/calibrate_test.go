package calibrate

import (
	"errors"
	"math"
	"testing"

	"amifit/internal/fringe"
	"amifit/internal/mask"
	"amifit/internal/observables"

	"github.com/stretchr/testify/require"
)

func series(mean, err []float64) observables.Series {
	n := make([]int, len(mean))
	for i := range n {
		n[i] = 4
	}
	return observables.Series{Mean: mean, Err: err, N: n}
}

func summary(key string, cp, cpErr, ca, caErr []float64) *observables.Summary {
	return &observables.Summary{
		MaskKey:           key,
		NHoles:            4,
		NSets:             4,
		ClosurePhases:     series(cp, cpErr),
		ClosureAmplitudes: series(ca, caErr),
		FringePhases:      series([]float64{0.1}, []float64{0.01}),
		FringeAmplitudes:  series([]float64{0.5}, []float64{0.05}),
	}
}

func TestCalibrateIdenticalInputs(t *testing.T) {
	s := summary("k", []float64{0.3, -0.2}, []float64{0.01, 0.02}, []float64{1.2}, []float64{0.1})
	c, err := Calibrate(s, s)
	require.NoError(t, err)
	require.Equal(t, "k", c.MaskKey)
	for i := range c.ClosurePhases.Mean {
		require.InDelta(t, 0, c.ClosurePhases.Mean[i], 1e-15)
	}
	require.InDelta(t, math.Hypot(0.01, 0.01), c.ClosurePhases.Err[0], 1e-15)
	require.InDelta(t, 1, c.ClosureAmplitudes.Mean[0], 1e-15)
	require.InDelta(t, math.Hypot(0.1/1.2, 0.1/1.2), c.ClosureAmplitudes.Err[0], 1e-15)
	require.InDelta(t, 1, c.FringeAmplitudes.Mean[0], 1e-15)
	require.Equal(t, []int{4, 4}, c.ClosurePhases.N)
}

func TestCalibrateWrapsPhaseDifference(t *testing.T) {
	tgt := summary("k", []float64{3}, []float64{0}, []float64{2}, []float64{0.2})
	cal := summary("k", []float64{-3}, []float64{0}, []float64{4}, []float64{0.2})
	c, err := Calibrate(tgt, cal)
	require.NoError(t, err)
	require.InDelta(t, 6-2*math.Pi, c.ClosurePhases.Mean[0], 1e-12)
	require.InDelta(t, 0.5, c.ClosureAmplitudes.Mean[0], 1e-15)
	require.InDelta(t, 0.5*math.Hypot(0.1, 0.05), c.ClosureAmplitudes.Err[0], 1e-15)
}

func TestCalibrateZeroAmplitudes(t *testing.T) {
	tgt := summary("k", []float64{0}, []float64{0}, []float64{0, 1}, []float64{0.1, 0.1})
	cal := summary("k", []float64{0}, []float64{0}, []float64{2, 0}, []float64{0.1, 0.1})
	c, err := Calibrate(tgt, cal)
	require.NoError(t, err)
	require.Equal(t, 0.0, c.ClosureAmplitudes.Mean[0])
	require.True(t, math.IsNaN(c.ClosureAmplitudes.Err[0]))
	require.True(t, math.IsNaN(c.ClosureAmplitudes.Mean[1]))
}

func TestCalibrateRejectsMismatch(t *testing.T) {
	a := summary("a", []float64{0}, []float64{0}, []float64{1}, []float64{0})
	b := summary("b", []float64{0}, []float64{0}, []float64{1}, []float64{0})
	if _, err := Calibrate(a, b); !errors.Is(err, ErrGeometryMismatch) {
		t.Fatalf("expected ErrGeometryMismatch, got %v", err)
	}
	short := summary("a", []float64{0, 1}, []float64{0, 0}, []float64{1}, []float64{0})
	if _, err := Calibrate(a, short); !errors.Is(err, ErrGeometryMismatch) {
		t.Fatalf("expected ErrGeometryMismatch for length mismatch, got %v", err)
	}
	if _, err := Calibrate(nil, a); err == nil {
		t.Fatalf("expected error for nil summary")
	}
}

// reduced builds a closure set from flat fringe phases on a hole subset.
func reduced(t *testing.T, holes ...string) *observables.ClosureSet {
	t.Helper()
	g, err := mask.Build("jwst_g7s6c", holes...)
	require.NoError(t, err)
	phases := make([]float64, g.NBaselines())
	amps := make([]float64, g.NBaselines())
	for k := range phases {
		phases[k] = 0.05 * float64(k)
		amps[k] = 0.6
	}
	cs, err := observables.Reduce(&fringe.Result{Phases: phases, Amplitudes: amps}, g)
	require.NoError(t, err)
	return cs
}

func TestCalibrateSetsRejectsDifferentHoleSubsets(t *testing.T) {
	full := reduced(t)
	four := reduced(t, "B4", "C2", "B5", "B2")
	other := reduced(t, "B4", "C2", "B5", "C1")
	require.NotEqual(t, four.MaskKey, other.MaskKey)

	_, err := CalibrateSets([]*observables.ClosureSet{full}, []*observables.ClosureSet{four})
	require.ErrorIs(t, err, ErrGeometryMismatch)

	// same hole count, different holes
	_, err = CalibrateSets([]*observables.ClosureSet{four}, []*observables.ClosureSet{other})
	require.ErrorIs(t, err, ErrGeometryMismatch)

	// pooled calibrators must share one geometry too
	_, err = CalibrateSets([]*observables.ClosureSet{four}, []*observables.ClosureSet{four, other})
	require.ErrorIs(t, err, ErrGeometryMismatch)

	c, err := CalibrateSets([]*observables.ClosureSet{four}, []*observables.ClosureSet{reduced(t, "B4", "C2", "B5", "B2")})
	require.NoError(t, err)
	require.Equal(t, four.MaskKey, c.MaskKey)
	for _, v := range c.ClosurePhases.Mean {
		require.InDelta(t, 0, v, 1e-12)
	}
}

func TestCalibrateSetsPoolsCalibrators(t *testing.T) {
	mk := func(cp, ca float64) *observables.ClosureSet {
		return &observables.ClosureSet{
			MaskKey:      "k",
			NHoles:       4,
			Phases:       observables.Floats{cp},
			Amplitudes:   observables.Floats{ca},
			FringePhases: observables.Floats{0},
			FringeAmps:   observables.Floats{1},
			PhaseVar:     math.NaN(),
			AmpVar:       math.NaN(),
		}
	}
	target := []*observables.ClosureSet{mk(0.5, 2), mk(0.7, 2)}
	cals := []*observables.ClosureSet{mk(0.1, 1), mk(0.3, 1), mk(0.2, 1)}

	c, err := CalibrateSets(target, cals)
	require.NoError(t, err)
	require.InDelta(t, 0.6-0.2, c.ClosurePhases.Mean[0], 1e-12)
	require.InDelta(t, 2, c.ClosureAmplitudes.Mean[0], 1e-12)
	require.Equal(t, 2, c.ClosurePhases.N[0])

	_, err = CalibrateSets(target, nil)
	require.Error(t, err)
}
