// Package observables reduces per-baseline fringe measurements to closure
// phases, closure amplitudes and their statistics.
package observables

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"amifit/internal/fringe"
	"amifit/internal/mask"
)

// ErrGeometryMismatch is returned when sets from different masks or hole
// selections are combined.
var ErrGeometryMismatch = errors.New("mask geometry mismatch")

// ClosureSet holds the observables of one slice.
type ClosureSet struct {
	MaskKey string `json:"mask_key"`
	NHoles  int    `json:"n_holes"`

	FringePhases Floats `json:"fringe_phases"`
	FringeAmps   Floats `json:"fringe_amplitudes"`
	Pistons      Floats `json:"pistons"`

	Phases     Floats  `json:"closure_phases"`
	Amplitudes Floats  `json:"closure_amplitudes"`
	PhaseVar   float64 `json:"-"`
	AmpVar     float64 `json:"-"`
}

// Reduce builds the closure quantities of a fit on geometry g.
func Reduce(fit *fringe.Result, g *mask.Geometry) (*ClosureSet, error) {
	if fit == nil || g == nil {
		return nil, errors.New("reduce: nil fit or geometry")
	}
	if len(fit.Phases) != g.NBaselines() || len(fit.Amplitudes) != g.NBaselines() {
		return nil, fmt.Errorf("%w: fit has %d baselines, %s has %d", ErrGeometryMismatch, len(fit.Phases), g.Key(), g.NBaselines())
	}
	n := g.NHoles()
	cp := ClosurePhases(fit.Phases, g)
	ca := ClosureAmplitudes(fit.Amplitudes, g)
	return &ClosureSet{
		MaskKey:      g.Key(),
		NHoles:       n,
		FringePhases: append([]float64(nil), fit.Phases...),
		FringeAmps:   append([]float64(nil), fit.Amplitudes...),
		Pistons:      Pistons(fit.Phases, g),
		Phases:       cp,
		Amplitudes:   ca,
		PhaseVar:     RedundantVariance(cp, PhaseDOF(n)),
		AmpVar:       RedundantVariance(ca, AmplitudeDOF(n)),
	}, nil
}

// ClosurePhases returns phi_ij + phi_jk - phi_ik for every triple, wrapped
// to (-pi, pi].
func ClosurePhases(phases []float64, g *mask.Geometry) []float64 {
	triples := g.Triples()
	out := make([]float64, len(triples))
	for t, tr := range triples {
		sum := phases[g.BaselineIndex(tr.I, tr.J)] +
			phases[g.BaselineIndex(tr.J, tr.K)] -
			phases[g.BaselineIndex(tr.I, tr.K)]
		out[t] = Wrap(sum)
	}
	return out
}

// ClosureAmplitudes returns A_ij*A_kl / (A_ik*A_jl) for every quad.
func ClosureAmplitudes(amps []float64, g *mask.Geometry) []float64 {
	quads := g.Quads()
	out := make([]float64, len(quads))
	for q, qd := range quads {
		num := amps[g.BaselineIndex(qd.I, qd.J)] * amps[g.BaselineIndex(qd.K, qd.L)]
		den := amps[g.BaselineIndex(qd.I, qd.K)] * amps[g.BaselineIndex(qd.J, qd.L)]
		if den == 0 {
			out[q] = math.NaN()
			continue
		}
		out[q] = num / den
	}
	return out
}

// Wrap maps an angle to (-pi, pi]. NaN stays NaN.
func Wrap(a float64) float64 {
	if math.IsNaN(a) || math.IsInf(a, 0) {
		return math.NaN()
	}
	w := math.Atan2(math.Sin(a), math.Cos(a))
	if w == -math.Pi {
		w = math.Pi
	}
	return w
}

// PhaseDOF is the number of independent closure phases for n holes.
func PhaseDOF(n int) int { return (n - 1) * (n - 2) / 2 }

// AmplitudeDOF is the number of independent closure amplitudes for n holes.
func AmplitudeDOF(n int) int { return n * (n - 3) / 2 }

// RedundantVariance is sum((x - mean)^2) / dof over the finite values.
// It returns NaN when dof < 1 or no value is finite.
func RedundantVariance(values []float64, dof int) float64 {
	if dof < 1 {
		return math.NaN()
	}
	var sum float64
	n := 0
	for _, v := range values {
		if isFinite(v) {
			sum += v
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	mean := sum / float64(n)
	var ss float64
	for _, v := range values {
		if isFinite(v) {
			d := v - mean
			ss += d * d
		}
	}
	return ss / float64(dof)
}

// Pistons solves phi_ij = p_j - p_i for the per-hole pistons in the least
// squares sense, constrained to sum to zero. Baselines with a non-finite
// phase are left out and a hole with no finite baseline gets a NaN piston.
// If the remaining holes do not form one connected set every piston is NaN.
func Pistons(phases []float64, g *mask.Geometry) []float64 {
	n := g.NHoles()
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	pairs := g.BaselineList()

	// column of each hole that appears in a finite baseline
	col := make([]int, n)
	for i := range col {
		col[i] = -1
	}
	rows := 0
	for k, p := range pairs {
		if !isFinite(phases[k]) {
			continue
		}
		col[p.I], col[p.J] = 0, 0
		rows++
	}
	if rows == 0 {
		return out
	}
	if !connected(pairs, phases, col) {
		return out
	}
	cols := 0
	for i := range col {
		if col[i] == 0 {
			col[i] = cols
			cols++
		}
	}

	a := mat.NewDense(rows+1, cols, nil)
	b := mat.NewVecDense(rows+1, nil)
	r := 0
	for k, p := range pairs {
		if !isFinite(phases[k]) {
			continue
		}
		a.Set(r, col[p.I], -1)
		a.Set(r, col[p.J], 1)
		b.SetVec(r, phases[k])
		r++
	}
	for j := 0; j < cols; j++ {
		a.Set(rows, j, 1)
	}

	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return out
	}
	for i, c := range col {
		if c >= 0 {
			out[i] = x.AtVec(c)
		}
	}
	return out
}

// connected reports whether the holes marked in col (0) are joined into one
// set by the finite baselines.
func connected(pairs []mask.Pair, phases []float64, col []int) bool {
	root := make([]int, len(col))
	for i := range root {
		root[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if root[i] != i {
			root[i] = find(root[i])
		}
		return root[i]
	}
	for k, p := range pairs {
		if isFinite(phases[k]) {
			root[find(p.I)] = find(p.J)
		}
	}
	first := -1
	for i, c := range col {
		if c < 0 {
			continue
		}
		if first < 0 {
			first = find(i)
		} else if find(i) != first {
			return false
		}
	}
	return true
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
