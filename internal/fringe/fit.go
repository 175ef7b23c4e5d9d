// Package fringe fits the forward-model basis to detector pixels by linear
// least squares and derives per-baseline fringe phases and amplitudes.
package fringe

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"amifit/internal/model"
)

// ErrDegenerateFit marks a slice whose basis cannot be solved: too few
// valid pixels or a rank-deficient design matrix.
var ErrDegenerateFit = errors.New("degenerate fringe fit")

// maxCondition bounds the design-matrix condition number.
const maxCondition = 1e12

// Result is the immutable outcome of one fit.
type Result struct {
	Coeffs     []float64
	Phases     []float64 // radians, one per baseline
	Amplitudes []float64 // normalised by the flat coefficient
	Flux       float64   // flat coefficient
	Model      model.Image
	Residual   model.Image
	RSS        float64
	NPixels    int
	Condition  float64

	Offset         model.Offset
	RotationDeg    float64
	CandidateIndex int
}

// Fit regresses img against basis. Pixels flagged in bad, and non-finite
// pixels, are dropped from the regression. bad may be nil.
func Fit(img model.Image, basis *model.Basis, bad []bool) (*Result, error) {
	if basis == nil || basis.Len() == 0 {
		return nil, fmt.Errorf("%w: empty basis", ErrDegenerateFit)
	}
	if img.Rows != basis.Rows || img.Cols != basis.Cols {
		return nil, fmt.Errorf("image %dx%d does not match basis %dx%d", img.Rows, img.Cols, basis.Rows, basis.Cols)
	}
	if bad != nil && len(bad) != img.Len() {
		return nil, fmt.Errorf("bad pixel mask has %d entries for %d pixels", len(bad), img.Len())
	}

	good := goodPixels(img, bad)
	nb := basis.Len()
	if len(good) < nb {
		return nil, fmt.Errorf("%w: %d valid pixels for %d basis terms", ErrDegenerateFit, len(good), nb)
	}

	design := mat.NewDense(len(good), nb, nil)
	obs := mat.NewVecDense(len(good), nil)
	for row, p := range good {
		for col, im := range basis.Images {
			design.Set(row, col, im.Pix[p])
		}
		obs.SetVec(row, img.Pix[p])
	}

	var qr mat.QR
	qr.Factorize(design)
	cond := qr.Cond()
	if math.IsNaN(cond) || cond > maxCondition {
		return nil, fmt.Errorf("%w: condition number %.3g", ErrDegenerateFit, cond)
	}
	var sol mat.VecDense
	if err := qr.SolveVecTo(&sol, false, obs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDegenerateFit, err)
	}

	coeffs := make([]float64, nb)
	for i := range coeffs {
		coeffs[i] = sol.AtVec(i)
	}

	fitted, err := basis.Synthesize(coeffs)
	if err != nil {
		return nil, err
	}
	residual := model.NewImage(img.Rows, img.Cols)
	for i := range residual.Pix {
		residual.Pix[i] = img.Pix[i] - fitted.Pix[i]
	}
	rss := 0.0
	for _, p := range good {
		rss += residual.Pix[p] * residual.Pix[p]
	}

	phases, amps := Derive(coeffs, basis.NBaselines)
	return &Result{
		Coeffs:     coeffs,
		Phases:     phases,
		Amplitudes: amps,
		Flux:       coeffs[0],
		Model:      fitted,
		Residual:   residual,
		RSS:        rss,
		NPixels:    len(good),
		Condition:  cond,
		Offset:     basis.Offset,
	}, nil
}

// Derive converts basis coefficients to fringe phases and amplitudes. The
// cosine and sine coefficients are divided by the flat coefficient first;
// a zero or non-finite flat term yields NaN for every baseline, and a zero
// amplitude yields a NaN phase.
func Derive(coeffs []float64, nBaselines int) (phases, amps []float64) {
	phases = make([]float64, nBaselines)
	amps = make([]float64, nBaselines)
	flux := math.NaN()
	if len(coeffs) > 0 {
		flux = coeffs[0]
	}
	for k := 0; k < nBaselines; k++ {
		ci, si := model.CosIndex(k), model.SinIndex(k)
		if flux == 0 || math.IsNaN(flux) || math.IsInf(flux, 0) || si >= len(coeffs) {
			phases[k], amps[k] = math.NaN(), math.NaN()
			continue
		}
		c := coeffs[ci] / flux
		s := coeffs[si] / flux
		amps[k] = math.Hypot(c, s)
		if amps[k] == 0 {
			phases[k] = math.NaN()
			continue
		}
		phases[k] = math.Atan2(s, c)
	}
	return phases, amps
}

func goodPixels(img model.Image, bad []bool) []int {
	good := make([]int, 0, img.Len())
	for i, v := range img.Pix {
		if bad != nil && bad[i] {
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		good = append(good, i)
	}
	return good
}
