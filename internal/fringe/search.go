package fringe

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"amifit/internal/model"
)

// Candidate is one point of the centring/rotation search.
type Candidate struct {
	Offset      model.Offset
	RotationDeg float64
}

// BasisBuilder constructs the basis for a candidate. It must be safe for
// concurrent use.
type BasisBuilder func(c Candidate) (*model.Basis, error)

// Outcome records how one candidate fared.
type Outcome struct {
	Index     int
	Candidate Candidate
	RSS       float64
	Err       error
}

// Grid enumerates offsets in [-radius, radius] on a step lattice for each
// rotation. Order: rotation, then y, then x, each ascending as given.
func Grid(radius, step float64, rotations []float64) []Candidate {
	if len(rotations) == 0 {
		rotations = []float64{0}
	}
	n := 0
	if step > 0 && radius > 0 {
		n = int(math.Floor(radius/step + 1e-9))
	}
	out := make([]Candidate, 0, len(rotations)*(2*n+1)*(2*n+1))
	for _, rot := range rotations {
		for iy := -n; iy <= n; iy++ {
			for ix := -n; ix <= n; ix++ {
				out = append(out, Candidate{
					Offset:      model.Offset{X: float64(ix) * step, Y: float64(iy) * step},
					RotationDeg: rot,
				})
			}
		}
	}
	return out
}

// Evaluate builds the basis for c and fits img against it. It has no side
// effects and returns the residual sum of squares as the fit quality.
func Evaluate(img model.Image, bad []bool, build BasisBuilder, c Candidate) (float64, *Result, error) {
	basis, err := build(c)
	if err != nil {
		return math.Inf(1), nil, err
	}
	res, err := Fit(img, basis, bad)
	if err != nil {
		return math.Inf(1), nil, err
	}
	res.RotationDeg = c.RotationDeg
	return res.RSS, res, nil
}

// Search evaluates every candidate on up to workers goroutines and returns
// the fit with the smallest RSS. Ties go to the lowest candidate index.
// Candidates that fail with ErrDegenerateFit are skipped; any other error
// aborts the search.
func Search(ctx context.Context, img model.Image, bad []bool, build BasisBuilder, candidates []Candidate, workers int) (*Result, []Outcome, error) {
	if len(candidates) == 0 {
		return nil, nil, fmt.Errorf("%w: no search candidates", ErrDegenerateFit)
	}
	if workers < 1 {
		workers = 1
	}

	outcomes := make([]Outcome, len(candidates))
	results := make([]*Result, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, c := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rss, res, err := Evaluate(img, bad, build, c)
			outcomes[i] = Outcome{Index: i, Candidate: c, RSS: rss, Err: err}
			if err != nil && !errors.Is(err, ErrDegenerateFit) {
				return fmt.Errorf("candidate %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, outcomes, err
	}

	best := -1
	for i, res := range results {
		if res == nil {
			continue
		}
		if best < 0 || res.RSS < results[best].RSS {
			best = i
		}
	}
	if best < 0 {
		return nil, outcomes, fmt.Errorf("%w: all %d candidates failed: %v", ErrDegenerateFit, len(candidates), outcomes[0].Err)
	}
	results[best].CandidateIndex = best
	return results[best], outcomes, nil
}
