// Package analysis runs the fringe fit over every slice of an exposure and
// reduces the surviving fits to aggregated observables.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"amifit/internal/exposure"
	"amifit/internal/fringe"
	"amifit/internal/instrument"
	"amifit/internal/logging"
	"amifit/internal/model"
	"amifit/internal/observables"
)

// Options configure an Analyzer.
type Options struct {
	Radius    float64
	Step      float64
	Rotations []float64
	// SliceWorkers bounds slices fitted at once; CandidateWorkers bounds
	// candidate evaluations within one slice.
	SliceWorkers     int
	CandidateWorkers int
	Logger           *slog.Logger
	// JobID tags log lines.
	JobID string
}

// SliceReport is the outcome of one slice. Err is set for skipped slices.
type SliceReport struct {
	Index       int                     `json:"index"`
	Fit         *fringe.Result          `json:"-"`
	Closure     *observables.ClosureSet `json:"closure,omitempty"`
	RSS         float64                 `json:"rss"`
	Offset      model.Offset            `json:"offset"`
	RotationDeg float64                 `json:"rotation_deg"`
	NPixels     int                     `json:"n_pixels"`
	Flux        float64                 `json:"flux"`
	Candidates  int                     `json:"candidates"`
	Err         error                   `json:"-"`
	Duration    time.Duration           `json:"duration"`
}

// Report collects every slice of one exposure.
type Report struct {
	Slices  []SliceReport        `json:"slices"`
	Fitted  int                  `json:"fitted"`
	Skipped int                  `json:"skipped"`
	Summary *observables.Summary `json:"summary,omitempty"`
}

// Sets returns the closure sets of the fitted slices in slice order.
func (r *Report) Sets() []*observables.ClosureSet {
	out := make([]*observables.ClosureSet, 0, r.Fitted)
	for _, s := range r.Slices {
		if s.Closure != nil {
			out = append(out, s.Closure)
		}
	}
	return out
}

// Analyzer fits slices against one instrument model. Bases are cached per
// image size and candidate, so one Analyzer should serve slices of the
// same exposure.
type Analyzer struct {
	inst       *instrument.Instrument
	opts       Options
	candidates []fringe.Candidate
	logger     *slog.Logger

	mu    sync.Mutex
	cache map[basisKey]*model.Basis
}

type basisKey struct {
	rows, cols int
	c          fringe.Candidate
}

func New(inst *instrument.Instrument, opts Options) (*Analyzer, error) {
	if inst == nil {
		return nil, errors.New("analysis: nil instrument")
	}
	if opts.SliceWorkers < 1 {
		opts.SliceWorkers = 1
	}
	if opts.CandidateWorkers < 1 {
		opts.CandidateWorkers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		inst:       inst,
		opts:       opts,
		candidates: fringe.Grid(opts.Radius, opts.Step, opts.Rotations),
		logger:     logger,
		cache:      make(map[basisKey]*model.Basis),
	}, nil
}

// Instrument returns the model the analyzer fits with.
func (a *Analyzer) Instrument() *instrument.Instrument { return a.inst }

// Candidates returns the search grid.
func (a *Analyzer) Candidates() []fringe.Candidate {
	return append([]fringe.Candidate(nil), a.candidates...)
}

func (a *Analyzer) basis(rows, cols int) fringe.BasisBuilder {
	return func(c fringe.Candidate) (*model.Basis, error) {
		key := basisKey{rows: rows, cols: cols, c: c}
		a.mu.Lock()
		b, ok := a.cache[key]
		a.mu.Unlock()
		if ok {
			return b, nil
		}
		b, err := model.BuildBasis(a.inst.ModelParams(rows, cols, c.Offset, c.RotationDeg))
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.cache[key] = b
		a.mu.Unlock()
		return b, nil
	}
}

// FitSlice searches the candidate grid for one slice and reduces the best
// fit. Degenerate slices come back with Err wrapping fringe.ErrDegenerateFit.
func (a *Analyzer) FitSlice(ctx context.Context, s exposure.Slice) (SliceReport, error) {
	start := time.Now()
	rep := SliceReport{Index: s.Index, Candidates: len(a.candidates)}
	best, _, err := fringe.Search(ctx, s.Image, s.Bad, a.basis(s.Image.Rows, s.Image.Cols), a.candidates, a.opts.CandidateWorkers)
	rep.Duration = time.Since(start)
	if err != nil {
		rep.Err = err
		return rep, err
	}
	cs, err := observables.Reduce(best, a.inst.Mask())
	if err != nil {
		rep.Err = err
		return rep, err
	}
	rep.Fit = best
	rep.Closure = cs
	rep.RSS = best.RSS
	rep.Offset = best.Offset
	rep.RotationDeg = best.RotationDeg
	rep.NPixels = best.NPixels
	rep.Flux = best.Flux
	return rep, nil
}

// Analyze fits every slice of exp.
func (a *Analyzer) Analyze(ctx context.Context, exp *exposure.Exposure) (*Report, error) {
	if exp == nil {
		return nil, errors.New("analysis: nil exposure")
	}
	return a.AnalyzeSlices(ctx, exp.Slices)
}

// AnalyzeSlices fits slices on a bounded worker pool. Degenerate slices are
// skipped and reported; any other failure cancels the run. The summary is
// computed once all slices are done.
func (a *Analyzer) AnalyzeSlices(ctx context.Context, slices []exposure.Slice) (*Report, error) {
	if len(slices) == 0 {
		return nil, errors.New("analysis: no slices")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reports := make([]SliceReport, len(slices))
	jobs := make(chan int)

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for w := 0; w < min(a.opts.SliceWorkers, len(slices)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				rep, err := a.FitSlice(ctx, slices[i])
				reports[i] = rep
				switch {
				case err == nil:
					logging.LogSliceFit(a.logger, a.opts.JobID, rep.Index, rep.RSS, rep.Offset.X, rep.Offset.Y, rep.RotationDeg, rep.Candidates)
				case errors.Is(err, fringe.ErrDegenerateFit):
					logging.LogSliceSkipped(a.logger, a.opts.JobID, rep.Index, err)
				default:
					errOnce.Do(func() {
						firstErr = fmt.Errorf("slice %d: %w", slices[i].Index, err)
						cancel()
					})
				}
			}
		}()
	}

feed:
	for i := range slices {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &Report{Slices: reports}
	for _, r := range reports {
		if r.Closure != nil {
			out.Fitted++
		} else {
			out.Skipped++
		}
	}
	if out.Fitted == 0 {
		return out, fmt.Errorf("%w: all %d slices skipped", fringe.ErrDegenerateFit, len(slices))
	}
	summary, err := observables.Aggregate(out.Sets())
	if err != nil {
		return out, err
	}
	out.Summary = summary
	return out, nil
}
