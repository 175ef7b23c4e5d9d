package analysis

import (
	"context"
	"fmt"
	"log/slog"

	"amifit/internal/config"
	"amifit/internal/exposure"
	"amifit/internal/instrument"
	"amifit/internal/logging"
)

// InstrumentFor builds the instrument model for an exposure. Settings in a
// take precedence over the header; the pixel scale and filter fall back to
// the header values. An explicit bandpass replaces the filter's top hat.
func InstrumentFor(a config.Analysis, h exposure.Header) (*instrument.Instrument, error) {
	filter := a.Filter
	if filter == "" {
		filter = h.Filter
	}
	scale := a.PixelScaleMas
	if scale == 0 {
		scale = h.PixelScaleMas()
	}
	opts := instrument.Options{
		Filter:     filter,
		Mask:       a.Mask,
		Holes:      a.Holes,
		Bandpass:   a.Bandpass,
		PixelScale: scale,
		Oversample: a.Oversample,
		Envelope:   a.Envelope,
	}
	if a.Affine != nil {
		base := a.Affine.Transform()
		opts.Affine = &base
	}
	return instrument.New(opts)
}

// LoadOptionsFor maps the analysis settings onto exposure loading.
func LoadOptionsFor(a config.Analysis) exposure.LoadOptions {
	return exposure.LoadOptions{
		TrimRows: a.TrimRows,
		FirstFew: a.FirstFew,
		CropSize: a.CropSize,
		IgnoreDQ: a.IgnoreDQ,
	}
}

// FitFile loads path, fits every slice and aggregates the result.
func FitFile(ctx context.Context, path string, cfg *config.Config, logger *slog.Logger, jobID string) (*exposure.Exposure, *Report, error) {
	if logger == nil {
		logger = slog.Default()
	}
	exp, err := exposure.Load(path, LoadOptionsFor(cfg.Analysis))
	if err != nil {
		return nil, nil, err
	}
	logging.LogProcessingStep(logger, jobID, "load", "done", map[string]any{
		"target": exp.Header.Target,
		"filter": exp.Header.Filter,
		"slices": len(exp.Slices),
		"dq":     exp.HasDQ,
	})
	inst, err := InstrumentFor(cfg.Analysis, exp.Header)
	if err != nil {
		return exp, nil, fmt.Errorf("instrument for %s: %w", exp.Root, err)
	}
	logging.LogProcessingStep(logger, jobID, "instrument", "done", map[string]any{
		"mask":            inst.Mask().Key(),
		"filter":          inst.Filter(),
		"pixel_scale_rad": inst.PixelScale(),
	})
	an, err := New(inst, Options{
		Radius:           cfg.Search.Radius,
		Step:             cfg.Search.Step,
		Rotations:        cfg.Search.Rotations,
		SliceWorkers:     cfg.Processing.SliceWorkers,
		CandidateWorkers: cfg.Search.Workers,
		Logger:           logger,
		JobID:            jobID,
	})
	if err != nil {
		return exp, nil, err
	}
	rep, err := an.Analyze(ctx, exp)
	return exp, rep, err
}
