package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"amifit/internal/analysis"
	"amifit/internal/bandpass"
	"amifit/internal/calibrate"
	"amifit/internal/config"
	"amifit/internal/exposure"
	"amifit/internal/fringe"
	"amifit/internal/observables"
	"amifit/internal/storage"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log   *slog.Logger
	store *storage.Store
	cfg   *config.Config
	fitFn fitFunc
}

type fitFunc func(ctx context.Context, path string, cfg *config.Config, logger *slog.Logger, jobID string) (*exposure.Exposure, *analysis.Report, error)

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config) Processor {
	if cfg == nil {
		cfg = config.Default()
	}
	return &router{
		log:   logger,
		store: store,
		cfg:   cfg,
		fitFn: analysis.FitFile,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobFit:
		return r.handleFit(ctx, job)
	case JobCalibrate:
		return r.handleCalibrate(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleFit(ctx context.Context, job Job) Result {
	cfg := withOverrides(r.cfg, job.Options)
	exp, rep, err := r.fitFn(ctx, job.InputPath, cfg, r.log, job.ID)
	meta := map[string]any{"input": job.InputPath}
	if exp != nil {
		meta["target"] = exp.Header.Target
		meta["filter"] = exp.Header.Filter
		meta["slices"] = len(exp.Slices)
		if r.store != nil {
			_ = r.store.RecordExposure(storage.ExposureRecord{
				FilePath:      exp.Path,
				Target:        exp.Header.Target,
				Filter:        exp.Header.Filter,
				DateObs:       exp.Header.Date,
				PAV3:          exp.Header.PAV3,
				VParity:       exp.Header.VParity,
				PixelScaleMas: exp.Header.PixelScaleMas(),
				NSlices:       len(exp.Slices),
				HasDQ:         exp.HasDQ,
			})
		}
	}
	if rep != nil {
		meta["fitted"] = rep.Fitted
		meta["skipped"] = rep.Skipped
		if r.store != nil {
			_ = r.store.RecordSliceFits(sliceRecords(job.ID, job.InputPath, rep))
		}
	}
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}

	prod := newFitProduct(exp, rep, cfg)
	meta["mask"] = prod.Summary.MaskKey
	meta["closure_phases"] = prod.Summary.ClosurePhases.Len()

	payload, err := json.Marshal(prod)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("encode observables: %w", err), Meta: meta}
	}
	if r.store != nil {
		if _, err := r.store.RecordObservables(storage.ObservableRecord{
			JobID:       job.ID,
			Kind:        storage.KindSummary,
			MaskKey:     prod.Summary.MaskKey,
			Target:      prod.Target,
			Filter:      prod.Filter,
			PayloadJSON: string(payload),
		}); err != nil {
			return Result{Job: job, Error: fmt.Errorf("store observables: %w", err), Meta: meta}
		}
	}
	if out := outputPath(job.Output, exp.Root+"_observables.json"); out != "" {
		if err := writeJSON(out, prod); err != nil {
			return Result{Job: job, Error: err, Meta: meta}
		}
		meta["output"] = out
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleCalibrate(ctx context.Context, job Job) Result {
	meta := map[string]any{}
	targetID, _ := job.Options["target"].(string)
	calIDs := getStringsOption(job.Options, "calibrators")
	if targetID == "" || len(calIDs) == 0 {
		return Result{Job: job, Error: errors.New("calibrate needs a target job and at least one calibrator job"), Meta: meta}
	}
	meta["target"] = targetID
	meta["calibrators"] = calIDs

	target, err := r.loadProduct(targetID)
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	var pooled []*observables.ClosureSet
	for _, id := range calIDs {
		if err := ctx.Err(); err != nil {
			return Result{Job: job, Error: err, Meta: meta}
		}
		cal, err := r.loadProduct(id)
		if err != nil {
			return Result{Job: job, Error: err, Meta: meta}
		}
		pooled = append(pooled, cal.Sets...)
	}

	cal, err := calibrate.CalibrateSets(target.Sets, pooled)
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	prod := CalibratedProduct{
		Target:      target.Target,
		Filter:      target.Filter,
		TargetJob:   targetID,
		Calibrators: calIDs,
		Calibrated:  cal,
	}
	meta["mask"] = cal.MaskKey
	meta["closure_phases"] = cal.ClosurePhases.Len()

	payload, err := json.Marshal(prod)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("encode calibrated: %w", err), Meta: meta}
	}
	if r.store != nil {
		if _, err := r.store.RecordObservables(storage.ObservableRecord{
			JobID:       job.ID,
			Kind:        storage.KindCalibrated,
			MaskKey:     cal.MaskKey,
			Target:      target.Target,
			Filter:      target.Filter,
			PayloadJSON: string(payload),
		}); err != nil {
			return Result{Job: job, Error: fmt.Errorf("store calibrated: %w", err), Meta: meta}
		}
	}
	if out := outputPath(job.Output, targetID+"_calibrated.json"); out != "" {
		if err := writeJSON(out, prod); err != nil {
			return Result{Job: job, Error: err, Meta: meta}
		}
		meta["output"] = out
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) loadProduct(jobID string) (*FitProduct, error) {
	if r.store == nil {
		return nil, errors.New("calibrate requires a store")
	}
	rec, err := r.store.LatestObservables(jobID, storage.KindSummary)
	if err != nil {
		return nil, fmt.Errorf("observables for job %s: %w", jobID, err)
	}
	var prod FitProduct
	if err := json.Unmarshal([]byte(rec.PayloadJSON), &prod); err != nil {
		return nil, fmt.Errorf("decode observables for job %s: %w", jobID, err)
	}
	return &prod, nil
}

func sliceRecords(jobID, path string, rep *analysis.Report) []storage.SliceFitRecord {
	recs := make([]storage.SliceFitRecord, 0, len(rep.Slices))
	for _, s := range rep.Slices {
		rec := storage.SliceFitRecord{
			JobID:       jobID,
			FilePath:    path,
			SliceIndex:  s.Index,
			Status:      "fitted",
			RSS:         s.RSS,
			OffsetX:     s.Offset.X,
			OffsetY:     s.Offset.Y,
			RotationDeg: s.RotationDeg,
			NPixels:     s.NPixels,
			Flux:        s.Flux,
		}
		if s.Err != nil {
			rec.Status = "skipped"
			if !errors.Is(s.Err, fringe.ErrDegenerateFit) {
				rec.Status = "failed"
			}
			rec.Error = s.Err.Error()
		}
		recs = append(recs, rec)
	}
	return recs
}

// withOverrides copies cfg and applies per-job analysis settings.
func withOverrides(cfg *config.Config, opts map[string]any) *config.Config {
	c := *cfg
	if v, ok := opts["filter"].(string); ok && v != "" {
		c.Analysis.Filter = v
	}
	if v := getStringsOption(opts, "holes"); len(v) > 0 {
		c.Analysis.Holes = v
	}
	if v := getFloat64Option(opts, "pixel_scale_mas"); v > 0 {
		c.Analysis.PixelScaleMas = v
	}
	if v := getIntOption(opts, "oversample"); v > 0 {
		c.Analysis.Oversample = v
	}
	if v := getIntOption(opts, "first_few"); v > 0 {
		c.Analysis.FirstFew = v
	}
	if v := getIntOption(opts, "crop_size"); v > 0 {
		c.Analysis.CropSize = v
	}
	if v, ok := opts["envelope"].(bool); ok {
		c.Analysis.Envelope = v
	}
	if v := getSamplesOption(opts, "bandpass"); len(v) > 0 {
		c.Analysis.Bandpass = v
	}
	if v := getAffineOption(opts, "affine"); v != nil {
		c.Analysis.Affine = v
	}
	return &c
}

func outputPath(output, name string) string {
	if output == "" {
		return ""
	}
	if filepath.Ext(output) == ".json" {
		return output
	}
	return filepath.Join(output, name)
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Helper functions to safely extract typed options from job.Options map.
// Options decoded from JSON carry float64 numbers and []any lists.
func getFloat64Option(options map[string]any, key string) float64 {
	switch v := options[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0.0
}

func getIntOption(options map[string]any, key string) int {
	switch v := options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func getStringsOption(options map[string]any, key string) []string {
	switch v := options[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

// getSamplesOption reads a bandpass as []bandpass.Sample, a list of
// {"weight","wavelength"} objects or a list of [weight, wavelength] pairs.
func getSamplesOption(options map[string]any, key string) []bandpass.Sample {
	switch v := options[key].(type) {
	case []bandpass.Sample:
		return v
	case []any:
		out := make([]bandpass.Sample, 0, len(v))
		for _, e := range v {
			switch s := e.(type) {
			case map[string]any:
				out = append(out, bandpass.Sample{
					Weight:     getFloat64Option(s, "weight"),
					Wavelength: getFloat64Option(s, "wavelength"),
				})
			case []any:
				if len(s) != 2 {
					return nil
				}
				w, _ := s[0].(float64)
				l, _ := s[1].(float64)
				out = append(out, bandpass.Sample{Weight: w, Wavelength: l})
			default:
				return nil
			}
		}
		return out
	}
	return nil
}

// getAffineOption reads an affine as *config.Affine, config.Affine or an
// object with mx, my, sx, sy, xo and yo keys. Missing mx and my default to 1.
func getAffineOption(options map[string]any, key string) *config.Affine {
	switch v := options[key].(type) {
	case *config.Affine:
		return v
	case config.Affine:
		return &v
	case map[string]any:
		a := &config.Affine{
			MX: 1, MY: 1,
			SX: getFloat64Option(v, "sx"),
			SY: getFloat64Option(v, "sy"),
			XO: getFloat64Option(v, "xo"),
			YO: getFloat64Option(v, "yo"),
		}
		if _, ok := v["mx"]; ok {
			a.MX = getFloat64Option(v, "mx")
		}
		if _, ok := v["my"]; ok {
			a.MY = getFloat64Option(v, "my")
		}
		return a
	}
	return nil
}
