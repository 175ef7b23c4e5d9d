package pipeline

import (
	"amifit/internal/affine"
	"amifit/internal/analysis"
	"amifit/internal/calibrate"
	"amifit/internal/config"
	"amifit/internal/exposure"
	"amifit/internal/observables"
)

// FitProduct is the stored and written result of a JobFit.
type FitProduct struct {
	Exposure string          `json:"exposure"`
	Target   string          `json:"target"`
	Filter   string          `json:"filter"`
	Header   exposure.Header `json:"header"`
	// SkyHoles are the mask hole centres rotated onto the sky.
	SkyHoles []affine.Point            `json:"sky_holes,omitempty"`
	Summary  *observables.Summary      `json:"summary"`
	Sets     []*observables.ClosureSet `json:"sets"`
	Slices   []analysis.SliceReport    `json:"slices"`
}

// CalibratedProduct is the stored and written result of a JobCalibrate.
type CalibratedProduct struct {
	Target      string                `json:"target"`
	Filter      string                `json:"filter"`
	TargetJob   string                `json:"target_job"`
	Calibrators []string              `json:"calibrator_jobs"`
	Calibrated  *calibrate.Calibrated `json:"calibrated"`
}

func newFitProduct(exp *exposure.Exposure, rep *analysis.Report, cfg *config.Config) FitProduct {
	prod := FitProduct{
		Exposure: exp.Path,
		Target:   exp.Header.Target,
		Filter:   exp.Header.Filter,
		Header:   exp.Header,
		Summary:  rep.Summary,
		Sets:     rep.Sets(),
		Slices:   rep.Slices,
	}
	if inst, err := analysis.InstrumentFor(cfg.Analysis, exp.Header); err == nil {
		prod.SkyHoles = inst.SkyCenters(exp.Header.PAV3, exp.Header.V3IYang, exp.Header.VParity)
	}
	return prod
}
