// Package instrument bundles the mask, bandpass, pixel scale and pupil
// distortion of one observing setup into an immutable value.
package instrument

import (
	"fmt"
	"math"
	"strings"

	"amifit/internal/affine"
	"amifit/internal/bandpass"
	"amifit/internal/mask"
	"amifit/internal/model"
)

const (
	DefaultTelescope  = "JWST"
	DefaultName       = "NIRISS"
	DefaultMask       = "jwst_g7s6c"
	DefaultPixelScale = 65.6 // mas per pixel
)

// MasToRad converts milliarcseconds to radians.
func MasToRad(mas float64) float64 { return mas / 1000 / 3600 * math.Pi / 180 }

// DegToMas converts degrees to milliarcseconds.
func DegToMas(deg float64) float64 { return deg * 3600 * 1000 }

// Options configures New. Zero values pick the NIRISS AMI defaults.
type Options struct {
	Filter string
	Mask   string
	Holes  []string
	// Bandpass overrides the filter's top-hat when non-empty.
	Bandpass []bandpass.Sample
	// PixelScale in milliarcseconds; zero selects DefaultPixelScale.
	PixelScale float64
	Oversample int
	Affine     *affine.Affine2d
	Envelope   bool
}

// Instrument is read-only after construction and safe to share.
type Instrument struct {
	telescope  string
	name       string
	filter     string
	mask       *mask.Geometry
	bandpass   *bandpass.WavelengthSet
	pixelScale float64
	oversample int
	base       affine.Affine2d
	envelope   bool
}

func New(opts Options) (*Instrument, error) {
	maskName := opts.Mask
	if maskName == "" {
		maskName = DefaultMask
	}
	geom, err := mask.Build(maskName, opts.Holes...)
	if err != nil {
		return nil, err
	}

	var bp *bandpass.WavelengthSet
	filter := strings.ToUpper(opts.Filter)
	switch {
	case len(opts.Bandpass) > 0:
		bp, err = bandpass.New(opts.Bandpass)
	case filter != "":
		var f bandpass.Filter
		f, err = bandpass.LookupFilter(filter)
		if err == nil {
			bp, err = f.TopHat()
		}
	default:
		err = fmt.Errorf("%w: no filter or bandpass given", bandpass.ErrInvalidBandpass)
	}
	if err != nil {
		return nil, err
	}

	scale := opts.PixelScale
	if scale == 0 {
		scale = DefaultPixelScale
	}
	if !(scale > 0) || math.IsInf(scale, 0) {
		return nil, fmt.Errorf("%w: pixel scale %g mas", model.ErrInvalidParams, scale)
	}
	ov := opts.Oversample
	if ov == 0 {
		ov = 1
	}
	if ov < 1 {
		return nil, fmt.Errorf("%w: oversample %d", model.ErrInvalidParams, ov)
	}
	base := affine.Identity()
	if opts.Affine != nil {
		base = *opts.Affine
	}

	return &Instrument{
		telescope:  DefaultTelescope,
		name:       DefaultName,
		filter:     filter,
		mask:       geom,
		bandpass:   bp,
		pixelScale: MasToRad(scale),
		oversample: ov,
		base:       base,
		envelope:   opts.Envelope,
	}, nil
}

func (in *Instrument) Telescope() string                 { return in.telescope }
func (in *Instrument) Name() string                      { return in.name }
func (in *Instrument) Filter() string                    { return in.filter }
func (in *Instrument) Mask() *mask.Geometry              { return in.mask }
func (in *Instrument) Bandpass() *bandpass.WavelengthSet { return in.bandpass }
func (in *Instrument) PixelScale() float64               { return in.pixelScale }
func (in *Instrument) Oversample() int                   { return in.oversample }
func (in *Instrument) Affine() affine.Affine2d           { return in.base }
func (in *Instrument) Envelope() bool                    { return in.envelope }

// ModelParams returns the forward-model parameters for one search
// candidate. The base distortion is applied first, then the rotation.
func (in *Instrument) ModelParams(rows, cols int, off model.Offset, rotationDeg float64) model.Params {
	eff := affine.Rotation(rotationDeg).Compose(in.base)
	if rotationDeg == 0 {
		eff = in.base
	}
	return model.Params{
		Mask:       in.mask,
		Bandpass:   in.bandpass,
		PixelScale: in.pixelScale,
		Oversample: in.oversample,
		Rows:       rows,
		Cols:       cols,
		Offset:     off,
		Affine:     &eff,
		Envelope:   in.envelope,
	}
}

// SkyCenters rotates the hole centres onto the sky by pa - v3iYang
// degrees: clockwise for parity -1, counter-clockwise otherwise.
func (in *Instrument) SkyCenters(pa, v3iYang float64, vparity int) []affine.Point {
	angle := pa - v3iYang
	if vparity < 0 {
		angle = -angle
	}
	return affine.Rotation(angle).ApplyAll(in.mask.Centers())
}
