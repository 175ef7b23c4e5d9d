// Package model builds the fringe forward model: per-baseline cosine and
// sine images plus a flat term, sampled on an oversampled detector grid.
//
// Phase convention: a baseline b_ij = r_j - r_i (metres, after the affine
// transform) has spatial frequency (u, v) = b_ij * pixelScale / lambda in
// cycles per detector pixel. At a pixel offset (x, y) from the model centre
// the fringe phase is theta = +2*pi*(u*x + v*y). A fringe of phase phi and
// amplitude A contributes A*cos(theta - phi) = A*cos(phi)*cos(theta) +
// A*sin(phi)*sin(theta), so phi = atan2(sine coefficient, cosine coefficient).
//
// The model centre is ((Cols-1)/2 + Offset.X, (Rows-1)/2 + Offset.Y) with x
// along columns and y along rows.
package model

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"amifit/internal/affine"
	"amifit/internal/bandpass"
	"amifit/internal/mask"
)

var ErrInvalidParams = errors.New("invalid model parameters")

// Offset is a sub-pixel shift of the model centre in detector pixels.
type Offset struct {
	X, Y float64
}

// Params fully determines a basis. It is a plain value, safe to copy and to
// share between goroutines as long as Mask and Bandpass are not mutated.
type Params struct {
	Mask       *mask.Geometry
	Bandpass   *bandpass.WavelengthSet
	PixelScale float64 // radians per detector pixel
	Oversample int
	Rows, Cols int
	Offset     Offset
	// Affine distorts the hole centres before frequencies are computed.
	// Nil skips the transform.
	Affine *affine.Affine2d
	// Envelope multiplies every term by the single-hole primary beam.
	Envelope bool
}

// Basis is an ordered set of images: index 0 is the flat term, then
// 1+2k and 2+2k are the cosine and sine terms of baseline k.
type Basis struct {
	Rows, Cols int
	Images     []Image
	NBaselines int
	Offset     Offset
	Affine     *affine.Affine2d
}

// Len is the number of basis images.
func (b *Basis) Len() int { return len(b.Images) }

// CosIndex returns the basis index of baseline k's cosine term.
func CosIndex(k int) int { return 1 + 2*k }

// SinIndex returns the basis index of baseline k's sine term.
func SinIndex(k int) int { return 2 + 2*k }

// Synthesize returns sum_i coeffs[i]*Images[i].
func (b *Basis) Synthesize(coeffs []float64) (Image, error) {
	if len(coeffs) != len(b.Images) {
		return Image{}, fmt.Errorf("%w: %d coefficients for %d basis images", ErrInvalidParams, len(coeffs), len(b.Images))
	}
	out := NewImage(b.Rows, b.Cols)
	for i, im := range b.Images {
		c := coeffs[i]
		if c == 0 {
			continue
		}
		floats.AddScaled(out.Pix, c, im.Pix)
	}
	return out, nil
}

func (p Params) validate() error {
	switch {
	case p.Mask == nil:
		return fmt.Errorf("%w: no mask geometry", ErrInvalidParams)
	case p.Bandpass == nil:
		return fmt.Errorf("%w: no bandpass", ErrInvalidParams)
	case !(p.PixelScale > 0):
		return fmt.Errorf("%w: pixel scale %g", ErrInvalidParams, p.PixelScale)
	case p.Oversample < 1:
		return fmt.Errorf("%w: oversample %d", ErrInvalidParams, p.Oversample)
	case p.Rows < 1 || p.Cols < 1:
		return fmt.Errorf("%w: image size %dx%d", ErrInvalidParams, p.Rows, p.Cols)
	}
	return nil
}

// BuildBasis samples the flat and fringe terms for p. Identical Params
// always yield identical images.
func BuildBasis(p Params) (*Basis, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	baselines := p.Mask.BaselineVectors(p.Affine)
	nb := len(baselines)
	nimg := 1 + 2*nb
	images := make([]Image, nimg)
	for i := range images {
		images[i] = NewImage(p.Rows, p.Cols)
	}

	waves := p.Bandpass.Normalized()
	// per-wavelength frequencies in cycles per pixel
	u := make([][]float64, len(waves))
	v := make([][]float64, len(waves))
	for w, s := range waves {
		u[w] = make([]float64, nb)
		v[w] = make([]float64, nb)
		for k, b := range baselines {
			u[w][k] = b.X * p.PixelScale / s.Wavelength
			v[w][k] = b.Y * p.PixelScale / s.Wavelength
		}
	}

	env := newEnvelope(p)
	ov := p.Oversample
	xc := float64(p.Cols-1)/2 + p.Offset.X
	yc := float64(p.Rows-1)/2 + p.Offset.Y
	norm := 1.0 / float64(ov*ov)
	acc := make([]float64, nimg)

	for r := 0; r < p.Rows; r++ {
		for c := 0; c < p.Cols; c++ {
			for i := range acc {
				acc[i] = 0
			}
			for sy := 0; sy < ov; sy++ {
				y := float64(r) - 0.5 + (float64(sy)+0.5)/float64(ov) - yc
				for sx := 0; sx < ov; sx++ {
					x := float64(c) - 0.5 + (float64(sx)+0.5)/float64(ov) - xc
					for w, s := range waves {
						e := s.Weight * env.at(x, y, s.Wavelength)
						if e == 0 {
							continue
						}
						acc[0] += e
						uw, vw := u[w], v[w]
						for k := 0; k < nb; k++ {
							sn, cs := math.Sincos(2 * math.Pi * (uw[k]*x + vw[k]*y))
							acc[CosIndex(k)] += e * cs
							acc[SinIndex(k)] += e * sn
						}
					}
				}
			}
			idx := r*p.Cols + c
			for i := range images {
				images[i].Pix[idx] = acc[i] * norm
			}
		}
	}

	return &Basis{
		Rows:       p.Rows,
		Cols:       p.Cols,
		Images:     images,
		NBaselines: nb,
		Offset:     p.Offset,
		Affine:     p.Affine,
	}, nil
}
