package model

import (
	"math"

	"amifit/internal/mask"
)

// envelope is the single-hole primary beam. Hexagonal holes are
// approximated by a circle of equal area.
type envelope struct {
	enabled    bool
	diameter   float64
	pixelScale float64
}

func newEnvelope(p Params) envelope {
	d := p.Mask.HoleDiameter()
	if p.Mask.Shape() == mask.ShapeHexagonal {
		d *= math.Sqrt(2 * math.Sqrt(3) / math.Pi)
	}
	return envelope{
		enabled:    p.Envelope && d > 0,
		diameter:   d,
		pixelScale: p.PixelScale,
	}
}

// at returns the Airy intensity (2 J1(q)/q)^2 at pixel offset (x, y).
func (e envelope) at(x, y, wavelength float64) float64 {
	if !e.enabled {
		return 1
	}
	theta := math.Hypot(x, y) * e.pixelScale
	q := math.Pi * e.diameter * theta / wavelength
	if q < 1e-8 {
		return 1
	}
	a := 2 * math.J1(q) / q
	return a * a
}
