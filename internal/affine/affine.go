// Package affine implements the 2D affine map applied to pupil-plane hole
// coordinates before the fringe model is sampled.
package affine

import (
	"errors"
	"fmt"
	"math"
)

// ErrSingular is returned when the linear part of a transform cannot be inverted.
var ErrSingular = errors.New("affine transform is singular")

const singularTolerance = 1e-12

// Point is a 2D coordinate. Pupil-plane points are in metres.
type Point struct {
	X, Y float64
}

// Affine2d maps (x, y) to
//
//	x' = MX*x + SX*y + XO
//	y' = SY*x + MY*y + YO
type Affine2d struct {
	MX, MY float64
	SX, SY float64
	XO, YO float64
	Name   string
}

// Identity returns the no-op transform, labelled "Ideal".
func Identity() Affine2d {
	return Affine2d{MX: 1, MY: 1, Name: "Ideal"}
}

// Rotation returns a counter-clockwise rotation by deg degrees about the origin.
func Rotation(deg float64) Affine2d {
	s, c := math.Sincos(deg * math.Pi / 180.0)
	return Affine2d{
		MX:   c,
		SX:   -s,
		SY:   s,
		MY:   c,
		Name: fmt.Sprintf("Rotation %+.4f deg", deg),
	}
}

// Det returns the determinant of the linear part.
func (a Affine2d) Det() float64 {
	return a.MX*a.MY - a.SX*a.SY
}

// IsIdentity reports whether a leaves every point unchanged.
func (a Affine2d) IsIdentity() bool {
	return a.MX == 1 && a.MY == 1 && a.SX == 0 && a.SY == 0 && a.XO == 0 && a.YO == 0
}

// Apply maps a single point.
func (a Affine2d) Apply(p Point) Point {
	return Point{
		X: a.MX*p.X + a.SX*p.Y + a.XO,
		Y: a.SY*p.X + a.MY*p.Y + a.YO,
	}
}

// ApplyAll maps every point into a new slice.
func (a Affine2d) ApplyAll(pts []Point) []Point {
	out := make([]Point, len(pts))
	for i, p := range pts {
		out[i] = a.Apply(p)
	}
	return out
}

// Compose returns the transform that applies b first and then a.
func (a Affine2d) Compose(b Affine2d) Affine2d {
	return Affine2d{
		MX:   a.MX*b.MX + a.SX*b.SY,
		SX:   a.MX*b.SX + a.SX*b.MY,
		SY:   a.SY*b.MX + a.MY*b.SY,
		MY:   a.SY*b.SX + a.MY*b.MY,
		XO:   a.MX*b.XO + a.SX*b.YO + a.XO,
		YO:   a.SY*b.XO + a.MY*b.YO + a.YO,
		Name: composeName(a.Name, b.Name),
	}
}

// Inverse returns the transform undoing a.
func (a Affine2d) Inverse() (Affine2d, error) {
	det := a.Det()
	if math.Abs(det) < singularTolerance || math.IsNaN(det) {
		return Affine2d{}, fmt.Errorf("%w: det=%g", ErrSingular, det)
	}
	inv := Affine2d{
		MX: a.MY / det,
		SX: -a.SX / det,
		SY: -a.SY / det,
		MY: a.MX / det,
	}
	inv.XO = -(inv.MX*a.XO + inv.SX*a.YO)
	inv.YO = -(inv.SY*a.XO + inv.MY*a.YO)
	inv.Name = "inverse(" + a.Name + ")"
	return inv, nil
}

func (a Affine2d) String() string {
	return fmt.Sprintf("{%s: mx=%g my=%g sx=%g sy=%g xo=%g yo=%g}", a.Name, a.MX, a.MY, a.SX, a.SY, a.XO, a.YO)
}

func composeName(outer, inner string) string {
	switch {
	case outer == "":
		return inner
	case inner == "":
		return outer
	}
	return outer + " * " + inner
}
