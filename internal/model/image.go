package model

import (
	"fmt"
	"math"
)

// Image is a row-major 2D pixel array.
type Image struct {
	Rows, Cols int
	Pix        []float64
}

// NewImage allocates a zeroed rows x cols image.
func NewImage(rows, cols int) Image {
	return Image{Rows: rows, Cols: cols, Pix: make([]float64, rows*cols)}
}

// ImageFrom wraps pix, which must hold rows*cols values.
func ImageFrom(rows, cols int, pix []float64) (Image, error) {
	if rows <= 0 || cols <= 0 || len(pix) != rows*cols {
		return Image{}, fmt.Errorf("image %dx%d does not match %d pixels", rows, cols, len(pix))
	}
	return Image{Rows: rows, Cols: cols, Pix: pix}, nil
}

func (m Image) At(r, c int) float64     { return m.Pix[r*m.Cols+c] }
func (m Image) Set(r, c int, v float64) { m.Pix[r*m.Cols+c] = v }
func (m Image) Len() int                { return len(m.Pix) }
func (m Image) Empty() bool             { return m.Rows == 0 || m.Cols == 0 || len(m.Pix) == 0 }

func (m Image) Clone() Image {
	return Image{Rows: m.Rows, Cols: m.Cols, Pix: append([]float64(nil), m.Pix...)}
}

// SameShape reports whether o has the same dimensions as m.
func (m Image) SameShape(o Image) bool {
	return m.Rows == o.Rows && m.Cols == o.Cols
}

// Sum ignores non-finite pixels.
func (m Image) Sum() float64 {
	s := 0.0
	for _, v := range m.Pix {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			s += v
		}
	}
	return s
}

// ArgMax returns the row, column and value of the brightest finite pixel.
func (m Image) ArgMax() (int, int, float64) {
	best := -1
	for i, v := range m.Pix {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if best < 0 || v > m.Pix[best] {
			best = i
		}
	}
	if best < 0 {
		return 0, 0, math.NaN()
	}
	return best / m.Cols, best % m.Cols, m.Pix[best]
}

// Max is the brightest finite pixel value.
func (m Image) Max() float64 {
	_, _, v := m.ArgMax()
	return v
}

// Crop copies the size x size window whose top-left pixel is (r0, c0).
func (m Image) Crop(r0, c0, size int) (Image, error) {
	if size <= 0 || r0 < 0 || c0 < 0 || r0+size > m.Rows || c0+size > m.Cols {
		return Image{}, fmt.Errorf("crop %d at (%d,%d) outside %dx%d image", size, r0, c0, m.Rows, m.Cols)
	}
	out := NewImage(size, size)
	for r := 0; r < size; r++ {
		copy(out.Pix[r*size:(r+1)*size], m.Pix[(r0+r)*m.Cols+c0:(r0+r)*m.Cols+c0+size])
	}
	return out, nil
}

// CropWindow returns the top-left corner of a size x size window centred on
// (r, c), shifted inward so that it stays inside the image.
func (m Image) CropWindow(r, c, size int) (int, int) {
	r0 := clampInt(r-size/2, 0, m.Rows-size)
	c0 := clampInt(c-size/2, 0, m.Cols-size)
	return r0, c0
}

func clampInt(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CropAround copies the size x size window centred on (r, c), clamped to
// stay inside the image.
func (m Image) CropAround(r, c, size int) (Image, error) {
	r0, c0 := m.CropWindow(r, c, size)
	return m.Crop(r0, c0, size)
}
