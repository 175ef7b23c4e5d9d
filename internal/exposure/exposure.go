// Package exposure reads AMI science exposures from FITS files into slices
// ready for fringe fitting.
package exposure

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/astrogo/fitsio"

	"amifit/internal/model"
)

var ErrNoImage = errors.New("no 2D or 3D image extension")

// DefaultTrimRows is the number of reference-pixel rows removed from the
// bottom of NIRISS SUB80 frames.
const DefaultTrimRows = 4

type LoadOptions struct {
	// TrimRows is removed from the start of every frame. Negative means
	// DefaultTrimRows.
	TrimRows int
	// FirstFew keeps only the leading slices of a cube when > 0.
	FirstFew int
	// CropSize cuts a square around each slice's brightest pixel when > 0.
	CropSize int
	// IgnoreDQ skips the data-quality extension even when present.
	IgnoreDQ bool
}

// Slice is one 2D frame of an exposure.
type Slice struct {
	Index   int         `json:"index"`
	Image   model.Image `json:"-"`
	Bad     []bool      `json:"-"`
	PeakRow int         `json:"peak_row"`
	PeakCol int         `json:"peak_col"`
	Peak    float64     `json:"peak"`
}

// NBad counts flagged pixels.
func (s Slice) NBad() int {
	n := 0
	for _, b := range s.Bad {
		if b {
			n++
		}
	}
	return n
}

type Exposure struct {
	Path   string
	Root   string
	Header Header
	HasDQ  bool
	Slices []Slice
}

// Load reads path. The science data come from the extension named SCI, or
// the first image HDU with two or three axes; DQ, when present, marks every
// non-zero pixel bad.
func Load(path string, opts LoadOptions) (*Exposure, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	f, err := fitsio.Open(fh)
	if err != nil {
		return nil, fmt.Errorf("open fits %s: %w", path, err)
	}
	defer f.Close()

	hdus := f.HDUs()
	if len(hdus) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoImage)
	}
	sci := findImage(hdus, "SCI")
	if sci == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrNoImage)
	}

	data, shape, err := decodeImage(sci)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var dq []float64
	if !opts.IgnoreDQ {
		if d := findNamed(hdus, "DQ"); d != nil {
			dqData, dqShape, err := decodeImage(d)
			if err != nil {
				return nil, fmt.Errorf("%s: dq: %w", path, err)
			}
			if dqShape != shape {
				return nil, fmt.Errorf("%s: dq shape %v does not match science %v", path, dqShape, shape)
			}
			dq = dqData
		}
	}

	exp := &Exposure{
		Path:   path,
		Root:   strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Header: parseHeader(sci.Header(), hdus[0].Header()),
		HasDQ:  dq != nil,
	}
	exp.Slices, err = cut(data, dq, shape, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return exp, nil
}

// cubeShape is (slices, rows, cols).
type cubeShape [3]int

func cut(data, dq []float64, shape cubeShape, opts LoadOptions) ([]Slice, error) {
	trim := opts.TrimRows
	if trim < 0 {
		trim = DefaultTrimRows
	}
	nz, ny, nx := shape[0], shape[1], shape[2]
	if trim >= ny {
		return nil, fmt.Errorf("cannot trim %d rows from %d-row frames", trim, ny)
	}
	if opts.FirstFew > 0 && opts.FirstFew < nz {
		nz = opts.FirstFew
	}
	rows := ny - trim
	out := make([]Slice, 0, nz)
	for z := 0; z < nz; z++ {
		frame := data[z*ny*nx+trim*nx : (z+1)*ny*nx]
		img, err := model.ImageFrom(rows, nx, append([]float64(nil), frame...))
		if err != nil {
			return nil, err
		}
		bad := make([]bool, rows*nx)
		if dq != nil {
			for i, v := range dq[z*ny*nx+trim*nx : (z+1)*ny*nx] {
				bad[i] = v != 0
			}
		}
		pr, pc, peak := peakOf(img, bad)
		s := Slice{Index: z, Image: img, Bad: bad, PeakRow: pr, PeakCol: pc, Peak: peak}
		if opts.CropSize > 0 {
			if s, err = crop(s, opts.CropSize); err != nil {
				return nil, fmt.Errorf("slice %d: %w", z, err)
			}
		}
		out = append(out, s)
	}
	return out, nil
}

func peakOf(img model.Image, bad []bool) (int, int, float64) {
	best, br, bc := math.Inf(-1), -1, -1
	for i, v := range img.Pix {
		if bad[i] || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if v > best {
			best, br, bc = v, i/img.Cols, i%img.Cols
		}
	}
	if br < 0 {
		return -1, -1, math.NaN()
	}
	return br, bc, best
}

func crop(s Slice, size int) (Slice, error) {
	if s.PeakRow < 0 {
		return s, errors.New("no valid pixel to centre crop on")
	}
	if size > s.Image.Rows || size > s.Image.Cols {
		return s, fmt.Errorf("crop %d larger than %dx%d frame", size, s.Image.Rows, s.Image.Cols)
	}
	r0, c0 := s.Image.CropWindow(s.PeakRow, s.PeakCol, size)
	img, err := s.Image.Crop(r0, c0, size)
	if err != nil {
		return s, err
	}
	bad := make([]bool, size*size)
	for r := 0; r < size; r++ {
		copy(bad[r*size:(r+1)*size], s.Bad[(r0+r)*s.Image.Cols+c0:(r0+r)*s.Image.Cols+c0+size])
	}
	s.PeakRow -= r0
	s.PeakCol -= c0
	s.Image = img
	s.Bad = bad
	return s, nil
}

func findNamed(hdus []fitsio.HDU, name string) fitsio.HDU {
	for _, h := range hdus {
		if strings.EqualFold(strings.TrimSpace(h.Name()), name) {
			if _, ok := h.(fitsio.Image); ok {
				return h
			}
		}
	}
	return nil
}

func findImage(hdus []fitsio.HDU, name string) fitsio.HDU {
	if h := findNamed(hdus, name); h != nil {
		if n := len(h.Header().Axes()); n == 2 || n == 3 {
			return h
		}
	}
	for _, h := range hdus {
		if _, ok := h.(fitsio.Image); !ok {
			continue
		}
		if n := len(h.Header().Axes()); n == 2 || n == 3 {
			return h
		}
	}
	return nil
}

// decodeImage converts the big-endian payload of an image HDU to float64,
// applying BSCALE and BZERO.
func decodeImage(h fitsio.HDU) ([]float64, cubeShape, error) {
	img := h.(fitsio.Image)
	hdr := h.Header()
	axes := hdr.Axes()
	var shape cubeShape
	switch len(axes) {
	case 2:
		shape = cubeShape{1, axes[1], axes[0]}
	case 3:
		shape = cubeShape{axes[2], axes[1], axes[0]}
	default:
		return nil, shape, fmt.Errorf("%w: NAXIS=%d", ErrNoImage, len(axes))
	}
	n := shape[0] * shape[1] * shape[2]

	bitpix := hdr.Bitpix()
	width := abs(bitpix) / 8
	raw := img.Raw()
	if len(raw) < n*width {
		return nil, shape, fmt.Errorf("image payload %d bytes, want %d", len(raw), n*width)
	}

	cs := cards{hdr}
	scale := cs.floatOr("BSCALE", 1)
	zero := cs.floatOr("BZERO", 0)

	out := make([]float64, n)
	for i := range out {
		b := raw[i*width : (i+1)*width]
		var v float64
		switch bitpix {
		case 8:
			v = float64(b[0])
		case 16:
			v = float64(int16(binary.BigEndian.Uint16(b)))
		case 32:
			v = float64(int32(binary.BigEndian.Uint32(b)))
		case 64:
			v = float64(int64(binary.BigEndian.Uint64(b)))
		case -32:
			v = float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
		case -64:
			v = math.Float64frombits(binary.BigEndian.Uint64(b))
		default:
			return nil, shape, fmt.Errorf("unsupported BITPIX %d", bitpix)
		}
		out[i] = v*scale + zero
	}
	return out, shape, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
