package exposure

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

const block = 2880

type kv struct {
	key   string
	value any
}

func card(key string, value any) string {
	var s string
	switch v := value.(type) {
	case string:
		s = fmt.Sprintf("%-8s= '%-8s'", key, v)
	case bool:
		b := "F"
		if v {
			b = "T"
		}
		s = fmt.Sprintf("%-8s= %20s", key, b)
	case int:
		s = fmt.Sprintf("%-8s= %20d", key, v)
	case float64:
		s = fmt.Sprintf("%-8s= %20s", key, strconv.FormatFloat(v, 'E', -1, 64))
	default:
		panic(fmt.Sprintf("unsupported card value %T", value))
	}
	return fmt.Sprintf("%-80s", s)
}

// writeHDU appends one header and data unit. data is encoded per bitpix.
func writeHDU(buf *bytes.Buffer, cards []kv, bitpix int, data []float64) {
	start := buf.Len()
	for _, c := range cards {
		buf.WriteString(card(c.key, c.value))
	}
	buf.WriteString(fmt.Sprintf("%-80s", "END"))
	for (buf.Len()-start)%block != 0 {
		buf.WriteByte(' ')
	}
	if len(data) == 0 {
		return
	}
	start = buf.Len()
	for _, v := range data {
		switch bitpix {
		case -64:
			binary.Write(buf, binary.BigEndian, v)
		case -32:
			binary.Write(buf, binary.BigEndian, float32(v))
		case 32:
			binary.Write(buf, binary.BigEndian, int32(v))
		case 16:
			binary.Write(buf, binary.BigEndian, int16(v))
		}
	}
	for (buf.Len()-start)%block != 0 {
		buf.WriteByte(0)
	}
}

func primaryCards(extra ...kv) []kv {
	cards := []kv{
		{"SIMPLE", true},
		{"BITPIX", 8},
		{"NAXIS", 0},
		{"EXTEND", true},
	}
	return append(cards, extra...)
}

func imageCards(bitpix int, name string, axes []int, extra ...kv) []kv {
	cards := []kv{
		{"XTENSION", "IMAGE"},
		{"BITPIX", bitpix},
		{"NAXIS", len(axes)},
	}
	for i, n := range axes {
		cards = append(cards, kv{fmt.Sprintf("NAXIS%d", i+1), n})
	}
	cards = append(cards, kv{"PCOUNT", 0}, kv{"GCOUNT", 1}, kv{"EXTNAME", name})
	return append(cards, extra...)
}

const (
	nz, ny, nx = 2, 8, 6
)

// pixel returns the value written at slice z, file row r, column c.
func pixel(z, r, c int) float64 { return float64(z*1000 + r*10 + c) }

func writeCube(t *testing.T, withDQ bool) string {
	t.Helper()
	var buf bytes.Buffer
	writeHDU(&buf, primaryCards(
		kv{"INSTRUME", "NIRISS"},
		kv{"PUPIL", "NRM"},
		kv{"FILTER", "f480m"},
		kv{"TARGNAME", "AB-Dor"},
		kv{"TARG_RA", 82.18},
		kv{"TARG_DEC", -65.45},
		kv{"DATE-OBS", "2022-06-01"},
		kv{"TIME-OBS", "12:30:00"},
	), 8, nil)

	sci := make([]float64, 0, nz*ny*nx)
	for z := 0; z < nz; z++ {
		for r := 0; r < ny; r++ {
			for c := 0; c < nx; c++ {
				sci = append(sci, pixel(z, r, c))
			}
		}
	}
	writeHDU(&buf, imageCards(-64, "SCI", []int{nx, ny, nz},
		kv{"PA_V3", 123.5},
		kv{"VPARITY", -1},
		kv{"V3I_YANG", -0.57},
		kv{"CD1_1", -1.8e-5},
		kv{"CD1_2", 0.0},
		kv{"CD2_1", 0.0},
		kv{"CD2_2", 1.8e-5},
	), -64, sci)

	if withDQ {
		dq := make([]float64, nz*ny*nx)
		dq[0*ny*nx+7*nx+5] = 1   // slice 0 peak
		dq[1*ny*nx+5*nx+0] = 512 // slice 1, image row 1
		dq[0*ny*nx+1*nx+1] = 4   // trimmed away
		writeHDU(&buf, imageCards(32, "DQ", []int{nx, ny, nz}), 32, dq)
	}

	path := filepath.Join(t.TempDir(), "jw_test_calints.fits")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestLoadCubeWithDQ(t *testing.T) {
	path := writeCube(t, true)
	exp, err := Load(path, LoadOptions{TrimRows: -1})
	require.NoError(t, err)

	require.Equal(t, "jw_test_calints", exp.Root)
	require.True(t, exp.HasDQ)
	require.Len(t, exp.Slices, 2)

	s0 := exp.Slices[0]
	require.Equal(t, ny-DefaultTrimRows, s0.Image.Rows)
	require.Equal(t, nx, s0.Image.Cols)
	// image row 0 is file row 4
	require.Equal(t, pixel(0, 4, 0), s0.Image.At(0, 0))
	require.Equal(t, pixel(1, 7, 5), exp.Slices[1].Image.At(3, 5))

	require.Equal(t, 1, s0.NBad())
	require.True(t, s0.Bad[3*nx+5])
	// the flagged peak is skipped
	require.Equal(t, 3, s0.PeakRow)
	require.Equal(t, 4, s0.PeakCol)
	require.Equal(t, pixel(0, 7, 4), s0.Peak)

	s1 := exp.Slices[1]
	require.Equal(t, 1, s1.NBad())
	require.True(t, s1.Bad[1*nx+0])
	require.Equal(t, 3, s1.PeakRow)
	require.Equal(t, 5, s1.PeakCol)
}

func TestLoadHeader(t *testing.T) {
	exp, err := Load(writeCube(t, false), LoadOptions{})
	require.NoError(t, err)
	h := exp.Header
	require.Equal(t, "NIRISS", h.Instrument)
	require.Equal(t, "NRM", h.Pupil)
	require.Equal(t, "F480M", h.Filter)
	require.Equal(t, "AB Dor", h.Target)
	require.Equal(t, "2022-06-01T12:30:00", h.Date)
	require.InDelta(t, 82.18, h.RA, 1e-12)
	require.InDelta(t, 123.5, h.PAV3, 1e-12)
	require.Equal(t, -1, h.VParity)
	require.InDelta(t, -0.57, h.V3IYang, 1e-12)
	require.InDelta(t, 1.8e-5*3600*1000, h.PixelScaleMas(), 1e-9)
}

func TestLoadOptions(t *testing.T) {
	path := writeCube(t, true)

	exp, err := Load(path, LoadOptions{TrimRows: 0, FirstFew: 1, IgnoreDQ: true})
	require.NoError(t, err)
	require.False(t, exp.HasDQ)
	require.Len(t, exp.Slices, 1)
	require.Equal(t, ny, exp.Slices[0].Image.Rows)
	require.Equal(t, 0, exp.Slices[0].NBad())

	exp, err = Load(path, LoadOptions{TrimRows: -1, CropSize: 3})
	require.NoError(t, err)
	s := exp.Slices[1]
	require.Equal(t, 3, s.Image.Rows)
	require.Equal(t, 3, s.Image.Cols)
	// peak at (3, 5) of a 4x6 frame: window clamped to top-left (1, 3)
	require.Equal(t, 2, s.PeakRow)
	require.Equal(t, 2, s.PeakCol)
	require.Equal(t, pixel(1, 5, 3), s.Image.At(0, 0))
	require.Len(t, s.Bad, 9)

	if _, err := Load(path, LoadOptions{CropSize: 7}); err == nil {
		t.Fatalf("expected crop larger than frame to fail")
	}
	if _, err := Load(path, LoadOptions{TrimRows: ny}); err == nil {
		t.Fatalf("expected trimming every row to fail")
	}
}

func TestLoadScaledIntegerImage(t *testing.T) {
	var buf bytes.Buffer
	writeHDU(&buf, []kv{
		{"SIMPLE", true},
		{"BITPIX", 16},
		{"NAXIS", 2},
		{"NAXIS1", 3},
		{"NAXIS2", 6},
		{"BSCALE", 2.0},
		{"BZERO", 10.0},
		{"TARGNAME", "UNKNOWN"},
		{"TARGPROP", "HD-37093"},
		{"CDELT1", -1.9e-5},
		{"CDELT2", 1.9e-5},
	}, 16, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, -1, -2, -3, 100, 0, 0, 0, 0, 0})
	path := filepath.Join(t.TempDir(), "scaled.fits")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	exp, err := Load(path, LoadOptions{TrimRows: 2})
	require.NoError(t, err)
	require.Len(t, exp.Slices, 1)
	img := exp.Slices[0].Image
	require.Equal(t, 4, img.Rows)
	require.Equal(t, 2*6.0+10, img.At(0, 0))
	require.Equal(t, 2*-3.0+10, img.At(1, 2))
	require.Equal(t, 210.0, exp.Slices[0].Peak)
	require.Equal(t, "HD 37093", exp.Header.Target)
	require.InDelta(t, 1.9e-5*3600*1000, exp.Header.PixelScaleMas(), 1e-9)
}

func TestLoadWithoutImage(t *testing.T) {
	var buf bytes.Buffer
	writeHDU(&buf, primaryCards(), 8, nil)
	path := filepath.Join(t.TempDir(), "empty.fits")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	_, err := Load(path, LoadOptions{})
	if !errors.Is(err, ErrNoImage) {
		t.Fatalf("expected ErrNoImage, got %v", err)
	}
	_, err = Load(filepath.Join(t.TempDir(), "missing.fits"), LoadOptions{})
	require.Error(t, err)
}

func TestDefaultPixelScale(t *testing.T) {
	x, y := degreesPerPixel(cards{})
	require.Equal(t, DefaultPixelScaleDeg, x)
	require.Equal(t, DefaultPixelScaleDeg, y)
	require.InDelta(t, 65.6, Header{PixelScaleXDeg: x, PixelScaleYDeg: y}.PixelScaleMas(), 1e-9)
	require.False(t, math.IsNaN(x))
}
