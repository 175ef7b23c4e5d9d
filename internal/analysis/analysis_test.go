package analysis

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"amifit/internal/bandpass"
	"amifit/internal/config"
	"amifit/internal/exposure"
	"amifit/internal/fringe"
	"amifit/internal/instrument"
	"amifit/internal/model"
	"amifit/internal/observables"

	"github.com/stretchr/testify/require"
)

const size = 31

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func monoInstrument(t *testing.T) *instrument.Instrument {
	t.Helper()
	inst, err := instrument.New(instrument.Options{
		Bandpass:   []bandpass.Sample{{Weight: 1, Wavelength: 4.3e-6}},
		Oversample: 1,
		Envelope:   true,
	})
	require.NoError(t, err)
	return inst
}

// inject synthesizes fringes with known phases on the model of inst at off.
func inject(t *testing.T, inst *instrument.Instrument, off model.Offset) (model.Image, []float64, []float64) {
	t.Helper()
	b, err := model.BuildBasis(inst.ModelParams(size, size, off, 0))
	require.NoError(t, err)
	coeffs := make([]float64, b.Len())
	phases := make([]float64, b.NBaselines)
	amps := make([]float64, b.NBaselines)
	coeffs[0] = 2000
	for k := range phases {
		phases[k] = math.Sin(float64(3*k + 1))
		amps[k] = 0.4 + 0.01*float64(k)
		coeffs[model.CosIndex(k)] = coeffs[0] * amps[k] * math.Cos(phases[k])
		coeffs[model.SinIndex(k)] = coeffs[0] * amps[k] * math.Sin(phases[k])
	}
	img, err := b.Synthesize(coeffs)
	require.NoError(t, err)
	return img, phases, amps
}

func slice(i int, img model.Image) exposure.Slice {
	r, c, p := img.ArgMax()
	return exposure.Slice{Index: i, Image: img, Bad: make([]bool, img.Len()), PeakRow: r, PeakCol: c, Peak: p}
}

func TestAnalyzeRecoversInjectedFringes(t *testing.T) {
	inst := monoInstrument(t)
	truth := model.Offset{X: 0.25, Y: -0.25}
	img, phases, amps := inject(t, inst, truth)

	an, err := New(inst, Options{Radius: 0.25, Step: 0.25, SliceWorkers: 2, CandidateWorkers: 3, Logger: quietLogger(), JobID: "test"})
	require.NoError(t, err)
	require.Len(t, an.Candidates(), 9)

	dead := slice(2, img.Clone())
	for i := range dead.Bad {
		dead.Bad[i] = true
	}
	rep, err := an.AnalyzeSlices(context.Background(), []exposure.Slice{slice(0, img), slice(1, img.Clone()), dead})
	require.NoError(t, err)
	require.Equal(t, 2, rep.Fitted)
	require.Equal(t, 1, rep.Skipped)
	require.ErrorIs(t, rep.Slices[2].Err, fringe.ErrDegenerateFit)
	require.Nil(t, rep.Slices[2].Closure)
	require.Len(t, rep.Sets(), 2)

	for _, s := range rep.Slices[:2] {
		require.Equal(t, truth, s.Offset)
		require.Equal(t, size*size, s.NPixels)
		for k := range phases {
			require.InDelta(t, phases[k], s.Closure.FringePhases[k], 0.01*math.Abs(phases[k])+1e-9)
			require.InDelta(t, amps[k], s.Closure.FringeAmps[k], 0.01*amps[k])
		}
	}

	want := observables.ClosurePhases(phases, inst.Mask())
	sum := rep.Summary
	require.Equal(t, 2, sum.NSets)
	require.Equal(t, 35, sum.ClosurePhases.Len())
	for i := range want {
		require.InDelta(t, 0, observables.Wrap(sum.ClosurePhases.Mean[i]-want[i]), 1e-6)
		require.InDelta(t, 0, sum.ClosurePhases.Err[i], 1e-9)
	}
	for _, ca := range sum.ClosureAmplitudes.Mean {
		require.False(t, math.IsNaN(ca))
	}
}

func TestAnalyzeAllSkipped(t *testing.T) {
	inst := monoInstrument(t)
	an, err := New(inst, Options{Logger: quietLogger()})
	require.NoError(t, err)

	s := slice(0, model.NewImage(size, size))
	for i := range s.Bad {
		s.Bad[i] = true
	}
	rep, err := an.AnalyzeSlices(context.Background(), []exposure.Slice{s})
	require.ErrorIs(t, err, fringe.ErrDegenerateFit)
	require.NotNil(t, rep)
	require.Equal(t, 1, rep.Skipped)
	require.Nil(t, rep.Summary)
}

func TestAnalyzeCancelled(t *testing.T) {
	inst := monoInstrument(t)
	an, err := New(inst, Options{Logger: quietLogger()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = an.AnalyzeSlices(ctx, []exposure.Slice{slice(0, model.NewImage(size, size))})
	require.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestAnalyzeRejectsEmptyInput(t *testing.T) {
	an, err := New(monoInstrument(t), Options{})
	require.NoError(t, err)
	_, err = an.AnalyzeSlices(context.Background(), nil)
	require.Error(t, err)
	_, err = an.Analyze(context.Background(), nil)
	require.Error(t, err)
	_, err = New(nil, Options{})
	require.Error(t, err)
}

func TestInstrumentForPrefersConfig(t *testing.T) {
	h := exposure.Header{Filter: "F430M", PixelScaleXDeg: 1.8e-5, PixelScaleYDeg: 1.8e-5}

	inst, err := InstrumentFor(config.Analysis{Mask: "jwst_g7s6c", Oversample: 1}, h)
	require.NoError(t, err)
	require.Equal(t, "F430M", inst.Filter())
	require.InDelta(t, instrument.MasToRad(64.8), inst.PixelScale(), 1e-15)

	inst, err = InstrumentFor(config.Analysis{Filter: "F380M", PixelScaleMas: 65.6, Holes: []string{"B4", "C2", "B5"}}, h)
	require.NoError(t, err)
	require.Equal(t, "F380M", inst.Filter())
	require.InDelta(t, instrument.MasToRad(65.6), inst.PixelScale(), 1e-15)
	require.Equal(t, 3, inst.Mask().NHoles())
}

func TestInstrumentForBandpassAndAffine(t *testing.T) {
	h := exposure.Header{Filter: "F480M", PixelScaleXDeg: 1.8e-5, PixelScaleYDeg: 1.8e-5}
	a := config.Analysis{
		Oversample: 1,
		Bandpass:   []bandpass.Sample{{Weight: 1, Wavelength: 4.3e-6}},
		Affine:     &config.Affine{MX: 1.01, MY: 0.99, SX: 0.02},
	}
	inst, err := InstrumentFor(a, h)
	require.NoError(t, err)
	require.Equal(t, 1, inst.Bandpass().Len())
	require.Equal(t, 4.3e-6, inst.Bandpass().Central())
	base := inst.Affine()
	require.Equal(t, 1.01, base.MX)
	require.Equal(t, 0.99, base.MY)
	require.Equal(t, 0.02, base.SX)

	// without overrides the header filter's top hat and identity are used
	inst, err = InstrumentFor(config.Analysis{Oversample: 1}, h)
	require.NoError(t, err)
	require.Greater(t, inst.Bandpass().Len(), 1)
	require.True(t, inst.Affine().IsIdentity())

	_, err = InstrumentFor(config.Analysis{Bandpass: []bandpass.Sample{{Weight: 0, Wavelength: 4e-6}}}, h)
	require.ErrorIs(t, err, bandpass.ErrInvalidBandpass)
}

func TestLoadOptionsFor(t *testing.T) {
	opts := LoadOptionsFor(config.Analysis{TrimRows: 4, FirstFew: 2, CropSize: 21, IgnoreDQ: true})
	require.Equal(t, exposure.LoadOptions{TrimRows: 4, FirstFew: 2, CropSize: 21, IgnoreDQ: true}, opts)
}

func TestFitFileEndToEnd(t *testing.T) {
	cfg := config.Default()
	cfg.Analysis.Filter = "F480M"
	cfg.Analysis.PixelScaleMas = 65.6
	cfg.Analysis.Oversample = 1
	cfg.Search.Radius = 0
	cfg.Processing.SliceWorkers = 2

	inst, err := InstrumentFor(cfg.Analysis, exposure.Header{})
	require.NoError(t, err)
	img, phases, _ := inject(t, inst, model.Offset{})

	path := filepath.Join(t.TempDir(), "synthetic_calints.fits")
	writeCube(t, path, img, 2, exposure.DefaultTrimRows)

	exp, rep, err := FitFile(context.Background(), path, cfg, quietLogger(), "fit-e2e")
	require.NoError(t, err)
	require.Equal(t, "synthetic_calints", exp.Root)
	require.Len(t, exp.Slices, 2)
	require.Equal(t, 2, rep.Fitted)

	want := observables.ClosurePhases(phases, inst.Mask())
	for i := range want {
		require.InDelta(t, 0, observables.Wrap(rep.Summary.ClosurePhases.Mean[i]-want[i]), 1e-6)
	}
}

// writeCube stores n copies of img as a BITPIX -64 cube, with trim rows of
// zeros before each frame.
func writeCube(t *testing.T, path string, img model.Image, n, trim int) {
	t.Helper()
	var buf bytes.Buffer
	cards := []string{
		"SIMPLE  =                    T",
		"BITPIX  =                  -64",
		"NAXIS   =                    3",
		fmt.Sprintf("NAXIS1  = %20d", img.Cols),
		fmt.Sprintf("NAXIS2  = %20d", img.Rows+trim),
		fmt.Sprintf("NAXIS3  = %20d", n),
		"FILTER  = 'F480M   '",
		"END",
	}
	for _, c := range cards {
		buf.WriteString(fmt.Sprintf("%-80s", c))
	}
	for buf.Len()%2880 != 0 {
		buf.WriteByte(' ')
	}
	start := buf.Len()
	for z := 0; z < n; z++ {
		for i := 0; i < trim*img.Cols; i++ {
			binary.Write(&buf, binary.BigEndian, 0.0)
		}
		for _, v := range img.Pix {
			binary.Write(&buf, binary.BigEndian, v)
		}
	}
	for (buf.Len()-start)%2880 != 0 {
		buf.WriteByte(0)
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}
