package bandpass

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDerivesCentralAndWidth(t *testing.T) {
	ws, err := New([]Sample{
		{Weight: 1, Wavelength: 4.0e-6},
		{Weight: 1, Wavelength: 4.2e-6},
		{Weight: 2, Wavelength: 4.4e-6},
	})
	require.NoError(t, err)
	require.InDelta(t, (4.0e-6+4.2e-6+2*4.4e-6)/4, ws.Central(), 1e-18)

	// trapezoid area = 0.2e-6*1 + 0.2e-6*1.5 = 0.5e-6, peak 2
	require.InDelta(t, 0.5e-6/2/ws.Central(), ws.FractionalWidth(), 1e-12)
}

func TestMonochromatic(t *testing.T) {
	ws, err := Monochromatic(4.3e-6)
	require.NoError(t, err)
	require.Equal(t, 1, ws.Len())
	require.Equal(t, 4.3e-6, ws.Central())
	require.Equal(t, 0.0, ws.FractionalWidth())
}

func TestTopHat(t *testing.T) {
	ws, err := TopHat(4.8e-6, 0.08, 11)
	require.NoError(t, err)
	require.Equal(t, 11, ws.Len())
	s := ws.Samples()
	require.InDelta(t, 4.8e-6*0.96, s[0].Wavelength, 1e-18)
	require.InDelta(t, 4.8e-6*1.04, s[10].Wavelength, 1e-18)
	require.InDelta(t, 4.8e-6, ws.Central(), 1e-18)
	require.InDelta(t, 0.08, ws.FractionalWidth(), 1e-12)

	one, err := TopHat(4.8e-6, 0.08, 1)
	require.NoError(t, err)
	require.Equal(t, 1, one.Len())

	if _, err := TopHat(4.8e-6, 0.08, 0); !errors.Is(err, ErrInvalidBandpass) {
		t.Fatalf("expected ErrInvalidBandpass, got %v", err)
	}
}

func TestFilterTopHatUsesBins(t *testing.T) {
	for _, name := range Filters() {
		f, err := LookupFilter(name)
		require.NoError(t, err)
		ws, err := f.TopHat()
		require.NoError(t, err)
		require.Equal(t, f.Bins, ws.Len(), name)
		require.InDelta(t, f.Central, ws.Central(), 1e-15)
	}

	ws, err := Filter{Central: 4e-6, FracWidth: 0.1}.TopHat()
	require.NoError(t, err)
	require.Equal(t, DefaultBins, ws.Len())
}

func TestNormalizedSumsToOne(t *testing.T) {
	ws, err := New([]Sample{{Weight: 3, Wavelength: 1e-6}, {Weight: 1, Wavelength: 2e-6}})
	require.NoError(t, err)
	n := ws.Normalized()
	require.InDelta(t, 0.75, n[0].Weight, 1e-15)
	require.InDelta(t, 0.25, n[1].Weight, 1e-15)
	// the set itself is untouched
	require.Equal(t, 3.0, ws.Samples()[0].Weight)
}

func TestNewRejectsInvalidSamples(t *testing.T) {
	cases := map[string][]Sample{
		"empty":            nil,
		"zero wavelength":  {{Weight: 1, Wavelength: 0}},
		"negative weight":  {{Weight: -1, Wavelength: 1e-6}},
		"nan weight":       {{Weight: math.NaN(), Wavelength: 1e-6}},
		"inf wavelength":   {{Weight: 1, Wavelength: math.Inf(1)}},
		"all zero weights": {{Weight: 0, Wavelength: 1e-6}, {Weight: 0, Wavelength: 2e-6}},
	}
	for name, samples := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := New(samples); !errors.Is(err, ErrInvalidBandpass) {
				t.Fatalf("expected ErrInvalidBandpass, got %v", err)
			}
		})
	}
}

func TestLookupFilter(t *testing.T) {
	f, err := LookupFilter(" f480m ")
	require.NoError(t, err)
	require.Equal(t, "F480M", f.Name)

	if _, err := LookupFilter("F999X"); !errors.Is(err, ErrUnknownFilter) {
		t.Fatalf("expected ErrUnknownFilter, got %v", err)
	}
	require.Equal(t, []string{"F277W", "F380M", "F430M", "F480M"}, Filters())
}
