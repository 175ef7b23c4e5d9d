// Package bandpass holds discretised filter throughput as ordered
// (weight, wavelength) samples.
package bandpass

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

var (
	ErrInvalidBandpass = errors.New("invalid bandpass")
	ErrUnknownFilter   = errors.New("unknown filter")
)

// Sample is one throughput weight at a wavelength in metres.
type Sample struct {
	Weight     float64 `json:"weight"`
	Wavelength float64 `json:"wavelength"`
}

// WavelengthSet is a read-only discretised bandpass.
type WavelengthSet struct {
	samples   []Sample
	central   float64
	fracWidth float64
}

// New validates samples and derives the central wavelength and fractional
// bandwidth.
func New(samples []Sample) (*WavelengthSet, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrInvalidBandpass)
	}
	var wsum, wlsum, wmax float64
	for i, s := range samples {
		if !(s.Wavelength > 0) || math.IsInf(s.Wavelength, 0) {
			return nil, fmt.Errorf("%w: sample %d wavelength %g", ErrInvalidBandpass, i, s.Wavelength)
		}
		if s.Weight < 0 || math.IsNaN(s.Weight) || math.IsInf(s.Weight, 0) {
			return nil, fmt.Errorf("%w: sample %d weight %g", ErrInvalidBandpass, i, s.Weight)
		}
		wsum += s.Weight
		wlsum += s.Weight * s.Wavelength
		wmax = math.Max(wmax, s.Weight)
	}
	if wsum <= 0 {
		return nil, fmt.Errorf("%w: weights sum to %g", ErrInvalidBandpass, wsum)
	}

	ws := &WavelengthSet{
		samples: append([]Sample(nil), samples...),
		central: wlsum / wsum,
	}
	// equivalent width over peak throughput, as a fraction of the centre
	area := 0.0
	for i := 1; i < len(samples); i++ {
		area += 0.5 * (samples[i].Weight + samples[i-1].Weight) * (samples[i].Wavelength - samples[i-1].Wavelength)
	}
	ws.fracWidth = math.Abs(area) / wmax / ws.central
	return ws, nil
}

// Monochromatic returns a single-wavelength bandpass.
func Monochromatic(wavelength float64) (*WavelengthSet, error) {
	return New([]Sample{{Weight: 1, Wavelength: wavelength}})
}

// TopHat returns n equally weighted samples spanning center*(1 ± fracWidth/2).
func TopHat(center, fracWidth float64, n int) (*WavelengthSet, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: top hat needs at least one sample", ErrInvalidBandpass)
	}
	if n == 1 {
		return Monochromatic(center)
	}
	lo := center * (1 - fracWidth/2)
	hi := center * (1 + fracWidth/2)
	samples := make([]Sample, n)
	for i := range samples {
		samples[i] = Sample{
			Weight:     1,
			Wavelength: lo + (hi-lo)*float64(i)/float64(n-1),
		}
	}
	return New(samples)
}

// Samples returns a copy of the samples.
func (w *WavelengthSet) Samples() []Sample { return append([]Sample(nil), w.samples...) }

// Len is the number of samples.
func (w *WavelengthSet) Len() int { return len(w.samples) }

// Central is the weight-averaged wavelength in metres.
func (w *WavelengthSet) Central() float64 { return w.central }

// FractionalWidth is the equivalent width divided by the central wavelength.
func (w *WavelengthSet) FractionalWidth() float64 { return w.fracWidth }

// Normalized returns the samples with weights rescaled to sum to one.
func (w *WavelengthSet) Normalized() []Sample {
	var sum float64
	for _, s := range w.samples {
		sum += s.Weight
	}
	out := make([]Sample, len(w.samples))
	for i, s := range w.samples {
		out[i] = Sample{Weight: s.Weight / sum, Wavelength: s.Wavelength}
	}
	return out
}

// Filter describes a nominal instrument filter.
type Filter struct {
	Name      string
	Central   float64 // metres
	FracWidth float64
	Bins      int // spectral bins used when sampling the throughput curve
}

var nirissFilters = map[string]Filter{
	"F277W": {Name: "F277W", Central: 2.77e-6, FracWidth: 0.2, Bins: 50},
	"F380M": {Name: "F380M", Central: 3.8e-6, FracWidth: 0.1, Bins: 20},
	"F430M": {Name: "F430M", Central: 4.28521033106325e-6, FracWidth: 0.0436, Bins: 40},
	"F480M": {Name: "F480M", Central: 4.8e-6, FracWidth: 0.08, Bins: 30},
}

// Filters lists the known filter names in sorted order.
func Filters() []string {
	names := make([]string, 0, len(nirissFilters))
	for name := range nirissFilters {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// LookupFilter returns the nominal parameters of a NIRISS filter.
func LookupFilter(name string) (Filter, error) {
	f, ok := nirissFilters[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return Filter{}, fmt.Errorf("%w: %q", ErrUnknownFilter, name)
	}
	return f, nil
}

// DefaultBins is the top-hat sample count for a filter without Bins.
const DefaultBins = 11

// TopHat samples the filter as a top hat with one point per spectral bin.
func (f Filter) TopHat() (*WavelengthSet, error) {
	n := f.Bins
	if n < 1 {
		n = DefaultBins
	}
	return TopHat(f.Central, f.FracWidth, n)
}
