package observables

import (
	"encoding/json"
	"math"
)

// Floats encodes NaN and infinities as JSON null, and decodes null back to
// NaN.
type Floats []float64

func (f Floats) MarshalJSON() ([]byte, error) {
	if f == nil {
		return []byte("null"), nil
	}
	out := make([]*float64, len(f))
	for i := range f {
		if isFinite(f[i]) {
			out[i] = &f[i]
		}
	}
	return json.Marshal(out)
}

func (f *Floats) UnmarshalJSON(b []byte) error {
	var in []*float64
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	if in == nil {
		*f = nil
		return nil
	}
	out := make(Floats, len(in))
	for i, v := range in {
		if v == nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = *v
	}
	*f = out
	return nil
}

type closureSetJSON struct {
	closureSetAlias
	PhaseVar *float64 `json:"closure_phase_variance"`
	AmpVar   *float64 `json:"closure_amplitude_variance"`
}

type closureSetAlias ClosureSet

func (c ClosureSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(closureSetJSON{
		closureSetAlias: closureSetAlias(c),
		PhaseVar:        finitePtr(c.PhaseVar),
		AmpVar:          finitePtr(c.AmpVar),
	})
}

func (c *ClosureSet) UnmarshalJSON(b []byte) error {
	var in closureSetJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*c = ClosureSet(in.closureSetAlias)
	c.PhaseVar = valueOrNaN(in.PhaseVar)
	c.AmpVar = valueOrNaN(in.AmpVar)
	return nil
}

func finitePtr(v float64) *float64 {
	if !isFinite(v) {
		return nil
	}
	return &v
}

func valueOrNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}
