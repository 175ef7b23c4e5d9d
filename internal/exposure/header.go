package exposure

import (
	"math"
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"
)

// DefaultPixelScaleDeg is used when a header carries neither a CD matrix
// nor CDELT keywords.
const DefaultPixelScaleDeg = 65.6 / (60.0 * 60.0 * 1000)

// Header is the subset of primary and science header keywords the fit and
// its metadata need.
type Header struct {
	Instrument string  `json:"instrument"`
	Pupil      string  `json:"pupil"`
	Filter     string  `json:"filter"`
	Target     string  `json:"target"`
	RA         float64 `json:"ra"`
	Dec        float64 `json:"dec"`
	Date       string  `json:"date"`
	PAV3       float64 `json:"pa_v3"`
	RollRef    float64 `json:"roll_ref"`
	VParity    int     `json:"vparity"`
	V3IYang    float64 `json:"v3i_yang"`

	PixelScaleXDeg float64 `json:"pscalex_deg"`
	PixelScaleYDeg float64 `json:"pscaley_deg"`
}

// PixelScaleMas is the isotropic pixel scale: the mean of both axes.
func (h Header) PixelScaleMas() float64 {
	return 0.5 * (h.PixelScaleXDeg + h.PixelScaleYDeg) * 3600 * 1000
}

// cards looks keywords up in the science header first, then the primary.
type cards []*fitsio.Header

func (cs cards) value(key string) (any, bool) {
	for _, h := range cs {
		if h == nil {
			continue
		}
		if c := h.Get(key); c != nil {
			return c.Value, true
		}
	}
	return nil, false
}

func (cs cards) str(key string) string {
	v, ok := cs.value(key)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	default:
		f, ok := toFloat(v)
		if ok {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
		return ""
	}
}

func (cs cards) float(key string) (float64, bool) {
	v, ok := cs.value(key)
	if !ok {
		return math.NaN(), false
	}
	return toFloat(v)
}

func (cs cards) floatOr(key string, def float64) float64 {
	if f, ok := cs.float(key); ok {
		return f
	}
	return def
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint8:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return math.NaN(), false
}

func parseHeader(sci, primary *fitsio.Header) Header {
	cs := cards{sci, primary}
	h := Header{
		Instrument: cs.str("INSTRUME"),
		Pupil:      cs.str("PUPIL"),
		Filter:     strings.ToUpper(cs.str("FILTER")),
		RA:         cs.floatOr("TARG_RA", 0),
		Dec:        cs.floatOr("TARG_DEC", 0),
		PAV3:       cs.floatOr("PA_V3", 0),
		RollRef:    cs.floatOr("ROLL_REF", 0),
		V3IYang:    cs.floatOr("V3I_YANG", 0),
		VParity:    int(cs.floatOr("VPARITY", -1)),
	}

	h.Target = cs.str("TARGNAME")
	if h.Target == "" || strings.EqualFold(h.Target, "UNKNOWN") {
		if p := cs.str("TARGPROP"); p != "" {
			h.Target = p
		}
	}
	h.Target = strings.ReplaceAll(h.Target, "-", " ")

	h.Date = cs.str("DATE-OBS")
	if t := cs.str("TIME-OBS"); h.Date != "" && t != "" {
		h.Date += "T" + t
	}

	h.PixelScaleXDeg, h.PixelScaleYDeg = degreesPerPixel(cs)
	return h
}

// degreesPerPixel takes the column norms of the CD matrix, falling back to
// CDELT1/2 and then to the nominal NIRISS scale.
func degreesPerPixel(cs cards) (float64, float64) {
	cd11, ok11 := cs.float("CD1_1")
	cd12, ok12 := cs.float("CD1_2")
	cd21, ok21 := cs.float("CD2_1")
	cd22, ok22 := cs.float("CD2_2")
	if ok11 && ok12 && ok21 && ok22 {
		return math.Hypot(cd11, cd21), math.Hypot(cd12, cd22)
	}
	c1, ok1 := cs.float("CDELT1")
	c2, ok2 := cs.float("CDELT2")
	if ok1 && ok2 {
		return math.Abs(c1), math.Abs(c2)
	}
	return DefaultPixelScaleDeg, DefaultPixelScaleDeg
}
