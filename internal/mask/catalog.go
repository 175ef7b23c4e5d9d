package mask

import "amifit/internal/affine"

// HoleShape tags the aperture shape of every hole in a mask.
type HoleShape string

const (
	ShapeCircular  HoleShape = "circ"
	ShapeHexagonal HoleShape = "hex"
)

type catalogEntry struct {
	name         string
	shape        HoleShape
	holeDiameter float64 // metres; flat-to-flat for hexagonal holes
	labels       []string
	centers      []affine.Point
}

// NIRISS AMI non-redundant mask, as-designed hole centres in metres
// projected onto the primary mirror.
var jwstG7S6C = catalogEntry{
	name:         "jwst_g7s6c",
	shape:        ShapeHexagonal,
	holeDiameter: 0.82,
	labels:       []string{"B4", "C2", "B5", "B2", "C1", "B6", "C6"},
	centers: []affine.Point{
		{X: 0.00000000, Y: -2.64000000},
		{X: -2.28631000, Y: 0.00000000},
		{X: 2.28631000, Y: -1.32000000},
		{X: -2.28631000, Y: 1.32000000},
		{X: -1.14315000, Y: 1.98000000},
		{X: 2.28631000, Y: 1.32000000},
		{X: 1.14315000, Y: 1.98000000},
	},
}

var catalog = map[string]*catalogEntry{
	"jwst_g7s6c": &jwstG7S6C,
	"g7s6":       &jwstG7S6C,
}

// Catalog returns the canonical names of the supported masks.
func Catalog() []string {
	return []string{jwstG7S6C.name}
}
