// Package mask models non-redundant aperture mask geometry and the
// deterministic baseline, triple and quad orderings every downstream
// observable array is indexed by.
package mask

import (
	"errors"
	"fmt"
	"iter"
	"strings"

	"amifit/internal/affine"
)

var (
	ErrUnknownMask          = errors.New("unknown mask")
	ErrInvalidHoleSelection = errors.New("invalid hole selection")
)

// Pair is a baseline between holes I < J.
type Pair struct {
	I, J int
}

// Triple indexes a closure triangle, I < J < K.
type Triple struct {
	I, J, K int
}

// Quad indexes a closure quadrilateral, I < J < K < L.
type Quad struct {
	I, J, K, L int
}

// Geometry is an immutable hole layout. Hole indices follow catalog order
// restricted to the selected subset.
type Geometry struct {
	name         string
	shape        HoleShape
	holeDiameter float64
	labels       []string
	centers      []affine.Point
}

// Build looks up name in the mask catalog and optionally restricts it to
// the holes with the given labels. Selected holes keep catalog order.
func Build(name string, holes ...string) (*Geometry, error) {
	entry, ok := catalog[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMask, name)
	}

	g := &Geometry{
		name:         entry.name,
		shape:        entry.shape,
		holeDiameter: entry.holeDiameter,
	}
	if len(holes) == 0 {
		g.labels = append([]string(nil), entry.labels...)
		g.centers = append([]affine.Point(nil), entry.centers...)
		return g, nil
	}

	want := make(map[string]bool, len(holes))
	for _, h := range holes {
		key := strings.ToUpper(strings.TrimSpace(h))
		if want[key] {
			return nil, fmt.Errorf("%w: hole %q selected twice", ErrInvalidHoleSelection, h)
		}
		want[key] = true
	}
	for i, label := range entry.labels {
		if want[label] {
			g.labels = append(g.labels, label)
			g.centers = append(g.centers, entry.centers[i])
			delete(want, label)
		}
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for _, h := range holes {
			if want[strings.ToUpper(strings.TrimSpace(h))] {
				missing = append(missing, h)
			}
		}
		return nil, fmt.Errorf("%w: %v not in mask %s", ErrInvalidHoleSelection, missing, entry.name)
	}
	if len(g.labels) < 3 {
		return nil, fmt.Errorf("%w: need at least 3 holes, got %d", ErrInvalidHoleSelection, len(g.labels))
	}
	return g, nil
}

func (g *Geometry) Name() string            { return g.name }
func (g *Geometry) Shape() HoleShape        { return g.shape }
func (g *Geometry) HoleDiameter() float64   { return g.holeDiameter }
func (g *Geometry) NHoles() int             { return len(g.centers) }
func (g *Geometry) Labels() []string        { return append([]string(nil), g.labels...) }
func (g *Geometry) Centers() []affine.Point { return append([]affine.Point(nil), g.centers...) }

// Key identifies the mask and hole selection. Two geometries with the same
// key produce identically ordered observables.
func (g *Geometry) Key() string {
	return g.name + "[" + strings.Join(g.labels, ",") + "]"
}

func (g *Geometry) NBaselines() int { n := g.NHoles(); return n * (n - 1) / 2 }
func (g *Geometry) NTriples() int   { return choose(g.NHoles(), 3) }
func (g *Geometry) NQuads() int     { return choose(g.NHoles(), 4) }

// Baselines yields hole pairs (i, j), i < j, in lexicographic order. The
// sequence can be ranged over any number of times.
func (g *Geometry) Baselines() iter.Seq[Pair] {
	n := g.NHoles()
	return func(yield func(Pair) bool) {
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				if !yield(Pair{I: i, J: j}) {
					return
				}
			}
		}
	}
}

// BaselineList materialises Baselines.
func (g *Geometry) BaselineList() []Pair {
	out := make([]Pair, 0, g.NBaselines())
	for p := range g.Baselines() {
		out = append(out, p)
	}
	return out
}

// BaselineIndex returns the position of pair (i, j) in the baseline ordering.
// Order of the arguments does not matter.
func (g *Geometry) BaselineIndex(i, j int) int {
	if i > j {
		i, j = j, i
	}
	n := g.NHoles()
	if i < 0 || j >= n || i == j {
		return -1
	}
	return i*(2*n-i-1)/2 + (j - i - 1)
}

// BaselineVectors returns r_j - r_i for every baseline, after applying aff
// to the hole centres. A nil aff leaves the centres untouched.
func (g *Geometry) BaselineVectors(aff *affine.Affine2d) []affine.Point {
	ctrs := g.centers
	if aff != nil {
		ctrs = aff.ApplyAll(ctrs)
	}
	out := make([]affine.Point, 0, g.NBaselines())
	for p := range g.Baselines() {
		out = append(out, affine.Point{
			X: ctrs[p.J].X - ctrs[p.I].X,
			Y: ctrs[p.J].Y - ctrs[p.I].Y,
		})
	}
	return out
}

// Triples returns all 3-subsets of hole indices in lexicographic order.
func (g *Geometry) Triples() []Triple {
	n := g.NHoles()
	out := make([]Triple, 0, g.NTriples())
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			for k := j + 1; k < n; k++ {
				out = append(out, Triple{I: i, J: j, K: k})
			}
		}
	}
	return out
}

// Quads returns all 4-subsets of hole indices in lexicographic order.
func (g *Geometry) Quads() []Quad {
	n := g.NHoles()
	out := make([]Quad, 0, g.NQuads())
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			for k := j + 1; k < n; k++ {
				for l := k + 1; l < n; l++ {
					out = append(out, Quad{I: i, J: j, K: k, L: l})
				}
			}
		}
	}
	return out
}

func choose(n, k int) int {
	if k < 0 || n < k {
		return 0
	}
	r := 1
	for i := 1; i <= k; i++ {
		r = r * (n - k + i) / i
	}
	return r
}
