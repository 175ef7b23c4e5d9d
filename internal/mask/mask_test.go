package mask

import (
	"errors"
	"testing"

	"amifit/internal/affine"

	"github.com/stretchr/testify/require"
)

func TestBuildFullMask(t *testing.T) {
	g, err := Build("JWST_G7S6C")
	require.NoError(t, err)
	if g.NHoles() != 7 || g.NBaselines() != 21 || g.NTriples() != 35 || g.NQuads() != 35 {
		t.Fatalf("unexpected counts: holes=%d baselines=%d triples=%d quads=%d", g.NHoles(), g.NBaselines(), g.NTriples(), g.NQuads())
	}
	if g.Shape() != ShapeHexagonal {
		t.Fatalf("unexpected shape %s", g.Shape())
	}
	if g.Key() != "jwst_g7s6c[B4,C2,B5,B2,C1,B6,C6]" {
		t.Fatalf("unexpected key %q", g.Key())
	}
}

func TestBuildSubsetKeepsCatalogOrder(t *testing.T) {
	g, err := Build("g7s6", "c6", "B4", "B2")
	require.NoError(t, err)
	require.Equal(t, []string{"B4", "B2", "C6"}, g.Labels())
	require.Equal(t, 3, g.NBaselines())
	require.Equal(t, 1, g.NTriples())
	require.Equal(t, 0, g.NQuads())
}

func TestBuildErrors(t *testing.T) {
	cases := []struct {
		name  string
		mask  string
		holes []string
		want  error
	}{
		{"unknown mask", "nrm9", nil, ErrUnknownMask},
		{"unknown hole", "jwst_g7s6c", []string{"B4", "Z9", "C2"}, ErrInvalidHoleSelection},
		{"duplicate hole", "jwst_g7s6c", []string{"B4", "b4", "C2"}, ErrInvalidHoleSelection},
		{"too few holes", "jwst_g7s6c", []string{"B4", "C2"}, ErrInvalidHoleSelection},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Build(tc.mask, tc.holes...); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestBaselineOrderingAndIndex(t *testing.T) {
	g, err := Build("jwst_g7s6c")
	require.NoError(t, err)

	list := g.BaselineList()
	require.Len(t, list, 21)
	require.Equal(t, Pair{0, 1}, list[0])
	require.Equal(t, Pair{0, 6}, list[5])
	require.Equal(t, Pair{1, 2}, list[6])
	require.Equal(t, Pair{5, 6}, list[20])

	for k, p := range list {
		if got := g.BaselineIndex(p.I, p.J); got != k {
			t.Fatalf("BaselineIndex(%d,%d)=%d, want %d", p.I, p.J, got, k)
		}
		if got := g.BaselineIndex(p.J, p.I); got != k {
			t.Fatalf("BaselineIndex is not symmetric for %v", p)
		}
	}
	if g.BaselineIndex(2, 2) != -1 || g.BaselineIndex(0, 7) != -1 {
		t.Fatalf("expected -1 for invalid pairs")
	}

	// the sequence can be consumed more than once, and stopped early
	n := 0
	for range g.Baselines() {
		n++
		if n == 3 {
			break
		}
	}
	require.Equal(t, 3, n)
}

func TestBaselineVectors(t *testing.T) {
	g, err := Build("jwst_g7s6c")
	require.NoError(t, err)
	c := g.Centers()

	vecs := g.BaselineVectors(nil)
	require.InDelta(t, c[1].X-c[0].X, vecs[0].X, 1e-15)
	require.InDelta(t, c[1].Y-c[0].Y, vecs[0].Y, 1e-15)

	rot := affine.Rotation(90)
	rv := g.BaselineVectors(&rot)
	// rotating by 90 degrees maps (x, y) to (-y, x)
	require.InDelta(t, -vecs[0].Y, rv[0].X, 1e-12)
	require.InDelta(t, vecs[0].X, rv[0].Y, 1e-12)
}

func TestTriplesAndQuadsLexicographic(t *testing.T) {
	g, err := Build("jwst_g7s6c")
	require.NoError(t, err)
	tr := g.Triples()
	require.Equal(t, Triple{0, 1, 2}, tr[0])
	require.Equal(t, Triple{0, 1, 3}, tr[1])
	require.Equal(t, Triple{4, 5, 6}, tr[len(tr)-1])
	q := g.Quads()
	require.Equal(t, Quad{0, 1, 2, 3}, q[0])
	require.Equal(t, Quad{3, 4, 5, 6}, q[len(q)-1])
}

func TestCentersAreCopies(t *testing.T) {
	g, err := Build("jwst_g7s6c")
	require.NoError(t, err)
	c := g.Centers()
	c[0].X = 99
	if g.Centers()[0].X == 99 {
		t.Fatalf("Centers exposes internal storage")
	}
}
