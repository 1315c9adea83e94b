package join

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyrange/server/internal/healpix"
	"github.com/skyrange/server/internal/region"
	"github.com/skyrange/server/internal/skyerr"
)

// randomCoverage builds a valid Region of n tiles with random gaps inside
// [0, limit).
func randomCoverage(rng *rand.Rand, n int, limit int64) *region.Coverage {
	tiles := make([]region.Range, 0, n)
	step := limit / int64(n)
	for k := 0; k < n; k++ {
		base := int64(k) * step
		lo := base + rng.Int63n(step/2)
		hi := lo + 1 + rng.Int63n(step/2)
		tiles = append(tiles, region.Range{Lo: lo, Hi: hi})
	}
	return region.New(tiles)
}

// naiveShared is the quadratic reference for SharedPixels.
func naiveShared(a, b *region.Coverage) int64 {
	var total int64
	for _, x := range a.Tiles() {
		for _, y := range b.Tiles() {
			total += OverlapLength(x, y)
		}
	}
	return total
}

func TestOverlapLength(t *testing.T) {
	tests := []struct {
		name string
		a, b region.Range
		want int64
	}{
		{"nested", region.Range{Lo: 0, Hi: 16}, region.Range{Lo: 4, Hi: 8}, 4},
		{"partial", region.Range{Lo: 0, Hi: 10}, region.Range{Lo: 7, Hi: 20}, 3},
		{"boundary only", region.Range{Lo: 0, Hi: 10}, region.Range{Lo: 10, Hi: 20}, 0},
		{"disjoint", region.Range{Lo: 0, Hi: 10}, region.Range{Lo: 30, Hi: 40}, 0},
		{"one pixel", region.Range{Lo: 0, Hi: 10}, region.Range{Lo: 9, Hi: 12}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OverlapLength(tt.a, tt.b))
			assert.Equal(t, tt.want, OverlapLength(tt.b, tt.a))
		})
	}
}

func TestSweepMatchesNaive(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()
	for trial := 0; trial < 50; trial++ {
		a := randomCoverage(rng, 1+rng.Intn(40), 10000)
		b := randomCoverage(rng, 1+rng.Intn(40), 10000)
		got, err := SharedPixels(ctx, a, b)
		require.NoError(t, err)
		assert.Equal(t, naiveShared(a, b), got, "trial %d", trial)
	}
}

func TestOverlapAreaSymmetric(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	ctx := context.Background()
	for trial := 0; trial < 20; trial++ {
		a := randomCoverage(rng, 25, 1<<20)
		b := randomCoverage(rng, 13, 1<<20)
		ab, err := OverlapArea(ctx, a, b)
		require.NoError(t, err)
		ba, err := OverlapArea(ctx, b, a)
		require.NoError(t, err)
		assert.Equal(t, ab, ba)
	}
}

func TestSelfOverlapEqualsArea(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	a := randomCoverage(rng, 100, 1<<30)
	got, err := OverlapArea(context.Background(), a, a)
	require.NoError(t, err)
	var want float64
	for _, tile := range a.Tiles() {
		want += float64(tile.Len()) * healpix.UnitArea
	}
	assert.InEpsilon(t, want, got, 1e-12)
	assert.Equal(t, a.Area(), got)
}

func TestSweepBoundaryTiles(t *testing.T) {
	// Adjacent tiles of one Region against a tile straddling their boundary:
	// each side gets exactly its own share, nothing is counted twice.
	a := region.New([]region.Range{{Lo: 0, Hi: 10}, {Lo: 10, Hi: 20}})
	b := region.New([]region.Range{{Lo: 5, Hi: 15}})
	pairs, err := Pairs(context.Background(), a, b)
	require.NoError(t, err)
	assert.Equal(t, []Pair{{A: 0, B: 0, Shared: 5}, {A: 1, B: 0, Shared: 5}}, pairs)

	c := region.New([]region.Range{{Lo: 20, Hi: 30}})
	pairs, err = Pairs(context.Background(), a, c)
	require.NoError(t, err)
	assert.Empty(t, pairs, "touching at 20 is not an overlap")
}

func TestSweepEmptyRegions(t *testing.T) {
	ctx := context.Background()
	empty := region.Empty[region.Range]()
	full := region.New([]region.Range{{Lo: 0, Hi: 100}})

	for _, tc := range []struct {
		name string
		a, b *region.Coverage
	}{
		{"both empty", empty, empty},
		{"left empty", empty, full},
		{"right empty", full, empty},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pairs, err := Pairs(ctx, tc.a, tc.b)
			require.NoError(t, err)
			assert.Empty(t, pairs)
		})
	}
	assert.False(t, Contains(empty, 0))
}

func TestSweepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := region.New([]region.Range{{Lo: 0, Hi: 100}})
	visited := 0
	err := Sweep(ctx, a, a, func(Pair) { visited++ })
	require.Error(t, err)
	assert.True(t, skyerr.Is(err, skyerr.CodeCancelled))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, visited)

	_, err = WeightedOverlap(ctx, region.New([]region.Weighted{{Range: region.Range{Lo: 0, Hi: 4}, Density: 1}}), a)
	assert.True(t, skyerr.Is(err, skyerr.CodeCancelled))
}

func TestSweepCancelledMidway(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tiles := make([]region.Range, 3*checkEvery)
	for k := range tiles {
		tiles[k] = region.Range{Lo: int64(2 * k), Hi: int64(2*k + 1)}
	}
	a := region.New(tiles)
	visited := 0
	err := Sweep(ctx, a, a, func(Pair) {
		visited++
		if visited == 10 {
			cancel()
		}
	})
	require.Error(t, err)
	assert.True(t, skyerr.Is(err, skyerr.CodeCancelled))
	assert.Less(t, visited, len(tiles))
}

func TestWeightedOverlapQuarterSky(t *testing.T) {
	lo, hi, err := healpix.CanonicalRange(0, 0)
	require.NoError(t, err)
	p := region.New([]region.Weighted{{Range: region.Range{Lo: lo, Hi: hi}, Density: 1}})
	quarter := int64(1) << (2 * (healpix.MaxOrder - 1))
	f := region.New([]region.Range{{Lo: 0, Hi: quarter}})

	got, err := WeightedOverlap(context.Background(), p, f)
	require.NoError(t, err)
	assert.InEpsilon(t, float64(quarter)*healpix.UnitArea, got, 1e-12)
	assert.InEpsilon(t, Mass(p)/4, got, 1e-12)
}

func TestContainment(t *testing.T) {
	p := region.New([]region.Weighted{
		{Range: region.Range{Lo: 0, Hi: 10}, Density: 2},
		{Range: region.Range{Lo: 10, Hi: 20}, Density: 5},
	})
	i, ok := ContainingTile(p, 15)
	require.True(t, ok)
	assert.Equal(t, 5.0, p.At(i).Density)

	i, ok = ContainingTile(p, 10)
	require.True(t, ok)
	assert.Equal(t, 1, i, "the boundary pixel belongs to the upper tile only")

	_, ok = ContainingTile(p, 20)
	assert.False(t, ok)
}

func TestCountContained(t *testing.T) {
	r := region.New([]region.Range{{Lo: 0, Hi: 10}, {Lo: 20, Hi: 30}})
	points := []int64{0, 5, 9, 10, 19, 20, 29, 30, 31}
	n, err := CountContained(context.Background(), r, points)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = CountContained(context.Background(), r, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSumCompensates(t *testing.T) {
	var s Sum
	s.Add(1e16)
	for i := 0; i < 10; i++ {
		s.Add(1)
	}
	s.Add(-1e16)
	assert.Equal(t, 10.0, s.Value())
}
