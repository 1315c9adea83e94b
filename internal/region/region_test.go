package region

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyrange/server/internal/healpix"
	"github.com/skyrange/server/internal/skyerr"
)

func TestRangeOverlaps(t *testing.T) {
	tests := []struct {
		name string
		a, b Range
		want bool
	}{
		{"identical", Range{0, 10}, Range{0, 10}, true},
		{"nested", Range{0, 16}, Range{4, 8}, true},
		{"partial", Range{0, 10}, Range{5, 15}, true},
		{"shared boundary", Range{0, 10}, Range{10, 20}, false},
		{"disjoint", Range{0, 10}, Range{11, 20}, false},
		{"single pixel inside", Range{0, 10}, Range{9, 10}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Overlaps(tt.b))
			assert.Equal(t, tt.want, tt.b.Overlaps(tt.a))
		})
	}
}

func TestNewSortsByLo(t *testing.T) {
	r := New([]Range{{20, 30}, {0, 10}, {10, 20}})
	require.Equal(t, 3, r.Len())
	assert.Equal(t, []Range{{0, 10}, {10, 20}, {20, 30}}, r.Tiles())
	b, ok := r.Bounds()
	require.True(t, ok)
	assert.Equal(t, Range{0, 30}, b)
	assert.NoError(t, r.Validate())
	assert.Equal(t, int64(30), r.Pixels())
}

func TestLookup(t *testing.T) {
	r := New([]Weighted{
		{Range: Range{0, 10}, Density: 2},
		{Range: Range{10, 20}, Density: 5},
		{Range: Range{40, 44}, Density: 1},
	})
	tests := []struct {
		p    int64
		want int
	}{
		{0, 0}, {9, 0}, {10, 1}, {15, 1}, {19, 1}, {20, -1}, {39, -1}, {40, 2}, {43, 2}, {44, -1}, {-1, -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Lookup(tt.p), "pixel %d", tt.p)
	}
	assert.Equal(t, 5.0, r.At(r.Lookup(15)).Density)
}

func TestEmptyRegion(t *testing.T) {
	r := Empty[Weighted]()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, -1, r.Lookup(0))
	_, ok := r.Bounds()
	assert.False(t, ok)
	assert.NoError(t, r.Validate())
	assert.Zero(t, r.Area())

	var nilRegion *Coverage
	assert.Equal(t, 0, nilRegion.Len())
	assert.Nil(t, nilRegion.Tiles())
}

func TestValidateRejectsOverlap(t *testing.T) {
	tests := []struct {
		name  string
		tiles []Range
	}{
		{"overlapping", []Range{{0, 10}, {5, 15}}},
		{"duplicate", []Range{{0, 10}, {0, 10}}},
		{"empty range", []Range{{3, 3}}},
		{"negative", []Range{{-4, 0}}},
		{"past full sky", []Range{{0, healpix.PixelCount(healpix.MaxOrder) + 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.tiles).Validate()
			require.Error(t, err)
			assert.True(t, skyerr.Is(err, skyerr.CodeDomain))
		})
	}
}

func TestCoalesce(t *testing.T) {
	r := New([]Range{{0, 4}, {4, 8}, {8, 12}, {16, 20}, {20, 24}, {30, 31}})
	c := Coalesce(r)
	assert.Equal(t, []Range{{0, 12}, {16, 24}, {30, 31}}, c.Tiles())
	assert.Equal(t, r.Pixels(), c.Pixels())
	assert.Equal(t, 6, r.Len(), "input is left untouched")
}

func TestFootprint(t *testing.T) {
	m := New([]Weighted{{Range: Range{0, 4}, Density: 1}, {Range: Range{8, 12}, Density: 3}})
	assert.Equal(t, []Range{{0, 4}, {8, 12}}, Footprint(m).Tiles())
}
