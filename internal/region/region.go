// Package region holds sky areas as sorted, non-overlapping sets of
// canonical HEALPix ranges.
package region

import (
	"sort"

	"github.com/skyrange/server/internal/healpix"
	"github.com/skyrange/server/internal/skyerr"
)

// Range is a half-open interval [Lo, Hi) of MaxOrder nested indices.
type Range struct {
	Lo int64 `json:"lo"`
	Hi int64 `json:"hi"`
}

// Span lets Range be used directly as a tile.
func (r Range) Span() Range { return r }

// Len returns the number of MaxOrder pixels in r.
func (r Range) Len() int64 { return r.Hi - r.Lo }

// Area returns the solid angle of r in steradians.
func (r Range) Area() float64 { return float64(r.Len()) * healpix.UnitArea }

// Contains reports whether the MaxOrder pixel p lies in r.
func (r Range) Contains(p int64) bool { return r.Lo <= p && p < r.Hi }

// Overlaps reports whether r and o share at least one pixel. Ranges that only
// touch at a boundary (r.Hi == o.Lo) do not overlap.
func (r Range) Overlaps(o Range) bool { return r.Lo < o.Hi && o.Lo < r.Hi }

// Weighted is a tile carrying a probability density per steradian.
type Weighted struct {
	Range
	Density float64 `json:"density"`
}

// Spanner is implemented by every tile type a Region can hold.
type Spanner interface {
	Span() Range
}

// Region is an immutable, lo-sorted collection of pairwise disjoint tiles.
type Region[T Spanner] struct {
	tiles []T
}

// SkyMap is a probability sky map.
type SkyMap = Region[Weighted]

// Coverage is an unweighted footprint such as a telescope field.
type Coverage = Region[Range]

// New sorts tiles by lo and wraps them without checking disjointness. The
// caller gives up ownership of the slice.
func New[T Spanner](tiles []T) *Region[T] {
	sort.SliceStable(tiles, func(i, j int) bool {
		return tiles[i].Span().Lo < tiles[j].Span().Lo
	})
	return &Region[T]{tiles: tiles}
}

// Empty returns a Region with no tiles.
func Empty[T Spanner]() *Region[T] {
	return &Region[T]{}
}

// Len returns the number of tiles.
func (r *Region[T]) Len() int {
	if r == nil {
		return 0
	}
	return len(r.tiles)
}

// At returns the i-th tile in lo order.
func (r *Region[T]) At(i int) T { return r.tiles[i] }

// Tiles returns the tiles in lo order. The slice must not be modified.
func (r *Region[T]) Tiles() []T {
	if r == nil {
		return nil
	}
	return r.tiles
}

// Pixels returns the total number of MaxOrder pixels covered.
func (r *Region[T]) Pixels() int64 {
	var n int64
	for _, t := range r.Tiles() {
		n += t.Span().Len()
	}
	return n
}

// Area returns the total solid angle covered, in steradians.
func (r *Region[T]) Area() float64 {
	return float64(r.Pixels()) * healpix.UnitArea
}

// Bounds returns the smallest range enclosing every tile. ok is false for an
// empty Region.
func (r *Region[T]) Bounds() (b Range, ok bool) {
	if r.Len() == 0 {
		return Range{}, false
	}
	return Range{Lo: r.tiles[0].Span().Lo, Hi: r.tiles[len(r.tiles)-1].Span().Hi}, true
}

// Lookup returns the index of the tile containing the MaxOrder pixel p, or
// -1 if no tile does.
func (r *Region[T]) Lookup(p int64) int {
	n := r.Len()
	i := sort.Search(n, func(i int) bool { return r.tiles[i].Span().Hi > p })
	if i < n && r.tiles[i].Span().Lo <= p {
		return i
	}
	return -1
}

// Validate checks the ordering and disjointness invariants and that every
// range lies inside the sphere.
func (r *Region[T]) Validate() error {
	limit := healpix.PixelCount(healpix.MaxOrder)
	var prev Range
	for i, t := range r.Tiles() {
		s := t.Span()
		if s.Lo < 0 || s.Hi > limit || s.Lo >= s.Hi {
			return skyerr.Domain("tile %d has invalid range [%d, %d)", i, s.Lo, s.Hi)
		}
		if i > 0 && s.Lo < prev.Hi {
			return skyerr.Domain("tile %d [%d, %d) overlaps or precedes [%d, %d)", i, s.Lo, s.Hi, prev.Lo, prev.Hi)
		}
		prev = s
	}
	return nil
}

// Coalesce merges touching ranges of an unweighted Region. The result covers
// exactly the same pixels with fewer tiles.
func Coalesce(c *Coverage) *Coverage {
	if c.Len() < 2 {
		return c
	}
	out := make([]Range, 0, c.Len())
	cur := c.tiles[0]
	for _, t := range c.tiles[1:] {
		if t.Lo == cur.Hi {
			cur.Hi = t.Hi
			continue
		}
		out = append(out, cur)
		cur = t
	}
	out = append(out, cur)
	return &Coverage{tiles: out}
}

// Footprint drops the weights of a sky map, keeping its coverage.
func Footprint(m *SkyMap) *Coverage {
	out := make([]Range, m.Len())
	for i, t := range m.Tiles() {
		out[i] = t.Range
	}
	return &Coverage{tiles: out}
}
