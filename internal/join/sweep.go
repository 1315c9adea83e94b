// Package join computes overlaps between independently tiled Regions by
// integer range arithmetic.
//
// Both inputs must be valid Regions: sorted by lo and internally disjoint.
// Under the half-open convention two tiles that only share a boundary
// (a.Hi == b.Lo) do not overlap.
package join

import (
	"context"
	"sort"

	"github.com/skyrange/server/internal/healpix"
	"github.com/skyrange/server/internal/region"
	"github.com/skyrange/server/internal/skyerr"
)

// checkEvery is the number of sweep steps between context checks.
const checkEvery = 4096

// Pair identifies two overlapping tiles by their position in each Region.
type Pair struct {
	A, B   int
	Shared int64
}

// OverlapLength returns the number of MaxOrder pixels shared by a and b, or
// 0 if they do not overlap.
func OverlapLength(a, b region.Range) int64 {
	if !a.Overlaps(b) {
		return 0
	}
	return min(a.Hi, b.Hi) - max(a.Lo, b.Lo)
}

// Sweep calls visit for every overlapping tile pair of a and b in a single
// merge pass. Pairs are visited in ascending lo order of a's tiles. If ctx
// ends before the pass completes, Sweep returns a CancelledError and the
// caller must discard whatever visit accumulated.
func Sweep[A, B region.Spanner](ctx context.Context, a *region.Region[A], b *region.Region[B], visit func(Pair)) error {
	n, m := a.Len(), b.Len()
	i, j := 0, 0
	for step := 0; i < n && j < m; step++ {
		if step%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return skyerr.Cancelled(err)
			}
		}
		ra, rb := a.At(i).Span(), b.At(j).Span()
		if shared := OverlapLength(ra, rb); shared > 0 {
			visit(Pair{A: i, B: j, Shared: shared})
		}
		// The tile that ends first cannot overlap anything further along
		// the other Region.
		switch {
		case ra.Hi < rb.Hi:
			i++
		case rb.Hi < ra.Hi:
			j++
		default:
			i++
			j++
		}
	}
	if err := ctx.Err(); err != nil {
		return skyerr.Cancelled(err)
	}
	return nil
}

// Pairs collects every overlapping tile pair.
func Pairs[A, B region.Spanner](ctx context.Context, a *region.Region[A], b *region.Region[B]) ([]Pair, error) {
	var out []Pair
	if err := Sweep(ctx, a, b, func(p Pair) { out = append(out, p) }); err != nil {
		return nil, err
	}
	return out, nil
}

// SharedPixels returns the number of MaxOrder pixels covered by both a and b.
func SharedPixels[A, B region.Spanner](ctx context.Context, a *region.Region[A], b *region.Region[B]) (int64, error) {
	var total int64
	err := Sweep(ctx, a, b, func(p Pair) { total += p.Shared })
	if err != nil {
		return 0, err
	}
	return total, nil
}

// OverlapArea returns the solid angle, in steradians, covered by both a and b.
// It is symmetric in its arguments.
func OverlapArea[A, B region.Spanner](ctx context.Context, a *region.Region[A], b *region.Region[B]) (float64, error) {
	n, err := SharedPixels(ctx, a, b)
	if err != nil {
		return 0, err
	}
	return float64(n) * healpix.UnitArea, nil
}

// WeightedOverlap returns the probability mass of p lying inside f: the sum
// over overlapping pairs of density times shared area.
func WeightedOverlap[T region.Spanner](ctx context.Context, p *region.SkyMap, f *region.Region[T]) (float64, error) {
	var sum Sum
	err := Sweep(ctx, p, f, func(pair Pair) {
		sum.Add(p.At(pair.A).Density * float64(pair.Shared) * healpix.UnitArea)
	})
	if err != nil {
		return 0, err
	}
	return sum.Value(), nil
}

// Mass returns the total probability of a sky map.
func Mass(p *region.SkyMap) float64 {
	var sum Sum
	for _, t := range p.Tiles() {
		sum.Add(t.Density * t.Area())
	}
	return sum.Value()
}

// ContainingTile returns the index of the tile of r containing the MaxOrder
// pixel p. ok is false when p lies outside r, which is not an error.
func ContainingTile[T region.Spanner](r *region.Region[T], p int64) (i int, ok bool) {
	i = r.Lookup(p)
	return i, i >= 0
}

// Contains reports whether the MaxOrder pixel p lies in r.
func Contains[T region.Spanner](r *region.Region[T], p int64) bool {
	return r.Lookup(p) >= 0
}

// CountContained returns how many of the points, given as MaxOrder indices
// sorted ascending, lie in r. Each point is counted at most once because the
// tiles of r are disjoint.
func CountContained[T region.Spanner](ctx context.Context, r *region.Region[T], points []int64) (int, error) {
	count := 0
	for i, t := range r.Tiles() {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return 0, skyerr.Cancelled(err)
			}
		}
		s := t.Span()
		lo := sort.Search(len(points), func(k int) bool { return points[k] >= s.Lo })
		hi := lo + sort.Search(len(points)-lo, func(k int) bool { return points[lo+k] >= s.Hi })
		count += hi - lo
	}
	return count, nil
}
