// Package query implements the aggregation queries over sky maps, candidate
// footprints and point catalogs.
//
// Every query is read-only and deterministic: results are ordered by score
// descending, ties by identifier ascending, so the output does not depend on
// the order candidates are supplied in. A query interrupted by its context
// returns a CancelledError and no partial ranking.
package query

import (
	"cmp"
	"context"
	"slices"

	"github.com/skyrange/server/internal/healpix"
	"github.com/skyrange/server/internal/join"
	"github.com/skyrange/server/internal/region"
	"github.com/skyrange/server/internal/skyerr"
)

// DefaultLimit is the result count used when a caller does not pick one.
const DefaultLimit = 10

// Ranked is one row of a query result.
type Ranked[K cmp.Ordered] struct {
	ID    K       `json:"id"`
	Score float64 `json:"score"`
}

// Candidate is a footprint competing for probability or points.
type Candidate[K cmp.Ordered] struct {
	ID       K
	Coverage *region.Coverage
}

// Point is an entity located at a single MaxOrder pixel.
type Point[K cmp.Ordered] struct {
	ID     K
	Nested int64
}

// RankByProbability scores each candidate by the probability of p it
// encloses and returns the top n. Candidates sharing no pixel with p are
// left out. n <= 0 returns every scored candidate.
func RankByProbability[K cmp.Ordered](ctx context.Context, p *region.SkyMap, candidates []Candidate[K], n int) ([]Ranked[K], error) {
	out := make([]Ranked[K], 0, len(candidates))
	for _, c := range candidates {
		var (
			sum     join.Sum
			overlap bool
		)
		err := join.Sweep(ctx, p, c.Coverage, func(pair join.Pair) {
			overlap = true
			sum.Add(p.At(pair.A).Density * float64(pair.Shared) * healpix.UnitArea)
		})
		if err != nil {
			return nil, err
		}
		if overlap {
			out = append(out, Ranked[K]{ID: c.ID, Score: sum.Value()})
		}
	}
	return top(out, n), nil
}

// RankByDensity reports, for every point inside p, the density of the tile
// containing it, and returns the top n. Points outside p are left out rather
// than ranked at zero.
func RankByDensity[K cmp.Ordered](ctx context.Context, p *region.SkyMap, points []Point[K], n int) ([]Ranked[K], error) {
	out := make([]Ranked[K], 0)
	for k, pt := range points {
		if k%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, skyerr.Cancelled(err)
			}
		}
		if i, ok := join.ContainingTile(p, pt.Nested); ok {
			out = append(out, Ranked[K]{ID: pt.ID, Score: p.At(i).Density})
		}
	}
	return top(out, n), nil
}

// RankByPointCount counts, for every candidate, the points lying inside it
// and returns the top n. Candidates containing no point are left out.
func RankByPointCount[K, P cmp.Ordered](ctx context.Context, candidates []Candidate[K], points []Point[P], n int) ([]Ranked[K], error) {
	nested := make([]int64, len(points))
	for i, pt := range points {
		nested[i] = pt.Nested
	}
	slices.Sort(nested)

	out := make([]Ranked[K], 0, len(candidates))
	for _, c := range candidates {
		count, err := join.CountContained(ctx, c.Coverage, nested)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			out = append(out, Ranked[K]{ID: c.ID, Score: float64(count)})
		}
	}
	return top(out, n), nil
}

// top sorts rows by score descending then ID ascending and keeps the first n.
func top[K cmp.Ordered](rows []Ranked[K], n int) []Ranked[K] {
	slices.SortFunc(rows, func(a, b Ranked[K]) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if n > 0 && len(rows) > n {
		rows = rows[:n]
	}
	return rows
}
