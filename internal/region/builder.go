package region

import (
	"fmt"
	"math"

	"github.com/skyrange/server/internal/healpix"
	"github.com/skyrange/server/internal/skyerr"
)

// Row is one line of a multiresolution probability table.
type Row struct {
	NUniq   int64   `json:"nuniq"`
	Density float64 `json:"density"`
}

// FromProbabilityTable converts each row to one weighted tile. Rows are
// assumed order-disjoint already and are not merged; the result has exactly
// len(rows) tiles. A negative or non-finite density rejects the whole table.
func FromProbabilityTable(rows []Row) (*SkyMap, error) {
	tiles := make([]Weighted, len(rows))
	for i, row := range rows {
		if math.IsNaN(row.Density) || math.IsInf(row.Density, 0) || row.Density < 0 {
			return nil, skyerr.Malformed("row %d (nuniq %d): density %v must be finite and non-negative", i, row.NUniq, row.Density)
		}
		lo, hi, err := healpix.RangeFromPacked(row.NUniq)
		if err != nil {
			return nil, skyerr.Wrap(skyerr.CodeDomain, err, fmt.Sprintf("row %d", i))
		}
		tiles[i] = Weighted{Range: Range{Lo: lo, Hi: hi}, Density: row.Density}
	}
	return New(tiles), nil
}

// FromTaggedIndices converts a pixel set produced by the geometry layer to an
// unweighted Region. An empty set yields a Region with no tiles.
func FromTaggedIndices(pixels []healpix.TaggedIndex) (*Coverage, error) {
	if len(pixels) == 0 {
		return Empty[Range](), nil
	}
	tiles := make([]Range, len(pixels))
	for i, p := range pixels {
		lo, hi, err := healpix.CanonicalRange(p.Order, p.Index)
		if err != nil {
			return nil, err
		}
		tiles[i] = Range{Lo: lo, Hi: hi}
	}
	return New(tiles), nil
}

// Point returns the single-pixel range of a MaxOrder index.
func Point(nested int64) (Range, error) {
	if nested < 0 || nested >= healpix.PixelCount(healpix.MaxOrder) {
		return Range{}, skyerr.Domain("point index %d outside the sphere", nested)
	}
	return Range{Lo: nested, Hi: nested + 1}, nil
}

// Rows is the inverse of FromProbabilityTable for tiles that are single
// pixels at some order.
func Rows(m *SkyMap) ([]Row, error) {
	rows := make([]Row, m.Len())
	for i, t := range m.Tiles() {
		nuniq, err := healpix.PackedFromRange(t.Lo, t.Hi)
		if err != nil {
			return nil, err
		}
		rows[i] = Row{NUniq: nuniq, Density: t.Density}
	}
	return rows, nil
}
