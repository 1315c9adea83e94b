// Package geometry turns cones and spherical polygons into sets of nested
// HEALPix pixels at mixed orders.
//
// Coverage is refined from order 0. A pixel whose bounding disk lies wholly
// inside the shape is emitted as is, one wholly outside is dropped, and one
// straddling the boundary is split until MaxDepth, where it is kept only if
// its centre lies inside. The result is in ascending nested order and its
// canonical ranges are pairwise disjoint.
package geometry

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"

	"github.com/skyrange/server/internal/healpix"
	"github.com/skyrange/server/internal/skyerr"
)

// DefaultMaxDepth is the finest order coverage is refined to unless
// configured otherwise.
const DefaultMaxDepth = 10

// LonLat is a position on the sky in degrees.
type LonLat struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

type relation int

const (
	outside relation = iota
	inside
	partial
)

// shape is anything the coverer can classify pixels against.
type shape interface {
	// relate classifies the disk of radius r around c.
	relate(c s2.Point, r s1.Angle) relation
	containsPoint(c s2.Point) bool
}

// Coverer builds pixel coverings bounded by a maximum order.
type Coverer struct {
	maxDepth int
}

// NewCoverer returns a Coverer refining down to maxDepth.
func NewCoverer(maxDepth int) (*Coverer, error) {
	if maxDepth < 0 || maxDepth > healpix.MaxOrder {
		return nil, skyerr.Domain("coverage depth %d outside [0, %d]", maxDepth, healpix.MaxOrder)
	}
	return &Coverer{maxDepth: maxDepth}, nil
}

// MaxDepth returns the finest order emitted.
func (c *Coverer) MaxDepth() int { return c.maxDepth }

// Cone covers the disk of the given radius, in degrees, around (lon, lat).
func (c *Coverer) Cone(lon, lat, radius float64) ([]healpix.TaggedIndex, error) {
	if err := checkLonLat(lon, lat); err != nil {
		return nil, err
	}
	if math.IsNaN(radius) || radius < 0 {
		return nil, skyerr.Malformed("cone radius %v must be non-negative", radius)
	}
	return c.cover(cone{
		centre: pointOf(lon, lat),
		radius: s1.Angle(radius) * s1.Degree,
	}), nil
}

// Polygon covers the spherical polygon with the given vertices. Either
// winding is accepted; the smaller of the two areas the loop bounds is taken.
func (c *Coverer) Polygon(vertices []LonLat) ([]healpix.TaggedIndex, error) {
	if len(vertices) < 3 {
		return nil, skyerr.Malformed("polygon needs at least 3 vertices, got %d", len(vertices))
	}
	pts := make([]s2.Point, len(vertices))
	for i, v := range vertices {
		if err := checkLonLat(v.Lon, v.Lat); err != nil {
			return nil, err
		}
		pts[i] = pointOf(v.Lon, v.Lat)
	}
	loop := s2.LoopFromPoints(pts)
	if err := loop.Validate(); err != nil {
		return nil, skyerr.Wrap(skyerr.CodeMalformedInput, err, "invalid polygon")
	}
	loop.Normalize()
	return c.cover(polygon{loop: loop, vertices: pts}), nil
}

func (c *Coverer) cover(s shape) []healpix.TaggedIndex {
	var out []healpix.TaggedIndex
	for face := int64(0); face < healpix.BaseFaces; face++ {
		out = c.refine(s, 0, face, out)
	}
	return out
}

func (c *Coverer) refine(s shape, order int, index int64, out []healpix.TaggedIndex) []healpix.TaggedIndex {
	centre := pixelCentre(order, index)
	switch s.relate(centre, s1.Angle(healpix.MaxPixelRadius(order))) {
	case outside:
		return out
	case inside:
		return append(out, healpix.TaggedIndex{Order: order, Index: index})
	}
	if order == c.maxDepth {
		if s.containsPoint(centre) {
			out = append(out, healpix.TaggedIndex{Order: order, Index: index})
		}
		return out
	}
	for k := int64(0); k < 4; k++ {
		out = c.refine(s, order+1, index*4+k, out)
	}
	return out
}

type cone struct {
	centre s2.Point
	radius s1.Angle
}

func (k cone) relate(c s2.Point, r s1.Angle) relation {
	d := k.centre.Distance(c)
	switch {
	case d > k.radius+r:
		return outside
	case d+r <= k.radius:
		return inside
	}
	return partial
}

func (k cone) containsPoint(c s2.Point) bool {
	return k.centre.Distance(c) <= k.radius
}

type polygon struct {
	loop     *s2.Loop
	vertices []s2.Point
}

func (p polygon) relate(c s2.Point, r s1.Angle) relation {
	in := p.loop.ContainsPoint(c)
	if p.edgeDistance(c) <= r {
		return partial
	}
	if in {
		return inside
	}
	return outside
}

func (p polygon) containsPoint(c s2.Point) bool {
	return p.loop.ContainsPoint(c)
}

func (p polygon) edgeDistance(c s2.Point) s1.Angle {
	best := s1.InfAngle()
	n := len(p.vertices)
	for i := 0; i < n; i++ {
		if d := s2.DistanceFromSegment(c, p.vertices[i], p.vertices[(i+1)%n]); d < best {
			best = d
		}
	}
	return best
}

func pixelCentre(order int, index int64) s2.Point {
	// Indices come from the refinement itself and are always valid.
	x, y, z, _ := healpix.PixToVec(order, index)
	return s2.Point{Vector: r3.Vector{X: x, Y: y, Z: z}}
}

func pointOf(lon, lat float64) s2.Point {
	return s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lon))
}

func checkLonLat(lon, lat float64) error {
	if math.IsNaN(lon) || math.IsInf(lon, 0) || math.IsNaN(lat) || lat < -90 || lat > 90 {
		return skyerr.Malformed("coordinate (%v, %v) is not on the sphere", lon, lat)
	}
	return nil
}
