package geometry

import (
	"math"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/golang/geo/s2"

	"github.com/skyrange/server/internal/healpix"
	"github.com/skyrange/server/internal/skyerr"
)

// Footprint shapes.
const (
	ShapeRectangle = "rectangle"
	ShapeCone      = "cone"
)

// Footprint describes the instantaneous field of view of a telescope. Sizes
// are in degrees.
type Footprint struct {
	Shape  string  `json:"shape" yaml:"shape"`
	Width  float64 `json:"width,omitempty" yaml:"width"`
	Height float64 `json:"height,omitempty" yaml:"height"`
	Radius float64 `json:"radius,omitempty" yaml:"radius"`
}

// Known footprints of the instruments the original catalogs were built for.
var (
	ZTF   = Footprint{Shape: ShapeRectangle, Width: 6.86, Height: 6.86}
	DECam = Footprint{Shape: ShapeCone, Radius: 1.1}
)

// Validate checks that the footprint has a known shape with positive size.
func (f Footprint) Validate() error {
	switch strings.ToLower(f.Shape) {
	case ShapeRectangle:
		if !(f.Width > 0 && f.Width < 180 && f.Height > 0 && f.Height < 180) {
			return skyerr.Malformed("rectangle footprint %gx%g must be between 0 and 180 degrees", f.Width, f.Height)
		}
	case ShapeCone:
		if !(f.Radius > 0 && f.Radius <= 180) {
			return skyerr.Malformed("cone footprint radius %g must be in (0, 180]", f.Radius)
		}
	default:
		return skyerr.Malformed("unknown footprint shape %q", f.Shape)
	}
	return nil
}

// Cover returns the pixels of the footprint pointed at (lon, lat).
func (c *Coverer) Cover(f Footprint, lon, lat float64) ([]healpix.TaggedIndex, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if strings.ToLower(f.Shape) == ShapeCone {
		return c.Cone(lon, lat, f.Radius)
	}
	vertices, err := RectangleVertices(lon, lat, f.Width, f.Height)
	if err != nil {
		return nil, err
	}
	return c.Polygon(vertices)
}

// RectangleVertices returns the corners of a width x height rectangle
// centred on (lon, lat). The corners are laid out around (0, 0) and rotated
// onto the centre, so the rectangle keeps its shape away from the equator.
func RectangleVertices(lon, lat, width, height float64) ([]LonLat, error) {
	if err := checkLonLat(lon, lat); err != nil {
		return nil, err
	}
	w, h := width/2, height/2
	corners := []LonLat{{w, -h}, {w, h}, {-w, h}, {-w, -h}}

	dec := lat * math.Pi / 180
	ra := lon * math.Pi / 180
	out := make([]LonLat, len(corners))
	for i, c := range corners {
		v := pointOf(c.Lon, c.Lat).Vector
		v = rotateY(v, -dec)
		v = rotateZ(v, ra)
		ll := s2.LatLngFromPoint(s2.Point{Vector: v})
		lon := ll.Lng.Degrees()
		if lon < 0 {
			lon += 360
		}
		out[i] = LonLat{Lon: lon, Lat: ll.Lat.Degrees()}
	}
	return out, nil
}

func rotateY(v r3.Vector, theta float64) r3.Vector {
	s, c := math.Sincos(theta)
	return r3.Vector{X: c*v.X + s*v.Z, Y: v.Y, Z: -s*v.X + c*v.Z}
}

func rotateZ(v r3.Vector, theta float64) r3.Vector {
	s, c := math.Sincos(theta)
	return r3.Vector{X: c*v.X - s*v.Y, Y: s*v.X + c*v.Y, Z: v.Z}
}
