package healpix

import (
	"math"

	"github.com/skyrange/server/internal/skyerr"
)

// Face layout of the nested scheme: ring number and longitude offset of the
// centre of each base pixel, in units of nside and pi/4 respectively.
var (
	faceRing = [BaseFaces]int64{2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4}
	facePhi  = [BaseFaces]int64{1, 3, 5, 7, 0, 2, 4, 6, 1, 3, 5, 7}
)

const twoThirds = 2.0 / 3.0

// spread interleaves the low 32 bits of v with zeros.
func spread(v uint64) uint64 {
	v &= 0xffffffff
	v = (v | v<<16) & 0x0000ffff0000ffff
	v = (v | v<<8) & 0x00ff00ff00ff00ff
	v = (v | v<<4) & 0x0f0f0f0f0f0f0f0f
	v = (v | v<<2) & 0x3333333333333333
	v = (v | v<<1) & 0x5555555555555555
	return v
}

// compact is the inverse of spread.
func compact(v uint64) uint64 {
	v &= 0x5555555555555555
	v = (v | v>>1) & 0x3333333333333333
	v = (v | v>>2) & 0x0f0f0f0f0f0f0f0f
	v = (v | v>>4) & 0x00ff00ff00ff00ff
	v = (v | v>>8) & 0x0000ffff0000ffff
	v = (v | v>>16) & 0x00000000ffffffff
	return v
}

func xyfToNest(order int, ix, iy int64, face int) int64 {
	return int64(face)<<(2*uint(order)) + int64(spread(uint64(ix))) + int64(spread(uint64(iy)))<<1
}

func nestToXYF(order int, index int64) (ix, iy int64, face int) {
	face = int(index >> (2 * uint(order)))
	p := uint64(index) & (uint64(1)<<(2*uint(order)) - 1)
	return int64(compact(p)), int64(compact(p >> 1)), face
}

// AngToPix returns the nested index at order of the pixel containing the
// point at longitude lon and latitude lat, both in degrees.
func AngToPix(order int, lon, lat float64) (int64, error) {
	if err := checkOrder(order); err != nil {
		return 0, err
	}
	if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || lat < -90 || lat > 90 {
		return 0, skyerr.Domain("coordinate (%g, %g) is not on the sphere", lon, lat)
	}
	z := math.Sin(lat * math.Pi / 180)
	phi := lon * math.Pi / 180
	return zPhiToNest(order, z, phi), nil
}

func zPhiToNest(order int, z, phi float64) int64 {
	nside := int64(1) << uint(order)
	za := math.Abs(z)
	tt := math.Mod(phi/(math.Pi/2), 4)
	if tt < 0 {
		tt += 4
	}

	if za <= twoThirds {
		t1 := float64(nside) * (0.5 + tt)
		t2 := float64(nside) * (z * 0.75)
		jp := int64(t1 - t2) // ascending edge line
		jm := int64(t1 + t2) // descending edge line
		ifp := jp >> uint(order)
		ifm := jm >> uint(order)
		var face int
		switch {
		case ifp == ifm:
			face = int(ifp | 4)
		case ifp < ifm:
			face = int(ifp)
		default:
			face = int(ifm + 8)
		}
		ix := jm & (nside - 1)
		iy := nside - (jp & (nside - 1)) - 1
		return xyfToNest(order, ix, iy, face)
	}

	ntt := int64(tt)
	if ntt > 3 {
		ntt = 3
	}
	tp := tt - float64(ntt)
	tmp := float64(nside) * math.Sqrt(3*(1-za))
	jp := int64(tp * tmp)
	jm := int64((1 - tp) * tmp)
	if jp > nside-1 {
		jp = nside - 1
	}
	if jm > nside-1 {
		jm = nside - 1
	}
	if z >= 0 {
		return xyfToNest(order, nside-jm-1, nside-jp-1, int(ntt))
	}
	return xyfToNest(order, jp, jm, int(ntt+8))
}

// PixToAng returns the centre of the nested pixel (order, index) as
// longitude and latitude in degrees, longitude in [0, 360).
func PixToAng(order int, index int64) (lon, lat float64, err error) {
	z, phi, err := pixCentre(order, index)
	if err != nil {
		return 0, 0, err
	}
	return phi * 180 / math.Pi, math.Asin(z) * 180 / math.Pi, nil
}

// PixToVec returns the centre of the nested pixel (order, index) as a unit
// vector.
func PixToVec(order int, index int64) (x, y, z float64, err error) {
	z, phi, err := pixCentre(order, index)
	if err != nil {
		return 0, 0, 0, err
	}
	s := math.Sqrt((1 - z) * (1 + z))
	return s * math.Cos(phi), s * math.Sin(phi), z, nil
}

func pixCentre(order int, index int64) (z, phi float64, err error) {
	if err := checkIndex(order, index); err != nil {
		return 0, 0, err
	}
	nside := int64(1) << uint(order)
	npix := PixelCount(order)
	fact2 := 4 / float64(npix)
	fact1 := float64(nside<<1) * fact2

	ix, iy, face := nestToXYF(order, index)
	jr := faceRing[face]<<uint(order) - ix - iy - 1

	var nr int64
	switch {
	case jr < nside:
		nr = jr
		z = 1 - float64(nr*nr)*fact2
	case jr > 3*nside:
		nr = 4*nside - jr
		z = float64(nr*nr)*fact2 - 1
	default:
		nr = nside
		z = float64(2*nside-jr) * fact1
	}

	tmp := facePhi[face]*nr + ix - iy
	if tmp < 0 {
		tmp += 8 * nr
	}
	if nr == nside {
		phi = 0.75 * (math.Pi / 2) * float64(tmp) * fact1
	} else {
		phi = 0.5 * (math.Pi / 2) * float64(tmp) / float64(nr)
	}
	return z, phi, nil
}

// MaxPixelRadius returns an upper bound, in radians, on the angular distance
// between the centre of any pixel at order and any point of that pixel.
func MaxPixelRadius(order int) float64 {
	nside := float64(int64(1) << uint(order))
	// Corner of an equatorial-boundary pixel against the adjacent polar vertex.
	za, phia := twoThirds, math.Pi/(4*nside)
	t1 := 1 - 1/nside
	zb := 1 - t1*t1/3
	return angle(za, phia, zb, 0)
}

func angle(z1, phi1, z2, phi2 float64) float64 {
	s1 := math.Sqrt((1 - z1) * (1 + z1))
	s2 := math.Sqrt((1 - z2) * (1 + z2))
	x1, y1 := s1*math.Cos(phi1), s1*math.Sin(phi1)
	x2, y2 := s2*math.Cos(phi2), s2*math.Sin(phi2)
	cx := y1*z2 - z1*y2
	cy := z1*x2 - x1*z2
	cz := x1*y2 - y1*x2
	return math.Atan2(math.Sqrt(cx*cx+cy*cy+cz*cz), x1*x2+y1*y2+z1*z2)
}
