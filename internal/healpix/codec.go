// Package healpix implements the nested HEALPix index arithmetic used to
// compare sky tiles of different resolutions.
//
// A pixel is addressed by an (order, index) pair. Every order quadruples the
// number of pixels, so a pixel at order o owns a contiguous block of 4^(MaxOrder-o)
// pixels at MaxOrder. That block is its canonical range, a half-open interval
// [lo, hi) of MaxOrder indices. All range arithmetic is exact integer math.
package healpix

import (
	"math"
	"math/bits"

	"github.com/skyrange/server/internal/skyerr"
)

// MaxOrder is the finest order whose packed (NUNIQ) values fit in a signed
// 64-bit integer: the largest packed value at order o is 16*4^o - 1.
const MaxOrder = 29

// BaseFaces is the number of order-0 pixels.
const BaseFaces = 12

// MinPacked is the smallest valid packed index (order 0, index 0).
const MinPacked int64 = 4

// FullSky is the solid angle of the sphere in steradians.
const FullSky = 4 * math.Pi

// TaggedIndex is a pixel index qualified by the order it belongs to.
type TaggedIndex struct {
	Order int
	Index int64
}

// PixelCount returns the number of pixels covering the sphere at order.
func PixelCount(order int) int64 {
	return BaseFaces << (2 * uint(order))
}

func checkOrder(order int) error {
	if order < 0 || order > MaxOrder {
		return skyerr.Domain("order %d outside [0, %d]", order, MaxOrder)
	}
	return nil
}

func checkIndex(order int, index int64) error {
	if err := checkOrder(order); err != nil {
		return err
	}
	if index < 0 || index >= PixelCount(order) {
		return skyerr.Domain("index %d outside [0, %d) at order %d", index, PixelCount(order), order)
	}
	return nil
}

// Pack encodes (order, index) as index + 4^(order+1).
func Pack(order int, index int64) (int64, error) {
	if err := checkIndex(order, index); err != nil {
		return 0, err
	}
	return index + int64(1)<<(2*uint(order+1)), nil
}

// Unpack decodes a packed index. The order is recovered from the position of
// the highest set bit: values at order o lie in [4^(o+1), 4^(o+2)).
func Unpack(nuniq int64) (order int, index int64, err error) {
	if nuniq < MinPacked {
		return 0, 0, skyerr.Domain("packed index %d below minimum %d", nuniq, MinPacked)
	}
	order = (bits.Len64(uint64(nuniq))-1)/2 - 1
	if order > MaxOrder {
		return 0, 0, skyerr.Domain("packed index %d implies order %d above %d", nuniq, order, MaxOrder)
	}
	index = nuniq - int64(1)<<(2*uint(order+1))
	return order, index, nil
}

// CanonicalRange returns the half-open MaxOrder range [lo, hi) covered by the
// pixel (order, index).
func CanonicalRange(order int, index int64) (lo, hi int64, err error) {
	if err := checkIndex(order, index); err != nil {
		return 0, 0, err
	}
	shift := 2 * uint(MaxOrder-order)
	return index << shift, (index + 1) << shift, nil
}

// RangeFromPacked is Unpack followed by CanonicalRange.
func RangeFromPacked(nuniq int64) (lo, hi int64, err error) {
	order, index, err := Unpack(nuniq)
	if err != nil {
		return 0, 0, err
	}
	return CanonicalRange(order, index)
}

// OrderOfSpan returns the order whose pixels have the given MaxOrder span,
// i.e. the inverse of hi-lo = 4^(MaxOrder-order). The span must be a power of 4.
func OrderOfSpan(span int64) (int, error) {
	if span <= 0 || span&(span-1) != 0 || bits.TrailingZeros64(uint64(span))%2 != 0 {
		return 0, skyerr.Domain("span %d is not a power of 4", span)
	}
	d := bits.TrailingZeros64(uint64(span)) / 2
	if d > MaxOrder {
		return 0, skyerr.Domain("span %d is coarser than order 0", span)
	}
	return MaxOrder - d, nil
}

// PackedFromRange is the inverse of RangeFromPacked for ranges that are
// exactly one pixel at some order.
func PackedFromRange(lo, hi int64) (int64, error) {
	order, err := OrderOfSpan(hi - lo)
	if err != nil {
		return 0, err
	}
	shift := 2 * uint(MaxOrder-order)
	if lo&(int64(1)<<shift-1) != 0 {
		return 0, skyerr.Domain("range [%d, %d) is not aligned to order %d", lo, hi, order)
	}
	return Pack(order, lo>>shift)
}

var pixelAreas = func() [MaxOrder + 1]float64 {
	var a [MaxOrder + 1]float64
	for o := range a {
		a[o] = FullSky / float64(PixelCount(o))
	}
	return a
}()

// PixelArea returns the solid angle of one pixel at order, in steradians.
func PixelArea(order int) float64 {
	if order < 0 || order > MaxOrder {
		return math.NaN()
	}
	return pixelAreas[order]
}

// UnitArea is the solid angle of one MaxOrder pixel, the unit of canonical
// range length.
var UnitArea = pixelAreas[MaxOrder]
