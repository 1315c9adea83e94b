package region

import (
	"encoding/binary"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/skyrange/server/internal/skyerr"
)

// Snapshot layout, before zstd:
//
//	magic "SKYR" | version | kind | uvarint count | tiles...
//
// Each tile is uvarint(lo - previous hi), uvarint(hi - lo) and, for weighted
// tiles, the little-endian bits of the density.
const (
	snapshotVersion = 1

	kindCoverage byte = 0
	kindSkyMap   byte = 1
)

var snapshotMagic = []byte("SKYR")

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// EncodeSkyMap serializes a sky map into a compressed snapshot.
func EncodeSkyMap(m *SkyMap) ([]byte, error) {
	return encode(m, kindSkyMap, func(buf []byte, t Weighted) []byte {
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(t.Density))
	})
}

// EncodeCoverage serializes an unweighted Region into a compressed snapshot.
func EncodeCoverage(c *Coverage) ([]byte, error) {
	return encode(c, kindCoverage, nil)
}

// DecodeSkyMap is the inverse of EncodeSkyMap.
func DecodeSkyMap(data []byte) (*SkyMap, error) {
	return decode(data, kindSkyMap, func(r Range, rest []byte) (Weighted, []byte, error) {
		if len(rest) < 8 {
			return Weighted{}, nil, skyerr.Malformed("snapshot truncated in density")
		}
		d := math.Float64frombits(binary.LittleEndian.Uint64(rest))
		return Weighted{Range: r, Density: d}, rest[8:], nil
	})
}

// DecodeCoverage is the inverse of EncodeCoverage.
func DecodeCoverage(data []byte) (*Coverage, error) {
	return decode(data, kindCoverage, func(r Range, rest []byte) (Range, []byte, error) {
		return r, rest, nil
	})
}

func encode[T Spanner](r *Region[T], kind byte, extra func([]byte, T) []byte) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 8+r.Len()*12)
	buf = append(buf, snapshotMagic...)
	buf = append(buf, snapshotVersion, kind)
	buf = binary.AppendUvarint(buf, uint64(r.Len()))
	var prev int64
	for _, t := range r.Tiles() {
		s := t.Span()
		buf = binary.AppendUvarint(buf, uint64(s.Lo-prev))
		buf = binary.AppendUvarint(buf, uint64(s.Len()))
		if extra != nil {
			buf = extra(buf, t)
		}
		prev = s.Hi
	}
	return encoder.EncodeAll(buf, nil), nil
}

func decode[T Spanner](data []byte, kind byte, tile func(Range, []byte) (T, []byte, error)) (*Region[T], error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, skyerr.Wrap(skyerr.CodeMalformedInput, errors.WithStack(err), "decompress snapshot")
	}
	if len(raw) < len(snapshotMagic)+2 || string(raw[:len(snapshotMagic)]) != string(snapshotMagic) {
		return nil, skyerr.Malformed("not a region snapshot")
	}
	raw = raw[len(snapshotMagic):]
	if raw[0] != snapshotVersion {
		return nil, skyerr.Malformed("unsupported snapshot version %d", raw[0])
	}
	if raw[1] != kind {
		return nil, skyerr.Malformed("snapshot holds region kind %d, want %d", raw[1], kind)
	}
	raw = raw[2:]

	count, n := binary.Uvarint(raw)
	if n <= 0 {
		return nil, skyerr.Malformed("snapshot truncated in tile count")
	}
	raw = raw[n:]
	// Every tile takes at least two bytes, which bounds a corrupt count.
	if count > uint64(len(raw))/2 {
		return nil, skyerr.Malformed("snapshot claims %d tiles in %d bytes", count, len(raw))
	}

	tiles := make([]T, 0, count)
	var prev int64
	for i := uint64(0); i < count; i++ {
		gap, n := binary.Uvarint(raw)
		if n <= 0 {
			return nil, skyerr.Malformed("snapshot truncated at tile %d", i)
		}
		raw = raw[n:]
		length, n := binary.Uvarint(raw)
		if n <= 0 {
			return nil, skyerr.Malformed("snapshot truncated at tile %d", i)
		}
		raw = raw[n:]
		lo := prev + int64(gap)
		r := Range{Lo: lo, Hi: lo + int64(length)}
		var t T
		if t, raw, err = tile(r, raw); err != nil {
			return nil, err
		}
		tiles = append(tiles, t)
		prev = r.Hi
	}
	out := &Region[T]{tiles: tiles}
	if err := out.Validate(); err != nil {
		return nil, skyerr.Wrap(skyerr.CodeMalformedInput, err, "decoded snapshot")
	}
	return out, nil
}
