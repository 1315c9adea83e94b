package render

import (
	"bytes"
	"context"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyrange/server/internal/healpix"
	"github.com/skyrange/server/internal/region"
	"github.com/skyrange/server/internal/skyerr"
	"github.com/skyrange/server/pkg/colormap"
)

func newRenderer() *SkymapRenderer {
	return NewSkymapRenderer(Config{Width: 64, Height: 32, DefaultColormap: "viridis"})
}

func fullSky(density float64) *region.SkyMap {
	return region.New([]region.Weighted{{
		Range:   region.Range{Lo: 0, Hi: healpix.PixelCount(healpix.MaxOrder)},
		Density: density,
	}})
}

func TestRenderFullSky(t *testing.T) {
	data, err := newRenderer().Render(context.Background(), fullSky(2.5), Options{})
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")))

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 32, img.Bounds().Dy())

	want := colormap.Viridis.At(1)
	for _, p := range [][2]int{{0, 0}, {31, 16}, {63, 31}} {
		assert.Equal(t, color.RGBAModel.Convert(want), color.RGBAModel.Convert(img.At(p[0], p[1])))
	}
}

func TestRenderEmptyIsBlank(t *testing.T) {
	data, err := newRenderer().Render(context.Background(), region.Empty[region.Weighted](), Options{Width: 8, Height: 4})
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, color.RGBAModel.Convert(color.White), color.RGBAModel.Convert(img.At(3, 2)))
}

func TestRenderLogScale(t *testing.T) {
	assert.InDelta(t, 1.0, scale(4, 4, true), 1e-12)
	assert.InDelta(t, 0.5, scale(4e-3, 4, true), 1e-12)
	assert.Less(t, scale(1e-9, 1, true), 0.0)
	assert.InDelta(t, 0.25, scale(1, 4, false), 1e-12)
}

func TestResolveRejectsBadOptions(t *testing.T) {
	r := newRenderer()

	_, err := r.Resolve(Options{Width: MaxDimension + 1})
	assert.True(t, skyerr.Is(err, skyerr.CodeMalformedInput))

	_, err = r.Resolve(Options{Colormap: "jet"})
	assert.True(t, skyerr.Is(err, skyerr.CodeMalformedInput))

	opts, err := r.Resolve(Options{LogScale: true})
	require.NoError(t, err)
	assert.Equal(t, 64, opts.Width)
	assert.Equal(t, "viridis", opts.Colormap)
}

func TestRenderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newRenderer().Render(ctx, fullSky(1), Options{})
	assert.True(t, skyerr.Is(err, skyerr.CodeCancelled))
}

func TestRenderMarkers(t *testing.T) {
	data, err := newRenderer().Render(context.Background(), region.Empty[region.Weighted](), Options{
		Width:   200,
		Height:  100,
		Markers: []Marker{{Lon: 180, Lat: 0, Label: "1"}},
	})
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	// circle of radius 5 around (100, 50)
	r, g, b, _ := img.At(105, 50).RGBA()
	assert.False(t, r == 0xffff && g == 0xffff && b == 0xffff, "marker outline not drawn")
}
