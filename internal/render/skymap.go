// Package render draws sky maps as plate carrée PNG images using fogleman/gg.
package render

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"
	"github.com/pkg/errors"

	"github.com/skyrange/server/internal/healpix"
	"github.com/skyrange/server/internal/region"
	"github.com/skyrange/server/internal/skyerr"
	"github.com/skyrange/server/pkg/colormap"
)

// MaxDimension bounds the width and height of a rendered image.
const MaxDimension = 4096

// logDecades is the dynamic range shown by log-scaled images.
const logDecades = 6.0

// Config contains renderer configuration.
type Config struct {
	Width           int
	Height          int
	DefaultColormap string
}

// Marker is a labelled point drawn over the map, e.g. a ranked field centre.
type Marker struct {
	Lon   float64
	Lat   float64
	Label string
}

// Options control a single render. Zero values fall back to the renderer
// config.
type Options struct {
	Width    int
	Height   int
	Colormap string
	LogScale bool
	Markers  []Marker
}

// SkymapRenderer renders sky maps.
type SkymapRenderer struct {
	config     Config
	bufferPool sync.Pool
}

// NewSkymapRenderer creates a new sky map renderer.
func NewSkymapRenderer(cfg Config) *SkymapRenderer {
	return &SkymapRenderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 256*1024))
			},
		},
	}
}

// Resolve fills zero options from the renderer config and validates them.
func (r *SkymapRenderer) Resolve(opts Options) (Options, error) {
	if opts.Width == 0 {
		opts.Width = r.config.Width
	}
	if opts.Height == 0 {
		opts.Height = r.config.Height
	}
	if opts.Colormap == "" {
		opts.Colormap = r.config.DefaultColormap
	}
	if opts.Width < 1 || opts.Width > MaxDimension || opts.Height < 1 || opts.Height > MaxDimension {
		return opts, skyerr.Malformed("image size %dx%d outside 1..%d", opts.Width, opts.Height, MaxDimension)
	}
	if _, ok := colormap.Lookup(opts.Colormap); !ok {
		return opts, skyerr.Malformed("unknown colormap %q", opts.Colormap)
	}
	return opts, nil
}

// Render draws m with longitude increasing to the left, as on the sky, and
// latitude +90 at the top. Pixels outside the map are left white.
func (r *SkymapRenderer) Render(ctx context.Context, m *region.SkyMap, opts Options) ([]byte, error) {
	opts, err := r.Resolve(opts)
	if err != nil {
		return nil, err
	}
	cmap, _ := colormap.Lookup(opts.Colormap)

	img := image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height))
	dc := gg.NewContextForRGBA(img)
	dc.SetColor(color.White)
	dc.Clear()

	peak := peakDensity(m)
	if peak > 0 {
		for y := 0; y < opts.Height; y++ {
			if err := ctx.Err(); err != nil {
				return nil, skyerr.Cancelled(err)
			}
			lat := 90 - 180*(float64(y)+0.5)/float64(opts.Height)
			for x := 0; x < opts.Width; x++ {
				lon := 360 - 360*(float64(x)+0.5)/float64(opts.Width)
				nested, err := healpix.AngToPix(healpix.MaxOrder, lon, lat)
				if err != nil {
					return nil, err
				}
				i := m.Lookup(nested)
				if i < 0 {
					continue
				}
				d := m.At(i).Density
				if d <= 0 {
					continue
				}
				img.Set(x, y, cmap.At(scale(d, peak, opts.LogScale)))
			}
		}
	}

	drawMarkers(dc, opts)
	return r.encode(img)
}

func peakDensity(m *region.SkyMap) float64 {
	var peak float64
	for _, t := range m.Tiles() {
		if t.Density > peak {
			peak = t.Density
		}
	}
	return peak
}

func scale(d, peak float64, logScale bool) float64 {
	if !logScale {
		return d / peak
	}
	return (math.Log10(d/peak) + logDecades) / logDecades
}

func drawMarkers(dc *gg.Context, opts Options) {
	w, h := float64(opts.Width), float64(opts.Height)
	dc.SetLineWidth(2)
	for i, mk := range opts.Markers {
		lon := math.Mod(mk.Lon, 360)
		if lon < 0 {
			lon += 360
		}
		px := (360 - lon) / 360 * w
		py := (90 - mk.Lat) / 180 * h

		dc.SetColor(colormap.Categorical.AtIndex(i))
		dc.DrawCircle(px, py, 5)
		dc.Stroke()
		if mk.Label != "" {
			dc.DrawString(mk.Label, px+7, py-7)
		}
	}
}

func (r *SkymapRenderer) encode(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, errors.Wrap(err, "encode png")
	}

	// buffer is reused
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
