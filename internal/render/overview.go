// Package render draws overview images of synapse tables using fogleman/gg.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/clbarnes/CATMAID/internal/synapse"
	"github.com/clbarnes/CATMAID/pkg/colormap"
)

const margin = 16.0

// ErrUnknownColormap is returned for a colormap name that is not registered.
var ErrUnknownColormap = errors.New("unknown colormap")

// Config contains renderer configuration.
type Config struct {
	Size            int
	DefaultColormap string
}

// OverviewRenderer draws the xy projection of synapse centroids, colored by
// detection uncertainty and outlined when a traced connector intersects.
type OverviewRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewOverviewRenderer creates a new overview renderer.
func NewOverviewRenderer(cfg Config) *OverviewRenderer {
	if cfg.Size <= 0 {
		cfg.Size = 512
	}
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "viridis"
	}
	return &OverviewRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.Size, cfg.Size)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// Size returns the image edge length in pixels.
func (r *OverviewRenderer) Size() int {
	return r.config.Size
}

// ResolveColormap returns the colormap name that will be used for a request.
func (r *OverviewRenderer) ResolveColormap(name string) (string, error) {
	if name == "" {
		name = r.config.DefaultColormap
	}
	if _, ok := colormap.ByName(name); !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownColormap, name)
	}
	return name, nil
}

// Render draws rows into a PNG.
func (r *OverviewRenderer) Render(rows []synapse.SynapseSummary, colormapName string) ([]byte, error) {
	name, err := r.ResolveColormap(colormapName)
	if err != nil {
		return nil, err
	}
	cmap, _ := colormap.ByName(name)

	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	if len(rows) == 0 {
		return r.encodeContext(dc)
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, row := range rows {
		minX = math.Min(minX, row.Coords.X)
		minY = math.Min(minY, row.Coords.Y)
		maxX = math.Max(maxX, row.Coords.X)
		maxY = math.Max(maxY, row.Coords.Y)
	}

	// Keep the aspect ratio; a single point ends up centred.
	span := math.Max(maxX-minX, maxY-minY)
	if span == 0 {
		span = 1
	}
	size := float64(r.config.Size)
	scale := (size - 2*margin) / span
	offX := (size - (maxX-minX)*scale) / 2
	offY := (size - (maxY-minY)*scale) / 2

	dc.SetLineWidth(1.5)
	for _, row := range rows {
		x := offX + (row.Coords.X-minX)*scale
		y := offY + (row.Coords.Y-minY)*scale
		radius := math.Max(2, math.Min(margin, math.Sqrt(row.SizePx)*scale))

		dc.DrawCircle(x, y, radius)
		dc.SetColor(cmap.At(row.Uncertainty))
		if len(row.IntersectingConnectors) > 0 {
			dc.FillPreserve()
			dc.SetColor(color.Black)
			dc.Stroke()
		} else {
			dc.Fill()
		}
	}

	return r.encodeContext(dc)
}

func (r *OverviewRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
