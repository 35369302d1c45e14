// Package render draws PNG snapshots of the current map state using
// fogleman/gg: partition outlines at low zoom, cluster hulls and circles
// at high zoom.
package render

import (
	"bytes"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/covmap/server/internal/catalog"
	"github.com/covmap/server/internal/cluster"
	"github.com/covmap/server/internal/dataset"
	"github.com/covmap/server/pkg/geom"
	"github.com/covmap/server/pkg/palette"
)

// Config contains renderer configuration. Colors maps category names to
// "#rrggbb" overrides of the default palette; entries that do not parse
// are ignored.
type Config struct {
	Width  int
	Height int
	Colors map[string]string
}

// SnapshotRenderer renders viewport snapshots.
type SnapshotRenderer struct {
	config     Config
	bufferPool sync.Pool
	palette    palette.Palette
}

// NewSnapshotRenderer creates a new snapshot renderer.
func NewSnapshotRenderer(cfg Config) *SnapshotRenderer {
	if cfg.Width <= 0 {
		cfg.Width = 800
	}
	if cfg.Height <= 0 {
		cfg.Height = 600
	}
	overrides := make(map[string]color.RGBA, len(cfg.Colors))
	for category, hex := range cfg.Colors {
		if c, ok := palette.ParseHex(hex); ok {
			overrides[category] = c
		}
	}
	return &SnapshotRenderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
		palette: palette.Default.WithOverrides(overrides),
	}
}

// Snapshot is everything one render needs.
type Snapshot struct {
	Viewport dataset.Viewport
	Outlines []catalog.Pointer
	Overlays []cluster.Overlay
}

// Render draws a snapshot to PNG. Outlines are drawn when present;
// overlays on top of them.
func (r *SnapshotRenderer) Render(snap Snapshot) ([]byte, error) {
	dc := gg.NewContext(r.config.Width, r.config.Height)
	dc.SetColor(color.White)
	dc.Clear()

	toPx := r.projector(snap.Viewport)

	outlineColor := color.RGBA{120, 120, 120, 255}
	for _, ptr := range snap.Outlines {
		if len(ptr.Outline) < 3 {
			continue
		}
		dc.NewSubPath()
		for i, v := range ptr.Outline {
			x, y := toPx(v)
			if i == 0 {
				dc.MoveTo(x, y)
			} else {
				dc.LineTo(x, y)
			}
		}
		dc.ClosePath()
		dc.SetColor(palette.WithAlpha(outlineColor, 40))
		dc.FillPreserve()
		dc.SetColor(outlineColor)
		dc.SetLineWidth(1)
		dc.Stroke()
	}

	for _, ov := range snap.Overlays {
		c := r.palette.For(ov.Category)
		switch ov.Shape {
		case cluster.ShapeHull:
			dc.NewSubPath()
			for i, v := range ov.Ring {
				x, y := toPx(v)
				if i == 0 {
					dc.MoveTo(x, y)
				} else {
					dc.LineTo(x, y)
				}
			}
			dc.ClosePath()
			dc.SetColor(palette.WithAlpha(c, 90))
			dc.FillPreserve()
			dc.SetColor(c)
			dc.SetLineWidth(2)
			dc.Stroke()
		case cluster.ShapeCircle:
			x, y := toPx(ov.Centroid)
			rad := r.radiusPx(snap.Viewport, ov.Centroid, ov.Radius)
			dc.DrawCircle(x, y, rad)
			dc.SetColor(palette.WithAlpha(c, 90))
			dc.FillPreserve()
			dc.SetColor(c)
			dc.SetLineWidth(2)
			dc.Stroke()
		}
	}

	return r.encode(dc)
}

// projector maps lon/lat to pixel coordinates by projecting the viewport
// corners to mercator and scaling linearly.
func (r *SnapshotRenderer) projector(vp dataset.Viewport) func(geom.Pt) (float64, float64) {
	min := geom.Project(geom.Pt{vp.West, vp.South})
	max := geom.Project(geom.Pt{vp.East, vp.North})
	w := max[0] - min[0]
	h := max[1] - min[1]
	if w == 0 {
		w = 1
	}
	if h == 0 {
		h = 1
	}
	width := float64(r.config.Width)
	height := float64(r.config.Height)

	return func(p geom.Pt) (float64, float64) {
		m := geom.Project(p)
		x := (m[0] - min[0]) / w * width
		// Pixel y grows downward.
		y := height - (m[1]-min[1])/h*height
		return x, y
	}
}

// radiusPx converts a meter radius at a given location to pixels. The
// mercator meter scale varies with latitude, so measure a one-radius
// eastward offset.
func (r *SnapshotRenderer) radiusPx(vp dataset.Viewport, at geom.Pt, meters float64) float64 {
	min := geom.Project(geom.Pt{vp.West, vp.South})
	max := geom.Project(geom.Pt{vp.East, vp.North})
	w := max[0] - min[0]
	if w == 0 {
		return 1
	}
	px := meters / w * float64(r.config.Width)
	return math.Max(px, 2)
}

func (r *SnapshotRenderer) encode(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
