package dataset

import "github.com/covmap/server/pkg/geom"

// Viewport is the visible map extent plus zoom, supplied by the map
// surface on every pan/zoom settle. Never persisted.
type Viewport struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
	Zoom  float64 `json:"zoom"`
}

// BBox returns the viewport extent as a bounding box.
func (v Viewport) BBox() geom.BBox {
	return geom.BBox{MinLon: v.West, MinLat: v.South, MaxLon: v.East, MaxLat: v.North}
}
