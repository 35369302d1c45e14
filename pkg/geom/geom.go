// Package geom provides the planar geometry primitives used by the
// partition index and the cluster engine: bounding boxes, ring centroids,
// convex hulls and a web-mercator projection.
package geom

import (
	"encoding/json"
	"math"
	"sort"
)

// Pt is a coordinate pair. In geographic space it is [lon, lat]; after
// projection it is [x, y] in meters.
type Pt [2]float64

// BBox is an axis-aligned bounding box in lon/lat order.
type BBox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// Intersects reports whether two boxes overlap. Boxes that only touch at
// an edge or corner count as intersecting.
func (b BBox) Intersects(o BBox) bool {
	if b.MaxLon < o.MinLon || o.MaxLon < b.MinLon {
		return false
	}
	if b.MaxLat < o.MinLat || o.MaxLat < b.MinLat {
		return false
	}
	return true
}

// Extend grows the box to include p.
func (b *BBox) Extend(p Pt) {
	if p[0] < b.MinLon {
		b.MinLon = p[0]
	}
	if p[0] > b.MaxLon {
		b.MaxLon = p[0]
	}
	if p[1] < b.MinLat {
		b.MinLat = p[1]
	}
	if p[1] > b.MaxLat {
		b.MaxLat = p[1]
	}
}

// Center returns the midpoint of the box.
func (b BBox) Center() Pt {
	return Pt{(b.MinLon + b.MaxLon) / 2, (b.MinLat + b.MaxLat) / 2}
}

// Geometry is a GeoJSON-shaped geometry. Coordinates stay raw so a single
// type covers Point through MultiPolygon; GeometryCollection nests.
type Geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates,omitempty"`
	Geometries  []Geometry      `json:"geometries,omitempty"`
}

// BoundingBoxOf walks a geometry of any type, collecting every coordinate
// pair. Returns false for empty or degenerate input.
func BoundingBoxOf(g Geometry) (BBox, bool) {
	box := BBox{MinLon: math.Inf(1), MinLat: math.Inf(1), MaxLon: math.Inf(-1), MaxLat: math.Inf(-1)}
	n := 0
	walkGeometry(g, func(p Pt) {
		box.Extend(p)
		n++
	})
	if n == 0 {
		return BBox{}, false
	}
	return box, true
}

// Centroid reduces a geometry to a single representative point: the point
// itself, the signed-area centroid of a polygon's outer ring (largest ring
// for multi-polygons), or the bounding-box center as a last resort.
func Centroid(g Geometry) (Pt, bool) {
	switch g.Type {
	case "Point":
		var p []float64
		if err := json.Unmarshal(g.Coordinates, &p); err == nil && len(p) >= 2 {
			return Pt{p[0], p[1]}, true
		}
		return Pt{}, false
	case "Polygon":
		var rings [][][]float64
		if err := json.Unmarshal(g.Coordinates, &rings); err == nil && len(rings) > 0 {
			if c, ok := RingCentroid(toRing(rings[0])); ok {
				return c, true
			}
		}
	case "MultiPolygon":
		var polys [][][][]float64
		if err := json.Unmarshal(g.Coordinates, &polys); err == nil {
			best, bestArea := Pt{}, -1.0
			found := false
			for _, rings := range polys {
				if len(rings) == 0 {
					continue
				}
				ring := toRing(rings[0])
				c, ok := RingCentroid(ring)
				if !ok {
					continue
				}
				a := math.Abs(ringArea(ring))
				if a > bestArea {
					best, bestArea, found = c, a, true
				}
			}
			if found {
				return best, true
			}
		}
	}
	box, ok := BoundingBoxOf(g)
	if !ok {
		return Pt{}, false
	}
	return box.Center(), true
}

func toRing(coords [][]float64) []Pt {
	ring := make([]Pt, 0, len(coords))
	for _, c := range coords {
		if len(c) >= 2 {
			ring = append(ring, Pt{c[0], c[1]})
		}
	}
	return ring
}

// walkGeometry visits every coordinate pair in g. The coordinate payload is
// decoded as untyped JSON and walked structurally, so one pass handles all
// nesting depths and skips malformed fragments instead of failing.
func walkGeometry(g Geometry, visit func(Pt)) {
	if g.Type == "GeometryCollection" {
		for _, sub := range g.Geometries {
			walkGeometry(sub, visit)
		}
		return
	}
	if len(g.Coordinates) == 0 {
		return
	}
	var raw any
	if err := json.Unmarshal(g.Coordinates, &raw); err != nil {
		return
	}
	walkCoords(raw, visit)
}

func walkCoords(v any, visit func(Pt)) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return
	}
	// A position is an array whose leading elements are numbers.
	if lon, ok := arr[0].(float64); ok {
		if len(arr) >= 2 {
			if lat, ok := arr[1].(float64); ok {
				visit(Pt{lon, lat})
			}
		}
		return
	}
	for _, sub := range arr {
		walkCoords(sub, visit)
	}
}

func ringArea(ring []Pt) float64 {
	if len(ring) < 3 {
		return 0
	}
	area := 0.0
	for i := 0; i < len(ring)-1; i++ {
		area += ring[i][0]*ring[i+1][1] - ring[i+1][0]*ring[i][1]
	}
	return area / 2
}

// RingCentroid computes the signed-area weighted centroid of a closed
// ring. Degenerate rings (zero area) fall back to the first vertex.
func RingCentroid(ring []Pt) (Pt, bool) {
	if len(ring) == 0 {
		return Pt{}, false
	}
	area := 0.0
	var cx, cy float64
	for i := 0; i < len(ring)-1; i++ {
		cross := ring[i][0]*ring[i+1][1] - ring[i+1][0]*ring[i][1]
		area += cross
		cx += (ring[i][0] + ring[i+1][0]) * cross
		cy += (ring[i][1] + ring[i+1][1]) * cross
	}
	if area == 0 {
		return ring[0], true
	}
	area /= 2
	return Pt{cx / (6 * area), cy / (6 * area)}, true
}

// ConvexHull computes the convex hull of a point set using Andrew's
// monotone chain. Points are deduplicated by exact coordinate first; fewer
// than 3 distinct points yield nil. The result is a closed ring (first
// vertex repeated) and is identical for any permutation of the input.
func ConvexHull(points []Pt) []Pt {
	pts := dedupPoints(points)
	if len(pts) < 3 {
		return nil
	}
	sort.Slice(pts, func(i, j int) bool {
		if pts[i][0] != pts[j][0] {
			return pts[i][0] < pts[j][0]
		}
		return pts[i][1] < pts[j][1]
	})

	var lower []Pt
	for _, p := range pts {
		for len(lower) >= 2 && cross(lower[len(lower)-2], lower[len(lower)-1], p) <= 0 {
			lower = lower[:len(lower)-1]
		}
		lower = append(lower, p)
	}
	var upper []Pt
	for i := len(pts) - 1; i >= 0; i-- {
		p := pts[i]
		for len(upper) >= 2 && cross(upper[len(upper)-2], upper[len(upper)-1], p) <= 0 {
			upper = upper[:len(upper)-1]
		}
		upper = append(upper, p)
	}

	// Each chain ends where the other starts; drop the duplicated joins.
	hull := append(lower[:len(lower)-1], upper[:len(upper)-1]...)
	if len(hull) < 3 {
		// Collinear input collapses both chains.
		return nil
	}
	return append(hull, hull[0])
}

func dedupPoints(points []Pt) []Pt {
	seen := make(map[Pt]struct{}, len(points))
	out := make([]Pt, 0, len(points))
	for _, p := range points {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func cross(o, a, b Pt) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}

// Dist is the Euclidean distance between two points in whatever plane the
// caller works in. The cluster engine projects to mercator meters first.
func Dist(a, b Pt) float64 {
	dx := a[0] - b[0]
	dy := a[1] - b[1]
	return math.Sqrt(dx*dx + dy*dy)
}
