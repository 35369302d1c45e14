// Package cluster groups visible records into density clusters per
// category and decides how each cluster is drawn: a convex hull for 3+
// member clusters, a buffered circle otherwise.
package cluster

import (
	"sort"

	"github.com/covmap/server/internal/dataset"
	"github.com/covmap/server/pkg/geom"
)

// Params are the density clustering knobs. Eps is in meters (points are
// projected to web-mercator before distances are measured).
type Params struct {
	Eps    float64 `json:"eps"`
	MinPts int     `json:"min_pts"`
}

// DefaultParams are the reference tuning values.
var DefaultParams = Params{Eps: 180, MinPts: 5}

// Shape says how an overlay is rendered.
type Shape string

const (
	ShapeHull   Shape = "hull"
	ShapeCircle Shape = "circle"
)

// Overlay is one rendered cluster. Coordinates are lon/lat; the circle
// radius is in meters. Ephemeral, recomputed on every relevant change.
type Overlay struct {
	Category  string    `json:"category"`
	RecordIDs []string  `json:"record_ids"`
	Count     int       `json:"count"`
	Centroid  geom.Pt   `json:"centroid"`
	Shape     Shape     `json:"shape"`
	Ring      []geom.Pt `json:"ring,omitempty"`
	Radius    float64   `json:"radius_m,omitempty"`
}

// circleFloor keeps 1-2 point clusters visible regardless of eps.
const circleFloor = 60.0

type point struct {
	id       string
	category string
	proj     geom.Pt
}

// Compute runs density clustering over the given records, one independent
// pass per category. categories filters the input when non-empty. Records
// whose geometry yields no centroid are dropped; isolated points become
// noise and produce no overlay.
func Compute(records []dataset.Record, categories []string, p Params) []Overlay {
	if p.Eps <= 0 || p.MinPts <= 0 {
		p = DefaultParams
	}

	allowed := map[string]struct{}{}
	for _, c := range categories {
		allowed[c] = struct{}{}
	}

	byCategory := make(map[string][]point)
	for _, rec := range records {
		if len(allowed) > 0 {
			if _, ok := allowed[rec.Category]; !ok {
				continue
			}
		}
		c, ok := rec.Centroid()
		if !ok {
			continue
		}
		byCategory[rec.Category] = append(byCategory[rec.Category], point{
			id:       rec.ID,
			category: rec.Category,
			proj:     geom.Project(c),
		})
	}

	cats := make([]string, 0, len(byCategory))
	for c := range byCategory {
		cats = append(cats, c)
	}
	sort.Strings(cats)

	var overlays []Overlay
	for _, cat := range cats {
		pts := byCategory[cat]
		// Sort by id so clustering sees a deterministic order no matter
		// how the working set iterated.
		sort.Slice(pts, func(i, j int) bool { return pts[i].id < pts[j].id })

		coords := make([]geom.Pt, len(pts))
		for i, pt := range pts {
			coords[i] = pt.proj
		}

		labels, nClusters := dbscan(coords, p.Eps, p.MinPts)
		for c := 0; c < nClusters; c++ {
			var members []point
			for i, l := range labels {
				if l == c {
					members = append(members, pts[i])
				}
			}
			overlays = append(overlays, buildOverlay(cat, members, p))
		}
	}
	return overlays
}

func buildOverlay(category string, members []point, p Params) Overlay {
	ids := make([]string, len(members))
	projected := make([]geom.Pt, len(members))
	var cx, cy float64
	for i, m := range members {
		ids[i] = m.id
		projected[i] = m.proj
		cx += m.proj[0]
		cy += m.proj[1]
	}
	center := geom.Pt{cx / float64(len(members)), cy / float64(len(members))}

	ov := Overlay{
		Category:  category,
		RecordIDs: ids,
		Count:     len(members),
		Centroid:  geom.Unproject(center),
	}

	if len(members) >= 3 {
		if hull := geom.ConvexHull(projected); hull != nil {
			ring := make([]geom.Pt, len(hull))
			for i, v := range hull {
				ring[i] = geom.Unproject(v)
			}
			ov.Shape = ShapeHull
			ov.Ring = ring
			return ov
		}
		// Degenerate (collinear or duplicate) member set: fall through to
		// the circle.
	}

	ov.Shape = ShapeCircle
	ov.Radius = p.Eps * 0.9
	if ov.Radius < circleFloor {
		ov.Radius = circleFloor
	}
	return ov
}
