package cluster

import (
	"math"
	"sort"

	"github.com/covmap/server/pkg/geom"
)

const unassigned = -1

// dbscan partitions pts into clusters and noise. Input order must be
// deterministic (the engine sorts by record id first); given that, the
// resulting membership is identical for any permutation of the original
// point set. Returns per-point cluster labels (unassigned = noise) and
// the number of clusters.
func dbscan(pts []geom.Pt, eps float64, minPts int) ([]int, int) {
	n := len(pts)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = unassigned
	}
	if n == 0 || minPts <= 0 {
		return labels, 0
	}

	idx := newGridIndex(pts, eps)
	visited := make([]bool, n)
	nClusters := 0

	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		visited[i] = true

		neighbors := idx.neighbors(i)
		if len(neighbors) < minPts {
			// Noise for now; a later cluster can still absorb it as a
			// border point.
			continue
		}

		c := nClusters
		nClusters++
		labels[i] = c

		// Expansion queue. Membership is fixed the moment a point is
		// dequeued; only core points (dense own neighborhood) expand.
		queue := neighbors
		for head := 0; head < len(queue); head++ {
			j := queue[head]
			if labels[j] == unassigned {
				labels[j] = c
			} else if labels[j] != c {
				// Claimed by an earlier cluster.
				continue
			}
			if visited[j] {
				continue
			}
			visited[j] = true

			nn := idx.neighbors(j)
			if len(nn) >= minPts {
				queue = append(queue, nn...)
			}
		}
	}

	return labels, nClusters
}

// gridIndex buckets points into eps-sized cells so a neighborhood query
// only scans the 3x3 cell block around a point.
type gridIndex struct {
	pts   []geom.Pt
	eps   float64
	cells map[[2]int][]int
}

func newGridIndex(pts []geom.Pt, eps float64) *gridIndex {
	g := &gridIndex{pts: pts, eps: eps, cells: make(map[[2]int][]int)}
	for i, p := range pts {
		k := g.cellOf(p)
		g.cells[k] = append(g.cells[k], i)
	}
	return g
}

func (g *gridIndex) cellOf(p geom.Pt) [2]int {
	return [2]int{int(math.Floor(p[0] / g.eps)), int(math.Floor(p[1] / g.eps))}
}

// neighbors returns the indices of every point within eps of point i,
// including i itself, in ascending index order.
func (g *gridIndex) neighbors(i int) []int {
	p := g.pts[i]
	center := g.cellOf(p)

	var out []int
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			key := [2]int{center[0] + dx, center[1] + dy}
			for _, j := range g.cells[key] {
				if geom.Dist(p, g.pts[j]) <= g.eps {
					out = append(out, j)
				}
			}
		}
	}
	sort.Ints(out)
	return out
}
