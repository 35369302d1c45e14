package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/covmap/server/internal/catalog"
	"github.com/covmap/server/internal/cluster"
	"github.com/covmap/server/internal/dataset"
	"github.com/covmap/server/internal/store"
	"github.com/covmap/server/pkg/geom"
)

type fakeSource struct {
	pointers []catalog.Pointer
	err      error
}

func (s *fakeSource) FetchCatalog(ctx context.Context) ([]catalog.Pointer, error) {
	return s.pointers, s.err
}

type fakeTransport struct {
	mu       sync.Mutex
	payloads map[string]string
	calls    map[string]int
}

func (f *fakeTransport) FetchPartition(ctx context.Context, ptr catalog.Pointer) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[ptr.Name]++
	payload, ok := f.payloads[ptr.Name]
	if !ok {
		return nil, fmt.Errorf("no such partition %q", ptr.Name)
	}
	return io.NopCloser(strings.NewReader(payload)), nil
}

func (f *fakeTransport) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

// clusterNDJSON emits n fiber points within a few dozen meters of
// (lon, lat), ids prefixed by prefix.
func clusterNDJSON(prefix string, n int, lon, lat float64) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `{"id":"%s%d","category":"fiber","geometry":{"type":"Point","coordinates":[%g,%g]}}`+"\n",
			prefix, i, lon+float64(i%3)*0.0002, lat+float64(i/3)*0.0002)
	}
	return b.String()
}

func newTestService(t *testing.T, evictAfter time.Duration) (*SpatialCacheService, *fakeTransport) {
	t.Helper()

	src := &fakeSource{pointers: []catalog.Pointer{{
		Name:      "equator",
		BBox:      geom.BBox{MinLon: -0.5, MinLat: -0.5, MaxLon: 0.5, MaxLat: 0.5},
		UpdatedAt: "2025-01-01",
	}}}
	tr := &fakeTransport{
		payloads: map[string]string{"equator": clusterNDJSON("e", 6, 0, 0)},
		calls:    make(map[string]int),
	}

	svc, err := New(Config{
		LoadThresholdZoom: 10,
		EvictAfter:        evictAfter,
		ClusterParams:     cluster.Params{Eps: 180, MinPts: 3},
	}, src, tr, store.NewMemKV(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	if err := svc.RefreshCatalog(context.Background()); err != nil {
		t.Fatalf("refresh catalog: %v", err)
	}
	return svc, tr
}

func equatorView(zoom float64) dataset.Viewport {
	return dataset.Viewport{West: -0.1, South: -0.1, East: 0.1, North: 0.1, Zoom: zoom}
}

func TestEndToEndClusters(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)

	svc.OnViewportChange(context.Background(), equatorView(13))
	svc.WaitIdle()

	overlays := svc.Clusters()
	if len(overlays) != 1 {
		t.Fatalf("expected one overlay, got %d: %+v", len(overlays), overlays)
	}
	if overlays[0].Count != 6 || overlays[0].Shape != cluster.ShapeHull {
		t.Fatalf("expected a 6-point hull, got %+v", overlays[0])
	}

	t.Run("categoryFilterRecomputes", func(t *testing.T) {
		svc.SetCategories([]string{"satellite"})
		if got := svc.Clusters(); len(got) != 0 {
			t.Fatalf("expected no overlays under satellite filter, got %+v", got)
		}
		svc.SetCategories(nil)
		if got := svc.Clusters(); len(got) != 1 {
			t.Fatalf("expected overlay back after clearing filter, got %+v", got)
		}
	})

	t.Run("paramChangeRecomputes", func(t *testing.T) {
		// minPts above the point count turns everything into noise.
		svc.SetClusterParams(cluster.Params{Eps: 180, MinPts: 10})
		if got := svc.Clusters(); len(got) != 0 {
			t.Fatalf("expected noise only, got %+v", got)
		}
		svc.SetClusterParams(cluster.Params{Eps: 180, MinPts: 3})
	})

	t.Run("lowZoomShowsNothing", func(t *testing.T) {
		svc.OnViewportChange(context.Background(), equatorView(5))
		if got := svc.Clusters(); len(got) != 0 {
			t.Fatalf("expected empty overlays at world view, got %+v", got)
		}
	})
}

func TestOverlayRecords(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	svc.OnViewportChange(context.Background(), equatorView(13))
	svc.WaitIdle()

	var recs []dataset.Record
	for i := 0; i < 4; i++ {
		recs = append(recs, dataset.Record{
			ID:       fmt.Sprintf("u%d", i),
			Category: "satellite",
			Geometry: geom.Geometry{Type: "Point", Coordinates: []byte(fmt.Sprintf("[%g,0.01]", float64(i)*0.0002))},
		})
	}

	id, err := svc.AddOverlay(recs)
	if err != nil {
		t.Fatalf("add overlay: %v", err)
	}

	overlays := svc.Clusters()
	if len(overlays) != 2 {
		t.Fatalf("expected partition + overlay clusters, got %+v", overlays)
	}

	svc.RemoveOverlay(id)
	if got := svc.Clusters(); len(got) != 1 {
		t.Fatalf("expected overlay cluster gone, got %+v", got)
	}

	t.Run("rejectsMalformed", func(t *testing.T) {
		bad := []dataset.Record{{ID: "", Category: "dsl"}}
		if _, err := svc.AddOverlay(bad); err == nil {
			t.Fatalf("expected validation error")
		}
	})
}

func TestHotCacheShortCircuitsRefetch(t *testing.T) {
	svc, tr := newTestService(t, 30*time.Millisecond)

	svc.OnViewportChange(context.Background(), equatorView(13))
	svc.WaitIdle()
	if got := tr.callCount("equator"); got != 1 {
		t.Fatalf("expected 1 upstream fetch, got %d", got)
	}

	// Leave, let the idle eviction fire, and come back. The persistent
	// cache was written on first load, so the partition reloads without
	// touching the transport at all.
	away := dataset.Viewport{West: 50, South: 50, East: 51, North: 51, Zoom: 13}
	svc.OnViewportChange(context.Background(), away)

	deadline := time.Now().Add(time.Second)
	for svc.Stats().Loader.Records != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("partition was not evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	svc.OnViewportChange(context.Background(), equatorView(13))
	svc.WaitIdle()
	if svc.Stats().Loader.Records == 0 {
		t.Fatalf("expected reload after re-entry")
	}
	if got := tr.callCount("equator"); got != 1 {
		t.Fatalf("expected reload from cache, upstream calls = %d", got)
	}
}

func TestWorkingSetChangePurgesOverlayCache(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	svc.OnViewportChange(context.Background(), equatorView(13))
	svc.WaitIdle()

	svc.Clusters()
	if svc.Stats().OverlayCacheLen == 0 {
		t.Fatalf("expected a cached overlay result")
	}

	t.Run("onUploadedRecords", func(t *testing.T) {
		id, err := svc.AddOverlay([]dataset.Record{{
			ID:       "u0",
			Category: "satellite",
			Geometry: geom.Geometry{Type: "Point", Coordinates: []byte("[0.01,0.01]")},
		}})
		if err != nil {
			t.Fatalf("add overlay: %v", err)
		}
		if got := svc.Stats().OverlayCacheLen; got != 0 {
			t.Fatalf("expected overlay cache purged after upload, len %d", got)
		}
		svc.Clusters()
		svc.RemoveOverlay(id)
		if got := svc.Stats().OverlayCacheLen; got != 0 {
			t.Fatalf("expected overlay cache purged after removal, len %d", got)
		}
	})

	t.Run("onLoaderReset", func(t *testing.T) {
		svc.Clusters()
		if svc.Stats().OverlayCacheLen == 0 {
			t.Fatalf("expected a cached overlay result")
		}
		// Zooming below the load threshold clears the working set, which
		// must ripple into the overlay cache.
		svc.OnViewportChange(context.Background(), equatorView(5))
		if got := svc.Stats().OverlayCacheLen; got != 0 {
			t.Fatalf("expected overlay cache purged at low zoom, len %d", got)
		}
	})
}

func TestStats(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	svc.OnViewportChange(context.Background(), equatorView(13))
	svc.WaitIdle()

	st := svc.Stats()
	if st.CatalogPartitions != 1 {
		t.Fatalf("expected 1 catalog partition, got %d", st.CatalogPartitions)
	}
	if st.Loader.Loaded != 1 || st.Loader.Records != 6 {
		t.Fatalf("unexpected loader stats: %+v", st.Loader)
	}
}
