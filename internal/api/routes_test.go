package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/covmap/server/internal/catalog"
	"github.com/covmap/server/internal/cluster"
	"github.com/covmap/server/internal/render"
	"github.com/covmap/server/internal/service"
	"github.com/covmap/server/internal/store"
	"github.com/covmap/server/pkg/geom"
)

type fakeSource struct{ pointers []catalog.Pointer }

func (s *fakeSource) FetchCatalog(ctx context.Context) ([]catalog.Pointer, error) {
	return s.pointers, nil
}

type fakeTransport struct{ payloads map[string]string }

func (f *fakeTransport) FetchPartition(ctx context.Context, ptr catalog.Pointer) (io.ReadCloser, error) {
	payload, ok := f.payloads[ptr.Name]
	if !ok {
		return nil, fmt.Errorf("no such partition %q", ptr.Name)
	}
	return io.NopCloser(strings.NewReader(payload)), nil
}

func testRouter(t *testing.T) (*chi.Mux, *service.SpatialCacheService) {
	t.Helper()

	var payload strings.Builder
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&payload, `{"id":"r%d","category":"fiber","geometry":{"type":"Point","coordinates":[%g,0]}}`+"\n", i, float64(i)*0.0002)
	}

	src := &fakeSource{pointers: []catalog.Pointer{{
		Name:      "equator",
		BBox:      geom.BBox{MinLon: -0.5, MinLat: -0.5, MaxLon: 0.5, MaxLat: 0.5},
		UpdatedAt: "2025-01-01",
	}}}
	tr := &fakeTransport{payloads: map[string]string{"equator": payload.String()}}

	svc, err := service.New(service.Config{
		LoadThresholdZoom: 10,
		EvictAfter:        time.Hour,
		ClusterParams:     cluster.Params{Eps: 180, MinPts: 3},
	}, src, tr, store.NewMemKV(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	if err := svc.RefreshCatalog(context.Background()); err != nil {
		t.Fatalf("refresh catalog: %v", err)
	}

	router := NewRouter(RouterConfig{
		Service:     svc,
		Renderer:    render.NewSnapshotRenderer(render.Config{Width: 160, Height: 120}),
		CORSOrigins: []string{"http://localhost:3000"},
	})
	return router, svc
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	router, _ := testRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("unexpected health response: %d %q", rec.Code, rec.Body.String())
	}
}

func TestCatalogEndpoint(t *testing.T) {
	router, _ := testRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/catalog", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Partitions []catalog.Pointer `json:"partitions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Partitions) != 1 || payload.Partitions[0].Name != "equator" {
		t.Fatalf("unexpected catalog: %+v", payload)
	}
}

func TestViewportToClusters(t *testing.T) {
	router, svc := testRouter(t)

	vp := map[string]any{"west": -0.1, "south": -0.1, "east": 0.1, "north": 0.1, "zoom": 13}
	rec := doJSON(t, router, http.MethodPost, "/api/viewport", vp)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	svc.WaitIdle()

	rec = doJSON(t, router, http.MethodGet, "/api/clusters", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Count    int               `json:"count"`
		Clusters []cluster.Overlay `json:"clusters"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Count != 1 || payload.Clusters[0].Count != 5 {
		t.Fatalf("unexpected clusters: %+v", payload)
	}

	t.Run("records", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodGet, "/api/records", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var payload struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload.Count != 5 {
			t.Fatalf("expected 5 records, got %d", payload.Count)
		}
	})

	t.Run("invalidBounds", func(t *testing.T) {
		bad := map[string]any{"west": 2.0, "south": 0.0, "east": 1.0, "north": 1.0, "zoom": 13}
		rec := doJSON(t, router, http.MethodPost, "/api/viewport", bad)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestOverlayUpload(t *testing.T) {
	router, svc := testRouter(t)
	doJSON(t, router, http.MethodPost, "/api/viewport",
		map[string]any{"west": -0.1, "south": -0.1, "east": 0.1, "north": 0.1, "zoom": 13})
	svc.WaitIdle()

	t.Run("jsonArray", func(t *testing.T) {
		records := []map[string]any{}
		for i := 0; i < 3; i++ {
			records = append(records, map[string]any{
				"id":       fmt.Sprintf("u%d", i),
				"category": "satellite",
				"geometry": map[string]any{"type": "Point", "coordinates": []float64{float64(i) * 0.0002, 0.01}},
			})
		}
		rec := doJSON(t, router, http.MethodPost, "/api/overlay", records)
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
		var resp struct {
			ID    string `json:"id"`
			Count int    `json:"count"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Count != 3 || resp.ID == "" {
			t.Fatalf("unexpected response: %+v", resp)
		}

		del := doJSON(t, router, http.MethodDelete, "/api/overlay/"+resp.ID, nil)
		if del.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", del.Code)
		}
	})

	t.Run("ndjson", func(t *testing.T) {
		body := `{"id":"n1","category":"dsl","geometry":{"type":"Point","coordinates":[0.01,0.01]}}` + "\n" +
			`garbage line` + "\n" +
			`{"id":"n2","category":"dsl","geometry":{"type":"Point","coordinates":[0.011,0.01]}}` + "\n"
		req := httptest.NewRequest(http.MethodPost, "/api/overlay", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/x-ndjson")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
		var resp struct {
			Count   int `json:"count"`
			Skipped int `json:"skipped"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Count != 2 || resp.Skipped != 1 {
			t.Fatalf("unexpected response: %+v", resp)
		}
	})

	t.Run("empty", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/overlay", []map[string]any{})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestClusterParamsEndpoint(t *testing.T) {
	router, _ := testRouter(t)

	rec := doJSON(t, router, http.MethodPut, "/api/cluster/params", map[string]any{"eps": 250.0, "min_pts": 4})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/cluster/params", nil)
	var p cluster.Params
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Eps != 250 || p.MinPts != 4 {
		t.Fatalf("unexpected params: %+v", p)
	}

	t.Run("rejectsNonPositive", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPut, "/api/cluster/params", map[string]any{"eps": -1.0, "min_pts": 0})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestFilterEndpoint(t *testing.T) {
	router, svc := testRouter(t)
	doJSON(t, router, http.MethodPost, "/api/viewport",
		map[string]any{"west": -0.1, "south": -0.1, "east": 0.1, "north": 0.1, "zoom": 13})
	svc.WaitIdle()

	rec := doJSON(t, router, http.MethodPut, "/api/filter", map[string]any{"categories": []string{"satellite"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/clusters", nil)
	var payload struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Count != 0 {
		t.Fatalf("expected no fiber clusters under satellite filter, got %d", payload.Count)
	}
}

func TestPreviewEndpoint(t *testing.T) {
	router, svc := testRouter(t)

	// Without a viewport there is nothing to draw.
	rec := doJSON(t, router, http.MethodGet, "/api/preview.png", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 before first viewport, got %d", rec.Code)
	}

	doJSON(t, router, http.MethodPost, "/api/viewport",
		map[string]any{"west": -0.1, "south": -0.1, "east": 0.1, "north": 0.1, "zoom": 13})
	svc.WaitIdle()

	rec = doJSON(t, router, http.MethodGet, "/api/preview.png?w=200&h=100", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %q", ct)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected png bytes")
	}
}

func TestStatsEndpoint(t *testing.T) {
	router, svc := testRouter(t)
	doJSON(t, router, http.MethodPost, "/api/viewport",
		map[string]any{"west": -0.1, "south": -0.1, "east": 0.1, "north": 0.1, "zoom": 13})
	svc.WaitIdle()

	rec := doJSON(t, router, http.MethodGet, "/api/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st service.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.CatalogPartitions != 1 || st.Loader.Records != 5 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}
