// Package api provides the HTTP surface of the coverage-map server.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/covmap/server/internal/cluster"
	"github.com/covmap/server/internal/dataset"
	"github.com/covmap/server/internal/render"
	"github.com/covmap/server/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Service     *service.SpatialCacheService
	Renderer    *render.SnapshotRenderer
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/catalog", catalogHandler(cfg.Service))
		r.Post("/viewport", viewportHandler(cfg.Service))
		r.Get("/records", recordsHandler(cfg.Service))
		r.Get("/clusters", clustersHandler(cfg.Service))

		r.Post("/overlay", overlayUploadHandler(cfg.Service))
		r.Delete("/overlay/{id}", overlayDeleteHandler(cfg.Service))

		r.Put("/filter", filterHandler(cfg.Service))
		r.Get("/cluster/params", clusterParamsGetHandler(cfg.Service))
		r.Put("/cluster/params", clusterParamsPutHandler(cfg.Service))

		r.Get("/preview.png", previewHandler(cfg.Service, cfg.Renderer))
		r.Get("/stats", statsHandler(cfg.Service))
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func catalogHandler(svc *service.SpatialCacheService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"partitions": svc.Catalog()})
	}
}

func viewportHandler(svc *service.SpatialCacheService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var vp dataset.Viewport
		if err := json.NewDecoder(r.Body).Decode(&vp); err != nil {
			writeError(w, http.StatusBadRequest, "invalid viewport: "+err.Error())
			return
		}
		if vp.West > vp.East || vp.South > vp.North {
			writeError(w, http.StatusBadRequest, "invalid viewport bounds")
			return
		}
		svc.OnViewportChange(r.Context(), vp)
		writeJSON(w, http.StatusAccepted, svc.Stats())
	}
}

func recordsHandler(svc *service.SpatialCacheService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records := svc.Records()
		if records == nil {
			records = []dataset.Record{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
	}
}

func clustersHandler(svc *service.SpatialCacheService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overlays := svc.Clusters()
		if overlays == nil {
			overlays = []cluster.Overlay{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"clusters": overlays, "count": len(overlays)})
	}
}

// overlayUploadHandler accepts either a JSON array of records or an
// NDJSON stream, depending on Content-Type.
func overlayUploadHandler(svc *service.SpatialCacheService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			records []dataset.Record
			skipped int
		)
		ct := r.Header.Get("Content-Type")
		if strings.HasPrefix(ct, "application/x-ndjson") {
			var err error
			records, skipped, err = dataset.DecodeNDJSON(r.Body)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid ndjson: "+err.Error())
				return
			}
		} else {
			if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
				writeError(w, http.StatusBadRequest, "invalid records: "+err.Error())
				return
			}
		}
		if len(records) == 0 {
			writeError(w, http.StatusBadRequest, "no valid records in upload")
			return
		}

		id, err := svc.AddOverlay(records)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"id":      id,
			"count":   len(records),
			"skipped": skipped,
		})
	}
}

func overlayDeleteHandler(svc *service.SpatialCacheService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.RemoveOverlay(chi.URLParam(r, "id"))
		w.WriteHeader(http.StatusNoContent)
	}
}

func filterHandler(svc *service.SpatialCacheService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Categories []string `json:"categories"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid filter: "+err.Error())
			return
		}
		svc.SetCategories(body.Categories)
		writeJSON(w, http.StatusOK, map[string]any{"categories": body.Categories})
	}
}

func clusterParamsGetHandler(svc *service.SpatialCacheService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.ClusterParams())
	}
}

func clusterParamsPutHandler(svc *service.SpatialCacheService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p cluster.Params
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid params: "+err.Error())
			return
		}
		if p.Eps <= 0 || p.MinPts <= 0 {
			writeError(w, http.StatusBadRequest, "eps and min_pts must be positive")
			return
		}
		svc.SetClusterParams(p)
		writeJSON(w, http.StatusOK, svc.ClusterParams())
	}
}

func previewHandler(svc *service.SpatialCacheService, renderer *render.SnapshotRenderer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vp, ok := svc.Viewport()
		if !ok {
			writeError(w, http.StatusConflict, "no viewport yet")
			return
		}

		// Optional size override.
		q := r.URL.Query()
		cfg := render.Config{}
		if v, err := strconv.Atoi(q.Get("w")); err == nil && v > 0 && v <= 4096 {
			cfg.Width = v
		}
		if v, err := strconv.Atoi(q.Get("h")); err == nil && v > 0 && v <= 4096 {
			cfg.Height = v
		}
		rend := renderer
		if cfg.Width != 0 || cfg.Height != 0 {
			rend = render.NewSnapshotRenderer(cfg)
		}

		data, err := rend.Render(render.Snapshot{
			Viewport: vp,
			Outlines: svc.Catalog(),
			Overlays: svc.Clusters(),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "render failed: "+err.Error())
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}
}

func statsHandler(svc *service.SpatialCacheService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Stats())
	}
}
