// Package service wires the spatial dataset cache together: catalog
// index, persistent partition cache, viewport loader and cluster engine,
// behind one explicitly constructed object owned by the host application.
package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/covmap/server/internal/catalog"
	"github.com/covmap/server/internal/cluster"
	"github.com/covmap/server/internal/dataset"
	"github.com/covmap/server/internal/loader"
	"github.com/covmap/server/internal/store"
	"github.com/covmap/server/pkg/geom"
)

// Config contains service tuning.
type Config struct {
	LoadThresholdZoom float64
	EvictAfter        time.Duration
	HotSizeMB         int
	HotTTL            time.Duration
	OverlayCacheSize  int
	ClusterParams     cluster.Params
}

// SpatialCacheService owns the dataset cache and the overlay engine.
type SpatialCacheService struct {
	cfg    Config
	index  *catalog.Index
	source catalog.Source
	pcache *store.PartitionCache
	kv     store.KV
	hot    *hotTransport
	loader *loader.Loader
	log    zerolog.Logger

	mu         sync.Mutex
	viewport   dataset.Viewport
	hasView    bool
	categories []string
	params     cluster.Params

	overlayCache *lru.Cache[string, []cluster.Overlay]
}

// New constructs the service. The catalog source, partition transport and
// key/value store are injected; the service owns everything in between.
func New(cfg Config, source catalog.Source, transport loader.Transport, kv store.KV, log zerolog.Logger) (*SpatialCacheService, error) {
	if cfg.OverlayCacheSize <= 0 {
		cfg.OverlayCacheSize = 256
	}
	if cfg.HotSizeMB <= 0 {
		cfg.HotSizeMB = 128
	}
	if cfg.HotTTL <= 0 {
		cfg.HotTTL = 10 * time.Minute
	}
	if cfg.ClusterParams.Eps <= 0 || cfg.ClusterParams.MinPts <= 0 {
		cfg.ClusterParams = cluster.DefaultParams
	}

	pcache, err := store.NewPartitionCache(kv, log)
	if err != nil {
		return nil, fmt.Errorf("partition cache: %w", err)
	}

	hot, err := newHotTransport(transport, cfg.HotSizeMB, cfg.HotTTL)
	if err != nil {
		return nil, err
	}

	overlayCache, err := lru.New[string, []cluster.Overlay](cfg.OverlayCacheSize)
	if err != nil {
		return nil, fmt.Errorf("overlay cache: %w", err)
	}

	index := catalog.NewIndex(log)
	ld := loader.New(loader.Config{
		LoadThresholdZoom: cfg.LoadThresholdZoom,
		EvictAfter:        cfg.EvictAfter,
	}, index, pcache, hot, loader.NewWorkingSet(), log)

	s := &SpatialCacheService{
		cfg:          cfg,
		index:        index,
		source:       source,
		pcache:       pcache,
		kv:           kv,
		hot:          hot,
		loader:       ld,
		log:          log.With().Str("component", "service").Logger(),
		params:       cfg.ClusterParams,
		overlayCache: overlayCache,
	}
	ld.SetOnChange(s.invalidateOverlays)
	return s, nil
}

// invalidateOverlays drops cached overlay results after a working-set
// mutation. The generation in the cache key already prevents stale hits;
// purging keeps dead generations from holding LRU slots.
func (s *SpatialCacheService) invalidateOverlays() {
	s.overlayCache.Purge()
}

// Close waits out in-flight fetches and releases resources.
func (s *SpatialCacheService) Close() error {
	s.loader.WaitIdle()
	if err := s.hot.Close(); err != nil {
		return err
	}
	return s.kv.Close()
}

// RefreshCatalog re-fetches the pointer catalog. Failures surface to the
// caller; the previous catalog stays live.
func (s *SpatialCacheService) RefreshCatalog(ctx context.Context) error {
	return s.index.Refresh(ctx, s.source)
}

// Catalog returns the current pointer list.
func (s *SpatialCacheService) Catalog() []catalog.Pointer {
	return s.index.Snapshot()
}

// OnViewportChange feeds a pan/zoom settle event through the loader.
func (s *SpatialCacheService) OnViewportChange(ctx context.Context, vp dataset.Viewport) {
	s.mu.Lock()
	s.viewport = vp
	s.hasView = true
	s.mu.Unlock()

	s.loader.OnViewportChange(ctx, vp)
}

// WaitIdle blocks until no partition fetch is in flight.
func (s *SpatialCacheService) WaitIdle() {
	s.loader.WaitIdle()
}

// Viewport returns the last viewport event, if any arrived yet.
func (s *SpatialCacheService) Viewport() (dataset.Viewport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewport, s.hasView
}

// SetCategories replaces the active category filter. Empty means all.
func (s *SpatialCacheService) SetCategories(categories []string) {
	sorted := append([]string(nil), categories...)
	sort.Strings(sorted)

	s.mu.Lock()
	s.categories = sorted
	s.mu.Unlock()
}

// SetClusterParams replaces the clustering knobs. Non-positive values
// reset to the defaults.
func (s *SpatialCacheService) SetClusterParams(p cluster.Params) {
	if p.Eps <= 0 || p.MinPts <= 0 {
		p = s.cfg.ClusterParams
	}
	s.mu.Lock()
	s.params = p
	s.mu.Unlock()
}

// ClusterParams returns the active clustering knobs.
func (s *SpatialCacheService) ClusterParams() cluster.Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// AddOverlay merges externally supplied records into the working set
// under a fresh overlay source id. Records must already conform to the
// record shape; invalid ones are rejected wholesale.
func (s *SpatialCacheService) AddOverlay(records []dataset.Record) (string, error) {
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return "", fmt.Errorf("overlay record %q: %w", rec.ID, err)
		}
	}
	id := "overlay-" + uuid.New().String()[:8]
	s.loader.WorkingSet().Merge(id, records)
	s.invalidateOverlays()
	s.log.Info().Str("overlay", id).Int("records", len(records)).Msg("overlay added")
	return id, nil
}

// RemoveOverlay drops an overlay source and its records.
func (s *SpatialCacheService) RemoveOverlay(id string) {
	s.loader.WorkingSet().RemoveSource(id)
	s.invalidateOverlays()
}

// Records returns every record currently visible in the viewport,
// filtered by the active categories.
func (s *SpatialCacheService) Records() []dataset.Record {
	s.mu.Lock()
	vp, hasView := s.viewport, s.hasView
	categories := s.categories
	s.mu.Unlock()

	return s.visibleRecords(vp, hasView, categories)
}

func (s *SpatialCacheService) visibleRecords(vp dataset.Viewport, hasView bool, categories []string) []dataset.Record {
	all := s.loader.WorkingSet().All()
	if !hasView {
		return nil
	}
	box := vp.BBox()

	allowed := map[string]struct{}{}
	for _, c := range categories {
		allowed[c] = struct{}{}
	}

	var out []dataset.Record
	for _, rec := range all {
		if len(allowed) > 0 {
			if _, ok := allowed[rec.Category]; !ok {
				continue
			}
		}
		rb, ok := geom.BoundingBoxOf(rec.Geometry)
		if !ok || !rb.Intersects(box) {
			continue
		}
		out = append(out, rec)
	}
	// Deterministic ordering for consumers and cache keys.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clusters computes (or returns cached) overlays for the current
// viewport, filter and parameters. Any change to the working set, the
// filter, eps or minPts lands in the cache key, so stale entries are
// simply never hit again.
func (s *SpatialCacheService) Clusters() []cluster.Overlay {
	s.mu.Lock()
	vp, hasView := s.viewport, s.hasView
	categories := s.categories
	params := s.params
	s.mu.Unlock()

	if !hasView {
		return nil
	}

	key := overlayKey(s.loader.WorkingSet().Gen(), vp, categories, params)
	if cached, ok := s.overlayCache.Get(key); ok {
		return cached
	}

	visible := s.visibleRecords(vp, hasView, categories)
	overlays := cluster.Compute(visible, categories, params)
	s.overlayCache.Add(key, overlays)
	return overlays
}

// Stats summarizes the service for the stats endpoint.
type Stats struct {
	CatalogPartitions int          `json:"catalog_partitions"`
	Loader            loader.Stats `json:"loader"`
	HotEntries        int          `json:"hot_entries"`
	OverlayCacheLen   int          `json:"overlay_cache_len"`
}

// Stats returns a snapshot of cache and loader state.
func (s *SpatialCacheService) Stats() Stats {
	return Stats{
		CatalogPartitions: s.index.Len(),
		Loader:            s.loader.Stats(),
		HotEntries:        s.hot.Len(),
		OverlayCacheLen:   s.overlayCache.Len(),
	}
}

func overlayKey(gen uint64, vp dataset.Viewport, categories []string, p cluster.Params) string {
	return fmt.Sprintf("g%d:%.4f,%.4f,%.4f,%.4f,%.1f:%s:e%.1f,m%d",
		gen, vp.West, vp.South, vp.East, vp.North, vp.Zoom,
		strings.Join(categories, ","), p.Eps, p.MinPts)
}
