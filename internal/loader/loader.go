// Package loader drives the per-partition load/evict state machine: it
// intersects the viewport against the catalog, pulls missing partitions
// from cache or transport, merges them into the working set, and evicts
// partitions after an idle grace period once they leave the view.
package loader

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/covmap/server/internal/catalog"
	"github.com/covmap/server/internal/dataset"
	"github.com/covmap/server/internal/store"
)

// Transport fetches one partition's payload: a newline-delimited sequence
// of record JSON objects. It receives the full pointer so caching layers
// can key on the freshness token.
type Transport interface {
	FetchPartition(ctx context.Context, ptr catalog.Pointer) (io.ReadCloser, error)
}

type phase int

const (
	notLoaded phase = iota
	loading
	loaded
)

// Config contains loader tuning.
type Config struct {
	// LoadThresholdZoom is the zoom below which no partition data is
	// loaded at all; only catalog outlines are shown at world view.
	LoadThresholdZoom float64
	// EvictAfter is the idle grace period before an off-screen
	// partition's records are dropped.
	EvictAfter time.Duration
}

// Loader owns the partition state machine and the working set.
type Loader struct {
	cfg       Config
	index     *catalog.Index
	cache     *store.PartitionCache
	transport Transport
	ws        *WorkingSet
	log       zerolog.Logger

	mu          sync.Mutex
	phases      map[string]phase
	evictTimers map[string]*time.Timer
	skipped     int

	fetches sync.WaitGroup

	// onChange fires after every working-set mutation, outside the
	// loader lock.
	onChange func()
}

// New creates a loader. onChange may be nil.
func New(cfg Config, index *catalog.Index, cache *store.PartitionCache, transport Transport, ws *WorkingSet, log zerolog.Logger) *Loader {
	return &Loader{
		cfg:         cfg,
		index:       index,
		cache:       cache,
		transport:   transport,
		ws:          ws,
		log:         log.With().Str("component", "loader").Logger(),
		phases:      make(map[string]phase),
		evictTimers: make(map[string]*time.Timer),
	}
}

// SetOnChange registers the recompute trigger. Must be called before the
// first viewport event.
func (l *Loader) SetOnChange(fn func()) {
	l.onChange = fn
}

// WorkingSet returns the loader's working set.
func (l *Loader) WorkingSet() *WorkingSet {
	return l.ws
}

// OnViewportChange is the single entry point for pan/zoom settle events.
func (l *Loader) OnViewportChange(ctx context.Context, vp dataset.Viewport) {
	if vp.Zoom < l.cfg.LoadThresholdZoom {
		l.reset()
		return
	}

	visible := l.index.Intersecting(vp)
	visibleSet := make(map[string]struct{}, len(visible))

	changed := false
	var toFetch []catalog.Pointer

	l.mu.Lock()
	for _, ptr := range visible {
		visibleSet[ptr.Name] = struct{}{}
		switch l.phases[ptr.Name] {
		case loading:
			// A fetch is already in flight; Loading is the only de-dup
			// guard, so never start a second one.
			continue
		case loaded:
			l.cancelEvictionLocked(ptr.Name)
			continue
		}

		l.phases[ptr.Name] = loading
		records, hit, err := l.cache.GetValid(ptr.Name, ptr.UpdatedAt)
		if err != nil {
			l.log.Warn().Str("partition", ptr.Name).Err(err).Msg("cache lookup failed")
		}
		if hit {
			l.ws.Merge(ptr.Name, records)
			l.phases[ptr.Name] = loaded
			changed = true
			l.log.Debug().Str("partition", ptr.Name).Int("records", len(records)).Msg("loaded from cache")
			continue
		}
		toFetch = append(toFetch, ptr)
	}

	// Idle-evict loaded partitions that left the view. Immediate eviction
	// would thrash when the user oscillates near a partition edge.
	for name, ph := range l.phases {
		if ph != loaded {
			continue
		}
		if _, ok := visibleSet[name]; ok {
			continue
		}
		l.scheduleEvictionLocked(name)
	}
	l.mu.Unlock()

	for _, ptr := range toFetch {
		l.fetches.Add(1)
		go l.fetch(ctx, ptr)
	}

	if changed {
		l.notify()
	}
}

// fetch pulls one partition from the transport, caches and merges it.
// Fetches are never cancelled mid-flight by viewport movement; a result
// for a no-longer-visible partition still merges and is then evicted
// normally on the next viewport event.
func (l *Loader) fetch(ctx context.Context, ptr catalog.Pointer) {
	defer l.fetches.Done()

	records, skipped, err := l.fetchRecords(ctx, ptr)
	if err != nil {
		l.log.Warn().Str("partition", ptr.Name).Err(err).Msg("partition fetch failed")
		l.mu.Lock()
		l.phases[ptr.Name] = notLoaded
		l.mu.Unlock()
		return
	}
	if skipped > 0 {
		l.log.Warn().Str("partition", ptr.Name).Int("skipped", skipped).Msg("skipped malformed records")
	}

	if err := l.cache.Put(ptr.Name, records, ptr.UpdatedAt); err != nil {
		l.log.Warn().Str("partition", ptr.Name).Err(err).Msg("cache write failed")
	}

	l.mu.Lock()
	l.ws.Merge(ptr.Name, records)
	l.phases[ptr.Name] = loaded
	l.skipped += skipped
	l.mu.Unlock()

	l.log.Debug().Str("partition", ptr.Name).Int("records", len(records)).Msg("loaded from transport")
	l.notify()
}

func (l *Loader) fetchRecords(ctx context.Context, ptr catalog.Pointer) ([]dataset.Record, int, error) {
	body, err := l.transport.FetchPartition(ctx, ptr)
	if err != nil {
		return nil, 0, err
	}
	defer body.Close()

	records, skipped, err := dataset.DecodeNDJSON(body)
	if err != nil {
		return nil, skipped, fmt.Errorf("decode: %w", err)
	}
	return records, skipped, nil
}

// scheduleEvictionLocked starts the idle timer for a partition unless one
// is already pending, so double scheduling evicts exactly once.
func (l *Loader) scheduleEvictionLocked(name string) {
	if _, pending := l.evictTimers[name]; pending {
		return
	}
	l.evictTimers[name] = time.AfterFunc(l.cfg.EvictAfter, func() {
		l.evict(name)
	})
	l.log.Debug().Str("partition", name).Dur("after", l.cfg.EvictAfter).Msg("eviction scheduled")
}

func (l *Loader) cancelEvictionLocked(name string) {
	if timer, ok := l.evictTimers[name]; ok {
		timer.Stop()
		delete(l.evictTimers, name)
		l.log.Debug().Str("partition", name).Msg("eviction cancelled")
	}
}

func (l *Loader) evict(name string) {
	l.mu.Lock()
	if _, ok := l.evictTimers[name]; !ok {
		// Cancelled after the timer fired but before we took the lock.
		l.mu.Unlock()
		return
	}
	delete(l.evictTimers, name)
	l.ws.RemoveSource(name)
	l.phases[name] = notLoaded
	l.mu.Unlock()

	l.log.Debug().Str("partition", name).Msg("evicted")
	l.notify()
}

// reset clears everything: below the load threshold individual records
// are not meaningful, only catalog outlines are drawn.
func (l *Loader) reset() {
	l.mu.Lock()
	for name, timer := range l.evictTimers {
		timer.Stop()
		delete(l.evictTimers, name)
	}
	l.phases = make(map[string]phase)
	l.ws.Clear()
	l.mu.Unlock()

	l.notify()
}

// WaitIdle blocks until no fetch is in flight. Used on shutdown and by
// tests.
func (l *Loader) WaitIdle() {
	l.fetches.Wait()
}

// Stats summarizes loader state for the stats endpoint.
type Stats struct {
	Loaded           int `json:"loaded"`
	Loading          int `json:"loading"`
	PendingEvictions int `json:"pending_evictions"`
	Records          int `json:"records"`
	SkippedRecords   int `json:"skipped_records"`
}

// Stats returns a snapshot of loader state.
func (l *Loader) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{
		PendingEvictions: len(l.evictTimers),
		Records:          l.ws.Len(),
		SkippedRecords:   l.skipped,
	}
	for _, ph := range l.phases {
		switch ph {
		case loaded:
			s.Loaded++
		case loading:
			s.Loading++
		}
	}
	return s
}

func (l *Loader) notify() {
	if l.onChange != nil {
		l.onChange()
	}
}
