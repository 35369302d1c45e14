// Package catalog holds the partition pointer index: per-partition
// metadata describing what each remotely stored partition covers, without
// its contents.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/covmap/server/internal/dataset"
	"github.com/covmap/server/pkg/geom"
)

// Pointer describes one named partition. Built offline by the batch
// publisher; consumed read-only here. UpdatedAt is an opaque freshness
// token compared for equality only.
type Pointer struct {
	Name           string           `json:"name"`
	BBox           geom.BBox        `json:"bbox"`
	Outline        []geom.Pt        `json:"outline,omitempty"`
	FurthestPoints []dataset.Record `json:"furthest_points,omitempty"`
	RecordCount    int              `json:"record_count"`
	UpdatedAt      string           `json:"updated_at"`

	// Extra holds publisher fields beyond the known set, keyed by their
	// original JSON names. They pass through opaquely and reappear on
	// re-serialization.
	Extra map[string]json.RawMessage `json:"-"`
}

// pointerFields mirrors Pointer's known fields so the custom codec can
// reuse the default struct handling for them.
type pointerFields struct {
	Name           string           `json:"name"`
	BBox           geom.BBox        `json:"bbox"`
	Outline        []geom.Pt        `json:"outline,omitempty"`
	FurthestPoints []dataset.Record `json:"furthest_points,omitempty"`
	RecordCount    int              `json:"record_count"`
	UpdatedAt      string           `json:"updated_at"`
}

var knownPointerKeys = []string{
	"name", "bbox", "outline", "furthest_points", "record_count", "updated_at",
}

// UnmarshalJSON decodes the known fields and keeps every other key
// verbatim in Extra.
func (p *Pointer) UnmarshalJSON(data []byte) error {
	var fields pointerFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range knownPointerKeys {
		delete(raw, k)
	}
	if len(raw) == 0 {
		raw = nil
	}
	*p = Pointer{
		Name:           fields.Name,
		BBox:           fields.BBox,
		Outline:        fields.Outline,
		FurthestPoints: fields.FurthestPoints,
		RecordCount:    fields.RecordCount,
		UpdatedAt:      fields.UpdatedAt,
		Extra:          raw,
	}
	return nil
}

// MarshalJSON re-serializes the known fields alongside the retained
// extra keys. A retained key never overrides a known field.
func (p Pointer) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(pointerFields{
		Name:           p.Name,
		BBox:           p.BBox,
		Outline:        p.Outline,
		FurthestPoints: p.FurthestPoints,
		RecordCount:    p.RecordCount,
		UpdatedAt:      p.UpdatedAt,
	})
	if err != nil || len(p.Extra) == 0 {
		return base, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range p.Extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Source fetches the full pointer catalog from the remote index service.
type Source interface {
	FetchCatalog(ctx context.Context) ([]Pointer, error)
}

// Index is the in-memory pointer catalog. The catalog is small, so a
// refresh replaces it wholesale; there is no incremental merge.
type Index struct {
	mu       sync.RWMutex
	pointers []Pointer
	byName   map[string]Pointer
	log      zerolog.Logger
}

// NewIndex creates an empty index.
func NewIndex(log zerolog.Logger) *Index {
	return &Index{
		byName: make(map[string]Pointer),
		log:    log.With().Str("component", "catalog").Logger(),
	}
}

// Refresh replaces the catalog with a fresh fetch from the source. A
// fetch failure leaves the previous catalog in place and is surfaced to
// the caller; there is no automatic retry at this layer.
func (x *Index) Refresh(ctx context.Context, src Source) error {
	pointers, err := src.FetchCatalog(ctx)
	if err != nil {
		return fmt.Errorf("catalog fetch: %w", err)
	}
	x.Replace(pointers)
	return nil
}

// Replace swaps in a new pointer set.
func (x *Index) Replace(pointers []Pointer) {
	byName := make(map[string]Pointer, len(pointers))
	for _, p := range pointers {
		byName[p.Name] = p
	}

	x.mu.Lock()
	x.pointers = pointers
	x.byName = byName
	x.mu.Unlock()

	x.log.Info().Int("partitions", len(pointers)).Msg("catalog refreshed")
}

// Get returns the pointer for a partition name.
func (x *Index) Get(name string) (Pointer, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	p, ok := x.byName[name]
	return p, ok
}

// Intersecting returns every pointer whose bounding box overlaps the
// viewport. Boxes that merely touch count as intersecting.
func (x *Index) Intersecting(v dataset.Viewport) []Pointer {
	box := v.BBox()

	x.mu.RLock()
	defer x.mu.RUnlock()

	var out []Pointer
	for _, p := range x.pointers {
		if p.BBox.Intersects(box) {
			out = append(out, p)
		}
	}
	return out
}

// Snapshot returns a copy of the full pointer list, for the catalog API
// endpoint and low-zoom outline rendering.
func (x *Index) Snapshot() []Pointer {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]Pointer, len(x.pointers))
	copy(out, x.pointers)
	return out
}

// Len returns the number of partitions in the catalog.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.pointers)
}
