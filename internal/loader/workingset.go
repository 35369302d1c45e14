package loader

import (
	"sync"

	"github.com/covmap/server/internal/dataset"
)

// WorkingSet is the deduplicated, id-keyed collection of every currently
// loaded record, merged across partitions and overlay sources. A source is
// either a partition name or an overlay id; each id belongs to exactly one
// source at a time and the most recent merge wins.
type WorkingSet struct {
	mu       sync.RWMutex
	records  map[string]dataset.Record
	owner    map[string]string
	bySource map[string]map[string]struct{}
	gen      uint64
}

// NewWorkingSet creates an empty working set.
func NewWorkingSet() *WorkingSet {
	return &WorkingSet{
		records:  make(map[string]dataset.Record),
		owner:    make(map[string]string),
		bySource: make(map[string]map[string]struct{}),
	}
}

// Merge adds records under a source, overwriting records with the same id
// from any source (last-writer-wins).
func (w *WorkingSet) Merge(source string, records []dataset.Record) {
	if len(records) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := w.bySource[source]
	if ids == nil {
		ids = make(map[string]struct{}, len(records))
		w.bySource[source] = ids
	}
	for _, rec := range records {
		if prev, ok := w.owner[rec.ID]; ok && prev != source {
			delete(w.bySource[prev], rec.ID)
		}
		w.records[rec.ID] = rec
		w.owner[rec.ID] = source
		ids[rec.ID] = struct{}{}
	}
	w.gen++
}

// RemoveSource drops every record still owned by the source.
func (w *WorkingSet) RemoveSource(source string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids, ok := w.bySource[source]
	if !ok {
		return
	}
	for id := range ids {
		if w.owner[id] == source {
			delete(w.records, id)
			delete(w.owner, id)
		}
	}
	delete(w.bySource, source)
	w.gen++
}

// Clear empties the working set.
func (w *WorkingSet) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.records) == 0 && len(w.bySource) == 0 {
		return
	}
	w.records = make(map[string]dataset.Record)
	w.owner = make(map[string]string)
	w.bySource = make(map[string]map[string]struct{})
	w.gen++
}

// Has reports whether a record with the given id is present.
func (w *WorkingSet) Has(id string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.records[id]
	return ok
}

// Len returns the number of records.
func (w *WorkingSet) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.records)
}

// Gen returns a counter that increments on every mutation. Consumers use
// it to invalidate derived results.
func (w *WorkingSet) Gen() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.gen
}

// All returns a copy of all records.
func (w *WorkingSet) All() []dataset.Record {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]dataset.Record, 0, len(w.records))
	for _, rec := range w.records {
		out = append(out, rec)
	}
	return out
}
