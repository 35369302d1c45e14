// Package dataset defines the record model shared by the catalog, the
// partition cache and the viewport loader.
package dataset

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"

	"github.com/covmap/server/pkg/geom"
)

// Record is one availability record. Payload carries the offer details
// opaquely; the core only looks at id, category and geometry.
type Record struct {
	ID       string          `json:"id"`
	Category string          `json:"category"`
	Geometry geom.Geometry   `json:"geometry"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ErrMalformed marks a record that fails shape validation.
var ErrMalformed = errors.New("malformed record")

// Validate checks the minimal record shape: a non-empty id and a geometry
// that yields at least one coordinate.
func (r Record) Validate() error {
	if r.ID == "" {
		return ErrMalformed
	}
	if _, ok := geom.BoundingBoxOf(r.Geometry); !ok {
		return ErrMalformed
	}
	return nil
}

// Centroid reduces the record geometry to a representative point.
func (r Record) Centroid() (geom.Pt, bool) {
	return geom.Centroid(r.Geometry)
}

// DecodeNDJSON reads newline-delimited record JSON. Malformed lines are
// skipped and counted, never fatal; a partition load survives bad rows.
func DecodeNDJSON(r io.Reader) (records []Record, skipped int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			continue
		}
		if err := rec.Validate(); err != nil {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, skipped, err
	}
	return records, skipped, nil
}
