package dataset

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeNDJSON(t *testing.T) {
	input := strings.Join([]string{
		`{"id":"a1","category":"fiber","geometry":{"type":"Point","coordinates":[13.4,52.5]}}`,
		``,
		`not json at all`,
		`{"id":"","category":"dsl","geometry":{"type":"Point","coordinates":[1,2]}}`,
		`{"id":"a2","category":"cable","geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]},"payload":{"price":29.99}}`,
		`{"id":"a3","category":"dsl","geometry":{"type":"Point","coordinates":[]}}`,
	}, "\n")

	records, skipped, err := DecodeNDJSON(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if skipped != 3 {
		t.Fatalf("expected 3 skipped lines, got %d", skipped)
	}
	if records[0].ID != "a1" || records[1].ID != "a2" {
		t.Fatalf("unexpected records: %+v", records)
	}
	if string(records[1].Payload) != `{"price":29.99}` {
		t.Fatalf("payload not preserved: %s", records[1].Payload)
	}
}

func TestRecordCentroid(t *testing.T) {
	var rec Record
	if err := json.Unmarshal([]byte(`{"id":"x","category":"fiber","geometry":{"type":"Point","coordinates":[7,8]}}`), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	c, ok := rec.Centroid()
	if !ok {
		t.Fatalf("expected centroid")
	}
	if c[0] != 7 || c[1] != 8 {
		t.Fatalf("unexpected centroid: %v", c)
	}
}

func TestViewportBBox(t *testing.T) {
	v := Viewport{West: -10, South: -5, East: 10, North: 5, Zoom: 12}
	box := v.BBox()
	if box.MinLon != -10 || box.MaxLat != 5 {
		t.Fatalf("unexpected bbox: %+v", box)
	}
}
