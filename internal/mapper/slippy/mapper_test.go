package slippymapper

import (
	"sort"
	"testing"

	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
)

func TestTiles_StableWithinSameTile(t *testing.T) {
	m := New()
	a, err := m.TilesForBBox(model.BBox{MinLon: 14.40, MinLat: 50.07, MaxLon: 14.41, MaxLat: 50.08}, 10)
	if err != nil {
		t.Fatalf("TilesForBBox: %v", err)
	}
	b, err := m.TilesForBBox(model.BBox{MinLon: 14.401, MinLat: 50.071, MaxLon: 14.411, MaxLat: 50.081}, 10)
	if err != nil {
		t.Fatalf("TilesForBBox: %v", err)
	}
	if len(a) != 1 || len(b) != 1 || a[0] != b[0] {
		t.Fatalf("expected same single tile, got %v vs %v", a, b)
	}
	if a[0] != "10/552/346" {
		t.Fatalf("unexpected tile id %s", a[0])
	}
}

func TestTiles_UnionCoversBBox(t *testing.T) {
	m := New()
	bb := model.BBox{MinLon: 14.2, MinLat: 49.9, MaxLon: 14.8, MaxLat: 50.2}
	tiles, err := m.TilesForBBox(bb, 9)
	if err != nil {
		t.Fatalf("TilesForBBox: %v", err)
	}
	if !sort.StringsAreSorted(tiles) {
		t.Fatalf("tiles must be sorted: %v", tiles)
	}
	union := model.BBox{MinLon: 180, MinLat: 90, MaxLon: -180, MaxLat: -90}
	for _, id := range tiles {
		tb, err := m.TileBound(id)
		if err != nil {
			t.Fatalf("TileBound(%s): %v", id, err)
		}
		union.MinLon = min(union.MinLon, tb.MinLon)
		union.MinLat = min(union.MinLat, tb.MinLat)
		union.MaxLon = max(union.MaxLon, tb.MaxLon)
		union.MaxLat = max(union.MaxLat, tb.MaxLat)
	}
	if union.MinLon > bb.MinLon || union.MinLat > bb.MinLat || union.MaxLon < bb.MaxLon || union.MaxLat < bb.MaxLat {
		t.Fatalf("union %v does not cover %v", union, bb)
	}
}

func TestTiles_WorldEdgesClamp(t *testing.T) {
	m := New()
	tiles, err := m.TilesForBBox(model.BBox{MinLon: -180, MinLat: -90, MaxLon: 180, MaxLat: 90}, 1)
	if err != nil {
		t.Fatalf("TilesForBBox: %v", err)
	}
	if len(tiles) != 4 {
		t.Fatalf("expected 4 tiles at z=1, got %v", tiles)
	}
}

func TestTiles_InvalidZoomAndID(t *testing.T) {
	m := New()
	if _, err := m.TilesForBBox(model.BBox{}, -1); err == nil {
		t.Fatalf("expected error for zoom=-1")
	}
	if _, err := m.TilesForBBox(model.BBox{}, 23); err == nil {
		t.Fatalf("expected error for zoom=23")
	}
	if _, err := m.TileBound("nope"); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := m.TileBound("2/9/9"); err == nil {
		t.Fatalf("expected out of range error")
	}
}
