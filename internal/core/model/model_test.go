package model

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/paulmach/orb"
)

func TestParseKind(t *testing.T) {
	for in, want := range map[string]GeometryKind{
		"points": KindPoint, " Line ": KindLine, "linestring": KindLine, "POLYGONS": KindPolygon,
	} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q)=%q,%v want %q", in, got, err, want)
		}
	}
	if _, err := ParseKind("raster"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestFeature_VerticesAndClass(t *testing.T) {
	poly := Feature{Geometry: orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}, Attrs: map[string]any{"class": "Primary"}}
	if got := poly.Vertices(); got != 4 {
		t.Fatalf("vertices=%d want 4", got)
	}
	if got := poly.Class("class"); got != "primary" {
		t.Fatalf("class=%q want primary", got)
	}
	if got := poly.Class(""); got != "" {
		t.Fatalf("empty attr must give empty class, got %q", got)
	}
}

func TestBBox_IntersectsEdgeInclusive(t *testing.T) {
	bb := BBox{MinLon: 0, MinLat: 0, MaxLon: 1, MaxLat: 1}
	if !bb.Intersects(orb.Point{1, 1}.Bound()) {
		t.Fatalf("corner point must intersect")
	}
	if bb.Intersects(orb.Point{1.0001, 0.5}.Bound()) {
		t.Fatalf("outside point must not intersect")
	}
}

func TestLayerRequest_FilterKeyCanonical(t *testing.T) {
	a := LayerRequest{Classes: []string{"B", " a"}, Attrs: map[string]string{"z": "1", "y": "2"}}
	b := LayerRequest{Classes: []string{"a", "b"}, Attrs: map[string]string{"y": "2", "z": "1"}}
	if a.FilterKey() != b.FilterKey() {
		t.Fatalf("filter keys differ: %q vs %q", a.FilterKey(), b.FilterKey())
	}
	if (LayerRequest{}).FilterKey() != "" {
		t.Fatalf("empty request must have empty filter key")
	}
}

func TestLayerResult_JSONRoundTrip(t *testing.T) {
	in := LayerResult{
		LayerID: "poi",
		Kind:    KindPoint,
		Features: []Feature{
			{ID: "b", Kind: KindPoint, Geometry: orb.Point{14.4, 50.1}, Attrs: map[string]any{"name": "x"}},
			{ID: "a", Kind: KindPoint, Geometry: orb.Point{14.5, 50.2}},
		},
		Truncation: &TruncationReport{LayerID: "poi", RequestedCount: 3, RenderedCount: 2, Reason: ReasonMaxFeatures},
		PolicyGap:  true,
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"type":"FeatureCollection"`) {
		t.Fatalf("features must encode as a FeatureCollection: %s", b)
	}
	if strings.Contains(string(b), "PolicyGap") {
		t.Fatalf("internal fields leaked: %s", b)
	}

	var out LayerResult
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Features) != 2 || out.Features[0].ID != "b" || out.Features[1].ID != "a" {
		t.Fatalf("order/ids not preserved: %+v", out.Features)
	}
	if p, ok := out.Features[0].Geometry.(orb.Point); !ok || p != (orb.Point{14.4, 50.1}) {
		t.Fatalf("geometry=%v", out.Features[0].Geometry)
	}
	if out.Features[0].Kind != KindPoint || out.Truncation == nil || out.Truncation.RenderedCount != 2 {
		t.Fatalf("unexpected decode: %+v", out)
	}
}

func TestFromFeatureCollection_RejectsMultiGeometry(t *testing.T) {
	fc := FeatureCollection([]Feature{{ID: "m", Geometry: orb.MultiPoint{{0, 0}, {1, 1}}}})
	if _, err := FromFeatureCollection(fc, KindPoint); err == nil {
		t.Fatalf("expected error for multipoint")
	}
}
