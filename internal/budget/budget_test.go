package budget

import (
	"fmt"
	"strings"
	"testing"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
)

func pts(n int) []model.Feature {
	out := make([]model.Feature, n)
	for i := range out {
		out[i] = model.Feature{ID: fmt.Sprintf("p%03d", i), Kind: model.KindPoint, Geometry: orb.Point{14, 50}}
	}
	return out
}

func line(id string, n int, class string) model.Feature {
	ls := make(orb.LineString, n)
	for i := range ls {
		ls[i] = orb.Point{14 + float64(i)*0.001, 50}
	}
	return model.Feature{ID: id, Kind: model.KindLine, Geometry: ls, Attrs: map[string]any{"highway": class}}
}

func ids(fs []model.Feature) string {
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.ID)
	}
	return strings.Join(out, ",")
}

func set(ids ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func TestEnforce_UnderCapNoReport(t *testing.T) {
	res := Enforce("beer", pts(40), nil, Caps{MaxFeatures: 500}, Options{})
	if len(res.Features) != 40 || res.Report != nil {
		t.Fatalf("expected untouched output, got %d features report=%+v", len(res.Features), res.Report)
	}
}

func TestEnforce_FeatureCapKeepsProtectedAndCandidateOrder(t *testing.T) {
	feats := pts(10)
	res := Enforce("beer", feats, set("p008", "p009"), Caps{MaxFeatures: 4}, Options{})
	if ids(res.Features) != "p000,p001,p008,p009" {
		t.Fatalf("got %s", ids(res.Features))
	}
	r := res.Report
	if r == nil || r.RequestedCount != 10 || r.RenderedCount != 4 || r.Reason != model.ReasonMaxFeatures {
		t.Fatalf("report = %+v", r)
	}
}

func TestEnforce_ProtectedOverCapTrimmedByAscendingID(t *testing.T) {
	feats := pts(10)
	res := Enforce("beer", feats, set("p009", "p005", "p007", "p001"), Caps{MaxFeatures: 3}, Options{})
	if ids(res.Features) != "p001,p005,p007" {
		t.Fatalf("got %s", ids(res.Features))
	}
	r := res.Report
	if r.Reason != model.ReasonHighlightOverCap || r.HighlightRequested != 4 || r.HighlightRendered != 3 {
		t.Fatalf("report = %+v", r)
	}
}

func TestEnforce_ClassRankOrder(t *testing.T) {
	feats := []model.Feature{
		line("a", 2, "residential"),
		line("b", 2, "primary"),
		line("c", 2, "motorway"),
		line("d", 2, "service"),
		line("e", 2, "motorway"),
	}
	res := Enforce("roads", feats, nil, Caps{MaxFeatures: 3}, Options{ClassAttr: "highway", ClassRank: []string{"motorway", "primary"}})
	if ids(res.Features) != "b,c,e" {
		t.Fatalf("got %s", ids(res.Features))
	}
}

func TestEnforce_VertexCapDropsHeaviestUnprotectedFirst(t *testing.T) {
	feats := []model.Feature{
		line("a", 10, ""),
		line("b", 50, ""),
		line("c", 50, ""),
		line("h", 80, ""),
	}
	res := Enforce("roads", feats, set("h"), Caps{MaxVertices: 100}, Options{})
	// b and c tie at 50; b goes first by id, then c.
	if ids(res.Features) != "a,h" || res.Vertices != 90 {
		t.Fatalf("got %s (%d vertices)", ids(res.Features), res.Vertices)
	}
	if res.Report.Reason != model.ReasonMaxVertices || res.Report.RenderedCount != 2 {
		t.Fatalf("report = %+v", res.Report)
	}
}

func TestEnforce_VertexCapProtectedAsLastResort(t *testing.T) {
	feats := []model.Feature{line("a", 10, ""), line("h1", 60, ""), line("h2", 70, "")}
	res := Enforce("roads", feats, set("h1", "h2"), Caps{MaxVertices: 65}, Options{})
	if ids(res.Features) != "h1" {
		t.Fatalf("got %s", ids(res.Features))
	}
	r := res.Report
	if r.Reason != model.ReasonHighlightOverCap || r.HighlightRequested != 2 || r.HighlightRendered != 1 {
		t.Fatalf("report = %+v", r)
	}
}

func TestEnforce_Deterministic(t *testing.T) {
	feats := pts(900)
	prot := set("p100", "p899")
	a := Enforce("beer", feats, prot, Caps{MaxFeatures: 500}, Options{})
	b := Enforce("beer", feats, prot, Caps{MaxFeatures: 500}, Options{})
	if ids(a.Features) != ids(b.Features) || *a.Report != *b.Report {
		t.Fatalf("identical input must yield identical truncation")
	}
	if len(a.Features) != 500 || a.Report.RequestedCount != 900 {
		t.Fatalf("unexpected result %d %+v", len(a.Features), a.Report)
	}
}
