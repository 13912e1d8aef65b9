package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
	"github.com/mohammed-shakir/viewport-lod/internal/engine"
	slippymapper "github.com/mohammed-shakir/viewport-lod/internal/mapper/slippy"
	"github.com/mohammed-shakir/viewport-lod/internal/store"
)

func newEngine(t *testing.T, tileEntries int) *Engine {
	t.Helper()
	feats := []model.Feature{
		{ID: "p3", Kind: model.KindPoint, Geometry: orb.Point{14.45, 50.08}},
		{ID: "p1", Kind: model.KindPoint, Geometry: orb.Point{14.30, 50.00}},
		{ID: "p2", Kind: model.KindPoint, Geometry: orb.Point{14.65, 50.15}},
		{ID: "far", Kind: model.KindPoint, Geometry: orb.Point{16.00, 49.00}},
	}
	s, err := store.New(store.NewLayer("beer", model.KindPoint, "Beer", "", feats))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	e, err := New(s, tileEntries, slippymapper.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func ids(fs []model.Feature) string {
	var out []string
	for _, f := range fs {
		out = append(out, f.ID)
	}
	return strings.Join(out, ",")
}

func TestFetch_TileCacheHitsAndClipping(t *testing.T) {
	e := newEngine(t, 64)
	m := slippymapper.New()
	ctx := context.Background()

	bb := model.BBox{MinLon: 14.22, MinLat: 49.94, MaxLon: 14.50, MaxLat: 50.10}
	tiles, err := m.TilesForBBox(bb, 10)
	if err != nil {
		t.Fatalf("tiles: %v", err)
	}

	got, st, err := e.Fetch(ctx, model.LayerRequest{LayerID: "beer"}, bb, tiles)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if ids(got) != "p3,p1" {
		t.Fatalf("want load order p3,p1 clipped to bbox, got %s", ids(got))
	}
	if st.TilesMissed != len(tiles) || st.TilesHit != 0 || st.CandidateCount != 2 {
		t.Fatalf("first call stats: %+v", st)
	}

	_, st, err = e.Fetch(ctx, model.LayerRequest{LayerID: "beer"}, bb, tiles)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if st.TilesHit != len(tiles) || st.TilesMissed != 0 {
		t.Fatalf("second call should hit every tile: %+v", st)
	}

	e.Reset()
	_, st, _ = e.Fetch(ctx, model.LayerRequest{LayerID: "beer"}, bb, tiles)
	if st.TilesHit != 0 {
		t.Fatalf("reset should purge tile cache: %+v", st)
	}
}

func TestFetch_NoTilesQueriesDirectly(t *testing.T) {
	e := newEngine(t, 0)
	got, st, err := e.Fetch(context.Background(), model.LayerRequest{LayerID: "beer"}, model.BBox{MinLon: 14, MinLat: 49.9, MaxLon: 15, MaxLat: 50.2}, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if ids(got) != "p3,p1,p2" || st.TilesHit+st.TilesMissed != 0 {
		t.Fatalf("got %s stats %+v", ids(got), st)
	}
}

func TestFetch_UnknownLayer(t *testing.T) {
	e := newEngine(t, 8)
	_, _, err := e.Fetch(context.Background(), model.LayerRequest{LayerID: "nope"}, model.BBox{}, nil)
	if !errors.Is(err, engine.ErrLayerNotFound) {
		t.Fatalf("expected ErrLayerNotFound, got %v", err)
	}
	if _, err := e.Layer("nope"); !errors.Is(err, engine.ErrLayerNotFound) {
		t.Fatalf("Layer: expected ErrLayerNotFound, got %v", err)
	}
}

func TestFetch_CancelledContext(t *testing.T) {
	e := newEngine(t, 8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := slippymapper.New()
	bb := model.BBox{MinLon: 14.22, MinLat: 49.94, MaxLon: 14.50, MaxLat: 50.10}
	tiles, _ := m.TilesForBBox(bb, 10)
	if _, _, err := e.Fetch(ctx, model.LayerRequest{LayerID: "beer"}, bb, tiles); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSet_ExplicitSelection(t *testing.T) {
	e := newEngine(t, 0)
	set := engine.NewSet(map[model.EngineSelector]engine.QueryEngine{model.EngineInMemory: e})
	if got, err := set.Get(model.EngineInMemory); err != nil || got != engine.QueryEngine(e) {
		t.Fatalf("Get(in_memory) = %v, %v", got, err)
	}
	if _, err := set.Get("duckdb"); !errors.Is(err, engine.ErrUnknownEngine) {
		t.Fatalf("expected ErrUnknownEngine, got %v", err)
	}
	if _, err := set.Get(model.EngineExternalColumnar); !errors.Is(err, engine.ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable for unconfigured engine, got %v", err)
	}
}

func TestSetStore_SwapsLayersAndPurgesTiles(t *testing.T) {
	e := newEngine(t, 64)
	m := slippymapper.New()
	ctx := context.Background()
	bb := model.BBox{MinLon: 14.22, MinLat: 49.94, MaxLon: 14.50, MaxLat: 50.10}
	tiles, _ := m.TilesForBBox(bb, 10)

	if _, _, err := e.Fetch(ctx, model.LayerRequest{LayerID: "beer"}, bb, tiles); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	s, err := store.New(store.NewLayer("beer", model.KindPoint, "Beer", "", []model.Feature{
		{ID: "new", Kind: model.KindPoint, Geometry: orb.Point{14.40, 50.05}},
	}))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	e.SetStore(s)

	got, st, err := e.Fetch(ctx, model.LayerRequest{LayerID: "beer"}, bb, tiles)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if ids(got) != "new" {
		t.Fatalf("got %s want new", ids(got))
	}
	if st.TilesHit != 0 {
		t.Fatalf("tiles from the old store must not be served: %+v", st)
	}
}
