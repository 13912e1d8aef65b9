package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/viewport-lod/internal/aoi"
	"github.com/mohammed-shakir/viewport-lod/internal/cache"
	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
	"github.com/mohammed-shakir/viewport-lod/internal/engine"
	"github.com/mohammed-shakir/viewport-lod/internal/engine/memory"
	"github.com/mohammed-shakir/viewport-lod/internal/lod"
	slippymapper "github.com/mohammed-shakir/viewport-lod/internal/mapper/slippy"
	"github.com/mohammed-shakir/viewport-lod/internal/store"
)

var prague = model.BBox{MinLon: 14.2, MinLat: 49.9, MaxLon: 14.8, MaxLat: 50.3}

type fakeEngine struct {
	mu     sync.Mutex
	kind   model.GeometryKind
	feats  []model.Feature
	err    error
	block  bool
	calls  atomic.Int32
	resets atomic.Int32
	// started is closed on the first blocking Fetch
	started chan struct{}
	once    sync.Once
}

func (f *fakeEngine) Fetch(ctx context.Context, _ model.LayerRequest, _ model.BBox, _ model.Tiles) ([]model.Feature, model.FetchStats, error) {
	f.calls.Add(1)
	f.mu.Lock()
	err, block, feats := f.err, f.block, f.feats
	f.mu.Unlock()
	if block {
		f.once.Do(func() { close(f.started) })
		<-ctx.Done()
		return nil, model.FetchStats{}, ctx.Err()
	}
	if err != nil {
		return nil, model.FetchStats{}, err
	}
	return feats, model.FetchStats{QueryMs: 1, CandidateCount: len(feats), DecodeErrors: 2}, nil
}

func (f *fakeEngine) Layer(id string) (engine.LayerInfo, error) {
	if id != "ext" {
		return engine.LayerInfo{}, engine.ErrLayerNotFound
	}
	return engine.LayerInfo{ID: id, Kind: f.kind}, nil
}

func (f *fakeEngine) Reset() { f.resets.Add(1) }

func (f *fakeEngine) set(err error, block bool) {
	f.mu.Lock()
	f.err, f.block = err, block
	f.mu.Unlock()
}

type recorder struct {
	mu    sync.Mutex
	stats []model.Stats
}

func (r *recorder) PublishStats(_ context.Context, _, _ string, s model.Stats) {
	r.mu.Lock()
	r.stats = append(r.stats, s)
	r.mu.Unlock()
}

func points() []model.Feature {
	return []model.Feature{
		{ID: "p3", Kind: model.KindPoint, Geometry: orb.Point{14.45, 50.08}, Attrs: map[string]any{"class": "pub"}},
		{ID: "p1", Kind: model.KindPoint, Geometry: orb.Point{14.30, 50.00}, Attrs: map[string]any{"class": "shop"}},
		{ID: "p2", Kind: model.KindPoint, Geometry: orb.Point{14.65, 50.15}, Attrs: map[string]any{"class": "pub"}},
		{ID: "far", Kind: model.KindPoint, Geometry: orb.Point{16.00, 49.00}},
	}
}

func newService(t *testing.T, policy *lod.Policy, ext *fakeEngine) (*Service, *recorder) {
	t.Helper()
	st, err := store.New(
		store.NewLayer("beer", model.KindPoint, "Beer", "class", points()),
		store.NewLayer("roads", model.KindLine, "Roads", "", []model.Feature{
			{ID: "r1", Kind: model.KindLine, Geometry: orb.LineString{{14.3, 50.0}, {14.4, 50.05}, {14.5, 50.1}}},
		}),
	)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return newServiceWithStore(t, policy, ext, st)
}

func newServiceWithStore(t *testing.T, policy *lod.Policy, ext *fakeEngine, st *store.Store) (*Service, *recorder) {
	t.Helper()
	m := slippymapper.New()
	mem, err := memory.New(st, 64, m)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	engines := map[model.EngineSelector]engine.QueryEngine{model.EngineInMemory: mem}
	if ext != nil {
		engines[model.EngineExternalColumnar] = ext
	}
	res, err := aoi.New(aoi.DefaultConfig(), m)
	if err != nil {
		t.Fatalf("aoi: %v", err)
	}
	c, err := cache.New(context.Background(), cache.Config{MaxEntries: 16})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	rec := &recorder{}
	svc, err := New(Config{
		Resolver:  res,
		Engines:   engine.NewSet(engines),
		Policy:    policy,
		Cache:     c,
		Publisher: rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, rec
}

func query(layers ...string) model.QueryRequest {
	q := model.QueryRequest{BBox: prague, View: model.ViewState{Zoom: 12.4}}
	for _, l := range layers {
		q.Layers = append(q.Layers, model.LayerRequest{LayerID: l})
	}
	return q
}

func featureIDs(fs []model.Feature) string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.ID
	}
	return strings.Join(out, ",")
}

func capPolicy(maxFeatures int) *lod.Policy {
	return &lod.Policy{Default: lod.LayerPolicy{Ranges: []lod.Range{
		{MinZoom: 0, MaxZoom: 22, MaxFeatures: maxFeatures},
	}}}
}

func TestQuery_MissThenHit(t *testing.T) {
	svc, rec := newService(t, nil, nil)
	ctx := context.Background()

	first, err := svc.Query(ctx, query("roads", "beer"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if first.Stats.CacheHit {
		t.Fatalf("first query must miss")
	}
	if len(first.Layers) != 2 || first.Layers[0].LayerID != "beer" || first.Layers[1].LayerID != "roads" {
		t.Fatalf("layers not in canonical order: %+v", first.Layers)
	}
	if got := featureIDs(first.Layers[0].Features); got != "p3,p1,p2" {
		t.Fatalf("beer features=%q want p3,p1,p2", got)
	}
	if first.Stats.ZoomBucket != 12 || len(first.Stats.TileCoverageUsed) == 0 {
		t.Fatalf("stats missing bucket/tiles: %+v", first.Stats)
	}
	if _, ok := first.Stats.QueryMs["beer"]; !ok {
		t.Fatalf("missing per-layer queryMs: %+v", first.Stats.QueryMs)
	}

	second, err := svc.Query(ctx, query("beer", "roads"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !second.Stats.CacheHit || second.Stats.LodMs != 0 || second.Stats.BudgetMs != 0 {
		t.Fatalf("second query must be a hit with zero lod/budget time: %+v", second.Stats)
	}
	if featureIDs(second.Layers[0].Features) != featureIDs(first.Layers[0].Features) {
		t.Fatalf("hit returned different features")
	}
	if len(rec.stats) != 2 {
		t.Fatalf("published stats=%d want 2", len(rec.stats))
	}
}

func TestQuery_ErrorsSurface(t *testing.T) {
	svc, _ := newService(t, nil, nil)
	ctx := context.Background()

	bad := query("beer")
	bad.BBox.MinLon = math.NaN()
	if _, err := svc.Query(ctx, bad); !errors.Is(err, aoi.ErrInvalidBBox) {
		t.Fatalf("NaN bbox err=%v want ErrInvalidBBox", err)
	}

	if _, err := svc.Query(ctx, query("nope")); !errors.Is(err, engine.ErrLayerNotFound) {
		t.Fatalf("unknown layer err=%v", err)
	}

	q := query("beer")
	q.Engine = "duckdb"
	if _, err := svc.Query(ctx, q); !errors.Is(err, engine.ErrUnknownEngine) {
		t.Fatalf("unknown engine err=%v", err)
	}

	q = query("beer")
	q.Layers[0].Engine = model.EngineExternalColumnar
	if _, err := svc.Query(ctx, q); !errors.Is(err, engine.ErrEngineUnavailable) {
		t.Fatalf("unconfigured engine err=%v", err)
	}

	if _, err := svc.Query(ctx, query()); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("empty layer set err=%v", err)
	}
	if _, err := svc.Query(ctx, query("beer", "beer")); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("duplicate layer err=%v", err)
	}
}

func TestQuery_BudgetTruncationReported(t *testing.T) {
	svc, _ := newService(t, capPolicy(2), nil)

	resp, err := svc.Query(context.Background(), query("beer"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	l := resp.Layers[0]
	if len(l.Features) != 2 {
		t.Fatalf("features=%d want 2", len(l.Features))
	}
	tr := l.Truncation
	if tr == nil || tr.CandidateCount != 3 || tr.RequestedCount != 3 || tr.RenderedCount != 2 || tr.Reason != model.ReasonMaxFeatures {
		t.Fatalf("truncation=%+v", tr)
	}
}

func TestQuery_HighlightSurvivesBudget(t *testing.T) {
	svc, _ := newService(t, capPolicy(1), nil)

	q := query("beer")
	q.Highlight = &model.HighlightSpec{LayerID: "beer", FeatureIDs: []string{"p2", "far"}}
	resp, err := svc.Query(context.Background(), q)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got := featureIDs(resp.Layers[0].Features); got != "p2" {
		t.Fatalf("features=%q want the highlighted p2", got)
	}

	// a different highlight is a different cache entry
	q.Highlight = &model.HighlightSpec{LayerID: "beer", FeatureIDs: []string{"p1"}}
	resp, err = svc.Query(context.Background(), q)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Stats.CacheHit {
		t.Fatalf("highlight change must not hit")
	}
	if got := featureIDs(resp.Layers[0].Features); got != "p1" {
		t.Fatalf("features=%q want p1", got)
	}
}

func TestQuery_PolicyGapClamps(t *testing.T) {
	p := &lod.Policy{Default: lod.LayerPolicy{Ranges: []lod.Range{
		{MinZoom: 14, MaxZoom: 22, MaxFeatures: 1},
	}}}
	svc, _ := newService(t, p, nil)

	resp, err := svc.Query(context.Background(), query("beer"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	l := resp.Layers[0]
	if !l.PolicyGap {
		t.Fatalf("expected policy gap at bucket 12")
	}
	if len(l.Features) != 1 {
		t.Fatalf("clamped range caps must apply, got %d features", len(l.Features))
	}
}

func TestQuery_EngineFailureNotCached(t *testing.T) {
	ext := &fakeEngine{kind: model.KindPoint, feats: points()[:2], started: make(chan struct{})}
	ext.set(engine.ErrEngineUnavailable, false)
	svc, _ := newService(t, nil, ext)

	q := query("ext")
	q.Engine = model.EngineExternalColumnar
	if _, err := svc.Query(context.Background(), q); !errors.Is(err, engine.ErrEngineUnavailable) {
		t.Fatalf("err=%v want ErrEngineUnavailable", err)
	}

	ext.set(nil, false)
	resp, err := svc.Query(context.Background(), q)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Stats.CacheHit {
		t.Fatalf("failed computation must not have been cached")
	}
	if resp.Stats.DecodeErrors["ext"] != 2 {
		t.Fatalf("decode errors not reported: %+v", resp.Stats.DecodeErrors)
	}
}

func TestQuery_NewerRequestSupersedesOlder(t *testing.T) {
	ext := &fakeEngine{kind: model.KindPoint, feats: points()[:2], started: make(chan struct{})}
	ext.set(nil, true)
	svc, _ := newService(t, nil, ext)

	older := query("ext")
	older.Engine = model.EngineExternalColumnar
	older.SessionID = "s1"

	errc := make(chan error, 1)
	go func() {
		_, err := svc.Query(context.Background(), older)
		errc <- err
	}()
	<-ext.started

	ext.set(nil, false)
	newer := older
	newer.View.Zoom = 14
	resp, err := svc.Query(context.Background(), newer)
	if err != nil {
		t.Fatalf("newer Query: %v", err)
	}
	if len(resp.Layers) != 1 {
		t.Fatalf("newer response layers=%d", len(resp.Layers))
	}

	select {
	case err := <-errc:
		if !errors.Is(err, ErrSuperseded) {
			t.Fatalf("older err=%v want ErrSuperseded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("older request was not cancelled")
	}

	// the older key was never written
	ext.set(nil, false)
	resp, err = svc.Query(context.Background(), older)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if resp.Stats.CacheHit {
		t.Fatalf("superseded computation must not be cached")
	}
}

func TestReset_ClearsCachesAndEngines(t *testing.T) {
	ext := &fakeEngine{kind: model.KindPoint, feats: points()[:1], started: make(chan struct{})}
	svc, _ := newService(t, nil, ext)
	ctx := context.Background()

	if _, err := svc.Query(ctx, query("beer")); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if err := svc.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if ext.resets.Load() != 1 {
		t.Fatalf("engine tile caches not reset")
	}
	resp, err := svc.Query(ctx, query("beer"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Stats.CacheHit {
		t.Fatalf("expected miss after reset")
	}
}

func TestSetPolicy(t *testing.T) {
	svc, _ := newService(t, nil, nil)
	ctx := context.Background()

	if _, err := svc.Query(ctx, query("beer")); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if err := svc.SetPolicy(ctx, capPolicy(1)); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	resp, err := svc.Query(ctx, query("beer"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Stats.CacheHit || len(resp.Layers[0].Features) != 1 {
		t.Fatalf("new policy not applied: hit=%v n=%d", resp.Stats.CacheHit, len(resp.Layers[0].Features))
	}

	broken := &lod.Policy{Default: lod.LayerPolicy{Ranges: []lod.Range{
		{MinZoom: 0, MaxZoom: 5}, {MinZoom: 8, MaxZoom: 22},
	}}}
	if err := svc.SetPolicy(ctx, broken); err == nil {
		t.Fatalf("expected validation error for a policy with a gap")
	}
}

func TestQuery_RecomputeIsByteIdentical(t *testing.T) {
	svc, _ := newService(t, capPolicy(2), nil)
	ctx := context.Background()

	q := query("roads", "beer")
	q.Highlight = &model.HighlightSpec{LayerID: "beer", FeatureIDs: []string{"p2"}}
	first, err := svc.Query(ctx, q)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if err := svc.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	second, err := svc.Query(ctx, q)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if second.Stats.CacheHit {
		t.Fatalf("second query must be recomputed after reset")
	}

	a, err := json.Marshal(first.Layers)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b, err := json.Marshal(second.Layers)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("recomputed layers differ:\n%s\n%s", a, b)
	}
}

func zigzag(id string, lon0 float64, n int) model.Feature {
	ls := make(orb.LineString, 0, n)
	for i := 0; i < n; i++ {
		lat := 50.05
		if i%2 == 1 {
			lat += 0.001
		}
		ls = append(ls, orb.Point{lon0 + float64(i)*0.005, lat})
	}
	return model.Feature{ID: id, Kind: model.KindLine, Geometry: ls}
}

func TestQuery_HighlightedLinesKeepFinestTolerance(t *testing.T) {
	const n = 20
	var feats []model.Feature
	for i := 0; i < 3; i++ {
		feats = append(feats, zigzag(fmt.Sprintf("base%d", i), 14.30+float64(i)*0.1, n))
	}
	feats = append(feats,
		zigzag("hl-in-1", 14.32, n),
		zigzag("hl-in-2", 14.52, n),
		zigzag("hl-out", 16.50, n),
	)
	st, err := store.New(store.NewLayer("roads", model.KindLine, "Roads", "", feats))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	p := &lod.Policy{Default: lod.LayerPolicy{Ranges: []lod.Range{
		{MinZoom: 0, MaxZoom: 12, ToleranceMeters: 300},
		{MinZoom: 13, MaxZoom: 22, ToleranceMeters: 1},
	}}}
	svc, _ := newServiceWithStore(t, p, nil, st)

	q := query("roads")
	q.Highlight = &model.HighlightSpec{LayerID: "roads", FeatureIDs: []string{"hl-in-1", "hl-in-2", "hl-out"}}
	resp, err := svc.Query(context.Background(), q)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	got := map[string]int{}
	for _, f := range resp.Layers[0].Features {
		got[f.ID] = f.Vertices()
	}
	if _, ok := got["hl-out"]; ok {
		t.Fatalf("highlight outside the viewport must not be injected: %v", got)
	}
	for _, id := range []string{"hl-in-1", "hl-in-2"} {
		if got[id] != n {
			t.Fatalf("%s has %d vertices, want all %d at the finest tolerance", id, got[id], n)
		}
	}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("base%d", i)
		if v, ok := got[id]; !ok || v >= n {
			t.Fatalf("%s should be simplified at bucket 12, got %d vertices (present=%v)", id, v, ok)
		}
	}
}
