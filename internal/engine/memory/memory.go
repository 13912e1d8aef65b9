// Package memory serves layer queries from the in-process geometry store.
package memory

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
	"github.com/mohammed-shakir/viewport-lod/internal/engine"
	"github.com/mohammed-shakir/viewport-lod/internal/engine/tilecache"
	"github.com/mohammed-shakir/viewport-lod/internal/store"
)

type Engine struct {
	store atomic.Pointer[store.Store]
	tiles *tilecache.Cache
}

var _ engine.QueryEngine = (*Engine)(nil)

// New wires an engine over s. tileEntries <= 0 disables the tile cache.
func New(s *store.Store, tileEntries int, b tilecache.Bounder) (*Engine, error) {
	tc, err := tilecache.New(string(model.EngineInMemory), tileEntries, b)
	if err != nil {
		return nil, err
	}
	e := &Engine{tiles: tc}
	e.store.Store(s)
	return e, nil
}

// SetStore swaps the served store and drops cached tiles. Fetches already
// running keep the store they started with.
func (e *Engine) SetStore(s *store.Store) {
	e.store.Store(s)
	e.tiles.Purge()
}

func (e *Engine) Layer(id string) (engine.LayerInfo, error) {
	l, ok := e.store.Load().Layer(id)
	if !ok {
		return engine.LayerInfo{}, fmt.Errorf("%w: %s", engine.ErrLayerNotFound, id)
	}
	return engine.LayerInfo{ID: l.ID, Kind: l.Kind, Title: l.Title, ClassAttr: l.ClassAttr}, nil
}

func (e *Engine) Fetch(ctx context.Context, req model.LayerRequest, bb model.BBox, tiles model.Tiles) ([]model.Feature, model.FetchStats, error) {
	start := time.Now()
	l, ok := e.store.Load().Layer(req.LayerID)
	if !ok {
		return nil, model.FetchStats{}, fmt.Errorf("%w: %s", engine.ErrLayerNotFound, req.LayerID)
	}

	res, err := e.tiles.Collect(ctx, l.ID, req.FilterKey(), bb, tiles, func(_ context.Context, q model.BBox) ([]tilecache.Row, int, error) {
		return query(l, q, req), 0, nil
	})
	if err != nil {
		return nil, model.FetchStats{}, err
	}

	feats := tilecache.Features(res.Rows)
	return feats, model.FetchStats{
		QueryMs:        float64(time.Since(start).Microseconds()) / 1000,
		CandidateCount: len(feats),
		TilesHit:       res.Hits,
		TilesMissed:    res.Misses,
	}, nil
}

func (e *Engine) Reset() { e.tiles.Purge() }

// query keeps the store's load order as the row sequence.
func query(l *store.Layer, bb model.BBox, req model.LayerRequest) []tilecache.Row {
	idx := l.QueryIndex(bb, req)
	rows := make([]tilecache.Row, len(idx))
	for i, n := range idx {
		rows[i] = tilecache.Row{Seq: n, Feature: l.Features[n]}
	}
	return rows
}
