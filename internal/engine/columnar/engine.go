// Package columnar serves layer queries from an on-disk columnar layout in
// badger. The bbox column is scanned first and only matching rows have their
// geometry and attributes read and decoded.
package columnar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
	"github.com/mohammed-shakir/viewport-lod/internal/engine"
	"github.com/mohammed-shakir/viewport-lod/internal/engine/tilecache"
)

type Engine struct {
	// mu serializes Reload/Close against in-flight reads.
	mu     sync.RWMutex
	db     *badger.DB
	layers map[string]engine.LayerInfo
	owned  bool
	cfg    Config

	tiles *tilecache.Cache
	log   *slog.Logger
}

var _ engine.QueryEngine = (*Engine)(nil)

// Open opens the store described by cfg and owns it until Close.
func Open(cfg Config, tileEntries int, b tilecache.Bounder) (*Engine, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrEngineUnavailable, err)
	}
	e, err := New(db, tileEntries, b, cfg.Logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	e.owned = true
	e.cfg = cfg
	return e, nil
}

// New serves an already opened db. The caller keeps ownership of db.
func New(db *badger.DB, tileEntries int, b tilecache.Bounder, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	tc, err := tilecache.New(string(model.EngineExternalColumnar), tileEntries, b)
	if err != nil {
		return nil, err
	}
	layers, err := readMeta(db)
	if err != nil {
		return nil, err
	}
	return &Engine{db: db, layers: layers, tiles: tc, log: log}, nil
}

// Reload swaps in a freshly opened store. Reads in flight finish against the
// old one first.
func (e *Engine) Reload(cfg Config) error {
	db, err := OpenDB(cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", engine.ErrEngineUnavailable, err)
	}
	layers, err := readMeta(db)
	if err != nil {
		_ = db.Close()
		return err
	}

	e.mu.Lock()
	old, owned := e.db, e.owned
	e.db, e.layers, e.owned, e.cfg = db, layers, true, cfg
	e.tiles.Purge()
	e.mu.Unlock()

	if old != nil && owned {
		if err := old.Close(); err != nil {
			e.log.Warn("close previous columnar store", "err", err)
		}
	}
	e.log.Info("columnar store reloaded", "layers", len(layers))
	return nil
}

// Reopen reloads from the configuration the engine was last opened with, so
// a path that is a symlink picks up its new target.
func (e *Engine) Reopen() error {
	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()
	if cfg.Path == "" || cfg.InMemory {
		return fmt.Errorf("%w: no on-disk store to reopen", engine.ErrEngineUnavailable)
	}
	return e.Reload(cfg)
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	db := e.db
	e.db = nil
	if db == nil || !e.owned {
		return nil
	}
	return db.Close()
}

func (e *Engine) Reset() { e.tiles.Purge() }

func (e *Engine) Layer(id string) (engine.LayerInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.db == nil {
		return engine.LayerInfo{}, engine.ErrEngineUnavailable
	}
	info, ok := e.layers[id]
	if !ok {
		return engine.LayerInfo{}, fmt.Errorf("%w: %s", engine.ErrLayerNotFound, id)
	}
	return info, nil
}

func (e *Engine) Fetch(ctx context.Context, req model.LayerRequest, bb model.BBox, tiles model.Tiles) ([]model.Feature, model.FetchStats, error) {
	start := time.Now()

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.db == nil || e.db.IsClosed() {
		return nil, model.FetchStats{}, fmt.Errorf("%w: columnar store closed", engine.ErrEngineUnavailable)
	}
	info, ok := e.layers[req.LayerID]
	if !ok {
		return nil, model.FetchStats{}, fmt.Errorf("%w: %s", engine.ErrLayerNotFound, req.LayerID)
	}

	res, err := e.tiles.Collect(ctx, info.ID, req.FilterKey(), bb, tiles, func(ctx context.Context, q model.BBox) ([]tilecache.Row, int, error) {
		return e.scan(ctx, info, req, q)
	})
	if err != nil {
		return nil, model.FetchStats{}, err
	}
	if res.DecodeErrors > 0 {
		e.log.Debug("skipped malformed rows", "layer", info.ID, "count", res.DecodeErrors)
	}

	feats := tilecache.Features(res.Rows)
	return feats, model.FetchStats{
		QueryMs:        float64(time.Since(start).Microseconds()) / 1000,
		CandidateCount: len(feats),
		DecodeErrors:   res.DecodeErrors,
		TilesHit:       res.Hits,
		TilesMissed:    res.Misses,
	}, nil
}

// scan pushes the bbox predicate (and class filter) down to the narrow
// columns before touching geometry.
func (e *Engine) scan(ctx context.Context, info engine.LayerInfo, req model.LayerRequest, bb model.BBox) ([]tilecache.Row, int, error) {
	var rows []tilecache.Row
	bad := 0

	err := e.db.View(func(txn *badger.Txn) error {
		candidates, skipped, err := scanBBox(ctx, txn, info.ID, bb)
		if err != nil {
			return err
		}
		bad += skipped

		if len(req.Classes) > 0 {
			candidates, err = filterClass(txn, info.ID, candidates, req.Classes)
			if err != nil {
				return err
			}
		}

		for i, row := range candidates {
			if i%256 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			f, err := readRow(txn, info, row)
			if err != nil {
				if errors.Is(err, errMalformed) {
					bad++
					continue
				}
				return err
			}
			if !bb.Intersects(f.Bound()) || !req.Match(f, info.ClassAttr) {
				continue
			}
			rows = append(rows, tilecache.Row{Seq: row, Feature: f})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, err
		}
		if errors.Is(err, badger.ErrDBClosed) {
			return nil, 0, fmt.Errorf("%w: %v", engine.ErrEngineUnavailable, err)
		}
		return nil, 0, fmt.Errorf("columnar scan %s: %w", info.ID, err)
	}
	return rows, bad, nil
}

func scanBBox(ctx context.Context, txn *badger.Txn, layer string, bb model.BBox) ([]int, int, error) {
	prefix := colPrefix(layer, colBBox)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []int
	bad, n := 0, 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if n++; n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}
		}
		item := it.Item()
		row, err := rowFromKey(item.Key(), prefix)
		if err != nil {
			bad++
			continue
		}
		var fb model.BBox
		err = item.Value(func(v []byte) error {
			fb, err = decodeBBox(v)
			return err
		})
		if err != nil {
			bad++
			continue
		}
		if bb.Intersects(fb.Bound()) {
			out = append(out, row)
		}
	}
	return out, bad, nil
}

func filterClass(txn *badger.Txn, layer string, rows []int, classes []string) ([]int, error) {
	want := make(map[string]struct{}, len(classes))
	for _, c := range classes {
		want[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}
	out := rows[:0]
	for _, row := range rows {
		v, err := get(txn, colKey(layer, colClass, row))
		if err != nil {
			return nil, err
		}
		if _, ok := want[strings.ToLower(string(v))]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

var errMalformed = errors.New("malformed row")

func readRow(txn *badger.Txn, info engine.LayerInfo, row int) (model.Feature, error) {
	id, err := get(txn, colKey(info.ID, colID, row))
	if err != nil {
		return model.Feature{}, err
	}
	raw, err := get(txn, colKey(info.ID, colGeom, row))
	if err != nil {
		return model.Feature{}, err
	}
	g, err := decodeGeom(raw, row)
	if err != nil {
		return model.Feature{}, err
	}
	if !kindMatches(info.Kind, g) {
		return model.Feature{}, fmt.Errorf("%w: row %d: %s geometry in %s layer", errMalformed, row, g.GeoJSONType(), info.Kind)
	}

	rawAttrs, err := get(txn, colKey(info.ID, colAttrs, row))
	if err != nil {
		return model.Feature{}, err
	}
	var attrs map[string]any
	if len(rawAttrs) > 0 {
		if err := json.Unmarshal(rawAttrs, &attrs); err != nil {
			return model.Feature{}, fmt.Errorf("%w: row %d attrs: %v", errMalformed, row, err)
		}
	}

	return model.Feature{ID: string(id), Kind: info.Kind, Geometry: g, Attrs: attrs}, nil
}

// decodeGeom turns decoder panics on truncated headers into errMalformed.
func decodeGeom(raw []byte, row int) (g orb.Geometry, err error) {
	defer func() {
		if r := recover(); r != nil {
			g, err = nil, fmt.Errorf("%w: row %d: %v", errMalformed, row, r)
		}
	}()
	g, err = wkb.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: row %d: %v", errMalformed, row, err)
	}
	return g, nil
}

func kindMatches(kind model.GeometryKind, g orb.Geometry) bool {
	switch v := g.(type) {
	case orb.Point:
		return kind == model.KindPoint
	case orb.LineString:
		return kind == model.KindLine && len(v) >= 2
	case orb.Polygon:
		return kind == model.KindPolygon && len(v) > 0 && len(v[0]) >= 4
	default:
		return false
	}
}

// get copies the value; a missing cell counts as a malformed row.
func get(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: missing %s", errMalformed, key)
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func readMeta(db *badger.DB) (map[string]engine.LayerInfo, error) {
	out := map[string]engine.LayerInfo{}
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(metaPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var m layerMeta
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &m) }); err != nil {
				return fmt.Errorf("layer meta %s: %w", it.Item().Key(), err)
			}
			kind, err := model.ParseKind(m.Kind)
			if err != nil {
				return fmt.Errorf("layer %s: %w", m.ID, err)
			}
			out[m.ID] = engine.LayerInfo{ID: m.ID, Kind: kind, Title: m.Title, ClassAttr: m.ClassAttr}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read columnar catalog: %w", err)
	}
	return out, nil
}
