// Package tilecache memoizes per-tile candidate sets so overlapping
// viewports at the same tile zoom share engine work.
package tilecache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/viewport-lod/internal/cache/keys"
	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
)

// Row is a feature with its position in the layer's load order.
type Row struct {
	Seq     int
	Feature model.Feature
}

type Bounder interface {
	TileBound(tile string) (model.BBox, error)
}

// Loader returns rows intersecting bb plus the number of rows it had to skip.
type Loader func(ctx context.Context, bb model.BBox) ([]Row, int, error)

type Result struct {
	Rows         []Row
	Hits         int
	Misses       int
	DecodeErrors int
}

type Cache struct {
	engine string
	lru    *lru.Cache[string, []Row]
	bounds Bounder

	// mu orders Purge against adds; gen fences loads that straddle a Purge.
	mu  sync.Mutex
	gen uint64
}

// New returns nil when size <= 0; a nil *Cache loads every request directly.
func New(engine string, size int, b Bounder) (*Cache, error) {
	if size <= 0 || b == nil {
		return nil, nil
	}
	l, err := lru.New[string, []Row](size)
	if err != nil {
		return nil, fmt.Errorf("tile cache: %w", err)
	}
	return &Cache{engine: engine, lru: l, bounds: b}, nil
}

func (c *Cache) Purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.gen++
	c.lru.Purge()
	c.mu.Unlock()
}

func (c *Cache) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// add stores rows only if no Purge ran since gen was read.
func (c *Cache) add(key string, rows []Row, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.lru.Add(key, rows)
	}
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// Collect unions the per-tile rows, de-duplicates by Seq, re-clips to bb and
// returns rows in Seq order. When tiles do not cover bb it loads bb directly.
func (c *Cache) Collect(ctx context.Context, layerID, filterKey string, bb model.BBox, tiles model.Tiles, load Loader) (Result, error) {
	if c == nil || len(tiles) == 0 {
		return direct(ctx, bb, load)
	}

	bounds := make([]model.BBox, len(tiles))
	for i, t := range tiles {
		tb, err := c.bounds.TileBound(t)
		if err != nil {
			return Result{}, err
		}
		bounds[i] = tb
	}
	if !covers(bounds, bb) {
		return direct(ctx, bb, load)
	}

	var res Result
	seen := make(map[int]struct{})
	for i, t := range tiles {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		key := keys.TileKey(layerID, c.engine, t, filterKey)
		rows, ok := c.lru.Get(key)
		if ok {
			res.Hits++
		} else {
			var bad int
			var err error
			gen := c.generation()
			rows, bad, err = load(ctx, bounds[i])
			if err != nil {
				return Result{}, err
			}
			res.Misses++
			res.DecodeErrors += bad
			c.add(key, rows, gen)
		}
		for _, r := range rows {
			if _, dup := seen[r.Seq]; dup {
				continue
			}
			if !bb.Intersects(r.Feature.Bound()) {
				continue
			}
			seen[r.Seq] = struct{}{}
			res.Rows = append(res.Rows, r)
		}
	}
	sort.Slice(res.Rows, func(i, j int) bool { return res.Rows[i].Seq < res.Rows[j].Seq })
	return res, nil
}

func direct(ctx context.Context, bb model.BBox, load Loader) (Result, error) {
	rows, bad, err := load(ctx, bb)
	if err != nil {
		return Result{}, err
	}
	return Result{Rows: rows, DecodeErrors: bad}, nil
}

// covers reports whether the union of the tile bounds contains bb. Tile sets
// from a mapper are contiguous so the union box is a sufficient check.
func covers(bounds []model.BBox, bb model.BBox) bool {
	if len(bounds) == 0 {
		return false
	}
	u := bounds[0]
	for _, b := range bounds[1:] {
		u.MinLon = min(u.MinLon, b.MinLon)
		u.MinLat = min(u.MinLat, b.MinLat)
		u.MaxLon = max(u.MaxLon, b.MaxLon)
		u.MaxLat = max(u.MaxLat, b.MaxLat)
	}
	return u.MinLon <= bb.MinLon && u.MinLat <= bb.MinLat && u.MaxLon >= bb.MaxLon && u.MaxLat >= bb.MaxLat
}

// Features strips the sequence numbers.
func Features(rows []Row) []model.Feature {
	out := make([]model.Feature, len(rows))
	for i, r := range rows {
		out[i] = r.Feature
	}
	return out
}
