// Package aoi normalizes viewport boxes and zoom into a canonical query
// key: clamped bbox, zoom bucket, tile zoom and tile coverage.
package aoi

import (
	"errors"
	"fmt"
	"math"

	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
	"github.com/mohammed-shakir/viewport-lod/internal/mapper"
)

var ErrInvalidBBox = errors.New("invalid bbox")

const (
	MaxZoom = 22

	// canonical bbox precision, 1e-6 degrees
	scale = 1e6
)

type Config struct {
	ZoomStep    int
	MinTileZoom int
	MaxTileZoom int
}

func DefaultConfig() Config {
	return Config{ZoomStep: 1, MinTileZoom: 3, MaxTileZoom: 13}
}

type Resolved struct {
	BBox     model.BBox
	Bucket   model.ZoomBucket
	TileZoom int
	Tiles    model.Tiles
}

type Resolver struct {
	cfg    Config
	mapper mapper.Interface
}

func New(cfg Config, m mapper.Interface) (*Resolver, error) {
	if m == nil {
		return nil, errors.New("aoi: mapper is required")
	}
	if cfg.ZoomStep <= 0 {
		cfg.ZoomStep = 1
	}
	if cfg.MinTileZoom < 0 || cfg.MaxTileZoom > MaxZoom || cfg.MinTileZoom > cfg.MaxTileZoom {
		return nil, fmt.Errorf("aoi: invalid tile zoom range %d..%d", cfg.MinTileZoom, cfg.MaxTileZoom)
	}
	return &Resolver{cfg: cfg, mapper: m}, nil
}

func (r *Resolver) Scheme() string { return r.mapper.Scheme() }

// Resolve fails only when the box cannot be normalized.
func (r *Resolver) Resolve(bb model.BBox, view model.ViewState) (Resolved, error) {
	if bb.HasNaN() {
		return Resolved{}, fmt.Errorf("%w: non-finite coordinate in %v", ErrInvalidBBox, bb)
	}
	if math.IsNaN(view.Zoom) || math.IsInf(view.Zoom, 0) {
		return Resolved{}, fmt.Errorf("%w: non-finite zoom", ErrInvalidBBox)
	}

	nb := Normalize(bb)
	bucket := r.Bucket(view.Zoom)
	tz := r.TileZoom(bucket)

	tiles, err := r.mapper.TilesForBBox(nb, tz)
	if err != nil {
		return Resolved{}, fmt.Errorf("%w: tile coverage: %v", ErrInvalidBBox, err)
	}
	return Resolved{BBox: nb, Bucket: bucket, TileZoom: tz, Tiles: tiles}, nil
}

// Bucket discretizes zoom by the configured step.
func (r *Resolver) Bucket(zoom float64) model.ZoomBucket {
	step := float64(r.cfg.ZoomStep)
	b := int(math.Floor(zoom/step) * step)
	return model.ZoomBucket(max(0, min(MaxZoom, b)))
}

func (r *Resolver) TileZoom(b model.ZoomBucket) int {
	return max(r.cfg.MinTileZoom, min(r.cfg.MaxTileZoom, int(b)))
}

// Normalize swaps inverted ranges, clamps to WGS84 and snaps outward to
// the canonical grid so the result still contains the input.
func Normalize(bb model.BBox) model.BBox {
	if bb.MinLon > bb.MaxLon {
		bb.MinLon, bb.MaxLon = bb.MaxLon, bb.MinLon
	}
	if bb.MinLat > bb.MaxLat {
		bb.MinLat, bb.MaxLat = bb.MaxLat, bb.MinLat
	}
	bb.MinLon = clamp(snapDown(bb.MinLon), -180, 180)
	bb.MaxLon = clamp(snapUp(bb.MaxLon), -180, 180)
	bb.MinLat = clamp(snapDown(bb.MinLat), -90, 90)
	bb.MaxLat = clamp(snapUp(bb.MaxLat), -90, 90)
	return bb
}

func snapDown(v float64) float64 {
	// values within float noise of a grid line stay on it
	if onGrid(v) {
		return math.Round(v*scale) / scale
	}
	return math.Floor(v*scale) / scale
}

func snapUp(v float64) float64 {
	if onGrid(v) {
		return math.Round(v*scale) / scale
	}
	return math.Ceil(v*scale) / scale
}

func onGrid(v float64) bool {
	return math.Abs(v*scale-math.Round(v*scale)) < 1e-3
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
