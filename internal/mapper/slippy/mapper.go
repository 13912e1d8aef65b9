package slippymapper

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
)

// MaxMercatorLat is the latitude limit of the web-mercator tile pyramid.
const MaxMercatorLat = 85.05112878

const maxZoom = 22

type Mapper struct{}

func New() *Mapper { return &Mapper{} }

func (m *Mapper) Scheme() string { return "slippy" }

// TilesForBBox returns "z/x/y" ids for every tile touched by bb.
func (m *Mapper) TilesForBBox(bb model.BBox, zoom int) (model.Tiles, error) {
	if err := validateZoom(zoom); err != nil {
		return nil, err
	}
	if bb.HasNaN() {
		return nil, fmt.Errorf("bbox has non-finite coordinates")
	}
	z := maptile.Zoom(zoom)

	// top-left and bottom-right corners
	x0, y0 := tileXY(bb.MinLon, bb.MaxLat, z)
	x1, y1 := tileXY(bb.MaxLon, bb.MinLat, z)
	minX, maxX := min(x0, x1), max(x0, x1)
	minY, maxY := min(y0, y1), max(y0, y1)

	out := make([]string, 0, int(maxX-minX+1)*int(maxY-minY+1))
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			out = append(out, ID(maptile.New(x, y, z)))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Mapper) TileBound(tile string) (model.BBox, error) {
	t, err := Parse(tile)
	if err != nil {
		return model.BBox{}, err
	}
	return model.BBoxFromBound(t.Bound()), nil
}

func ID(t maptile.Tile) string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

func Parse(s string) (maptile.Tile, error) {
	var z, x, y uint32
	if _, err := fmt.Sscanf(s, "%d/%d/%d", &z, &x, &y); err != nil {
		return maptile.Tile{}, fmt.Errorf("parse tile %q: %w", s, err)
	}
	if z > maxZoom {
		return maptile.Tile{}, fmt.Errorf("invalid tile zoom %d in %q", z, s)
	}
	t := maptile.New(x, y, maptile.Zoom(z))
	if !t.Valid() {
		return maptile.Tile{}, fmt.Errorf("tile %q out of range", s)
	}
	return t, nil
}

func tileXY(lon, lat float64, z maptile.Zoom) (uint32, uint32) {
	lat = math.Max(-MaxMercatorLat, math.Min(MaxMercatorLat, lat))
	lon = math.Max(-180, math.Min(180, lon))
	t := maptile.At(orb.Point{lon, lat}, z)

	// lon=180 lands one column past the edge
	last := uint32(1)<<uint32(z) - 1
	return min(t.X, last), min(t.Y, last)
}

func validateZoom(z int) error {
	if z < 0 || z > maxZoom {
		return fmt.Errorf("invalid tile zoom %d (must be 0..%d)", z, maxZoom)
	}
	return nil
}
