package h3mapper

import (
	"errors"
	"fmt"
	"math"
	"sort"

	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
)

type Mapper struct{}

func New() *Mapper { return &Mapper{} }

func (m *Mapper) Scheme() string { return "h3" }

// ResForTileZoom picks the H3 resolution whose cell edge is closest to a
// slippy tile edge at the same zoom.
func ResForTileZoom(zoom int) int {
	r := int(math.Round(float64(zoom)*0.713 - 3.69))
	return max(0, min(15, r))
}

// TilesForBBox covers bb with H3 cells at the resolution derived from zoom.
// Polyfill alone only returns cells whose centers fall inside, so edge
// samples and their neighbours are added and filtered by intersection.
func (m *Mapper) TilesForBBox(bb model.BBox, zoom int) (model.Tiles, error) {
	res := ResForTileZoom(zoom)
	if err := validateRes(res); err != nil {
		return nil, err
	}
	if bb.HasNaN() {
		return nil, errors.New("bbox has non-finite coordinates")
	}

	seen := make(map[h3.Cell]struct{})
	var seeds []h3.Cell

	if bb.MaxLon > bb.MinLon && bb.MaxLat > bb.MinLat {
		// Build a rectangular loop (lon,lat in EPSG:4326). v4 wants degrees.
		outer := h3.GeoLoop{
			{Lat: bb.MinLat, Lng: bb.MinLon},
			{Lat: bb.MinLat, Lng: bb.MaxLon},
			{Lat: bb.MaxLat, Lng: bb.MaxLon},
			{Lat: bb.MaxLat, Lng: bb.MinLon},
		}
		cells, err := h3.PolygonToCells(h3.GeoPolygon{GeoLoop: outer}, res)
		if err != nil {
			return nil, fmt.Errorf("h3 polyfill: %w", err)
		}
		seeds = append(seeds, cells...)
	}

	for _, p := range edgeSamples(bb, 8) {
		c, err := h3.LatLngToCell(p, res)
		if err != nil {
			return nil, fmt.Errorf("h3 cell: %w", err)
		}
		seeds = append(seeds, c)
	}

	for _, c := range seeds {
		seen[c] = struct{}{}
	}
	for _, c := range seeds {
		ring, err := h3.GridDisk(c, 1)
		if err != nil {
			return nil, fmt.Errorf("h3 grid disk: %w", err)
		}
		for _, n := range ring {
			if _, ok := seen[n]; ok {
				continue
			}
			cb, err := cellBound(n)
			if err != nil {
				return nil, err
			}
			if bb.Intersects(cb.Bound()) {
				seen[n] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c.String())
	}
	sort.Strings(out)
	return out, nil
}

func (m *Mapper) TileBound(tile string) (model.BBox, error) {
	var c h3.Cell
	if err := c.UnmarshalText([]byte(tile)); err != nil {
		return model.BBox{}, fmt.Errorf("parse cell: %w", err)
	}
	if !c.IsValid() {
		return model.BBox{}, fmt.Errorf("invalid h3 cell %q", tile)
	}
	return cellBound(c)
}

// --- helpers ---

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}

func cellBound(c h3.Cell) (model.BBox, error) {
	boundary, err := c.Boundary()
	if err != nil {
		return model.BBox{}, fmt.Errorf("h3 boundary: %w", err)
	}
	b := model.BBox{MinLon: math.Inf(1), MinLat: math.Inf(1), MaxLon: math.Inf(-1), MaxLat: math.Inf(-1)}
	for _, ll := range boundary {
		b.MinLon = math.Min(b.MinLon, ll.Lng)
		b.MinLat = math.Min(b.MinLat, ll.Lat)
		b.MaxLon = math.Max(b.MaxLon, ll.Lng)
		b.MaxLat = math.Max(b.MaxLat, ll.Lat)
	}
	return b, nil
}

// edgeSamples walks the bbox perimeter with n points per side.
func edgeSamples(bb model.BBox, n int) []h3.LatLng {
	out := make([]h3.LatLng, 0, 4*n+1)
	for i := 0; i <= n; i++ {
		f := float64(i) / float64(n)
		lon := bb.MinLon + (bb.MaxLon-bb.MinLon)*f
		lat := bb.MinLat + (bb.MaxLat-bb.MinLat)*f
		out = append(out,
			h3.LatLng{Lat: bb.MinLat, Lng: lon},
			h3.LatLng{Lat: bb.MaxLat, Lng: lon},
			h3.LatLng{Lat: lat, Lng: bb.MinLon},
			h3.LatLng{Lat: lat, Lng: bb.MaxLon},
		)
	}
	return out
}
