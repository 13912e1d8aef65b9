package lod

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
)

type cell struct{ x, y int64 }

type bucketAcc struct {
	first    int
	members  []int
	sumLon   float64
	sumLat   float64
	hasProtd bool
}

// clusterPoints grids points in web-mercator meters. Cells with more than one
// member collapse into a cluster unless they hold a protected id, in which
// case every member is emitted as-is. Singletons keep candidate order;
// clusters follow, ordered by their first member's position.
func clusterPoints(layerID string, feats []model.Feature, cellMeters float64, protected map[string]struct{}) ([]model.Feature, int) {
	if cellMeters <= 0 || len(feats) < 2 {
		return feats, 0
	}

	cells := make(map[cell]*bucketAcc)
	order := make([]cell, 0)
	keyOf := make([]cell, len(feats))

	for i, f := range feats {
		p, ok := f.Geometry.(orb.Point)
		if !ok {
			continue
		}
		m := project.Point(p, project.WGS84.ToMercator)
		c := cell{int64(math.Floor(m[0] / cellMeters)), int64(math.Floor(m[1] / cellMeters))}
		keyOf[i] = c
		acc, ok := cells[c]
		if !ok {
			acc = &bucketAcc{first: i}
			cells[c] = acc
			order = append(order, c)
		}
		acc.members = append(acc.members, i)
		acc.sumLon += p[0]
		acc.sumLat += p[1]
		if _, hit := protected[f.ID]; hit {
			acc.hasProtd = true
		}
	}

	out := make([]model.Feature, 0, len(feats))
	for i, f := range feats {
		if _, ok := f.Geometry.(orb.Point); !ok {
			out = append(out, f)
			continue
		}
		acc := cells[keyOf[i]]
		if len(acc.members) == 1 || acc.hasProtd {
			out = append(out, f)
		}
	}

	clusters := 0
	for _, c := range order {
		acc := cells[c]
		if len(acc.members) == 1 || acc.hasProtd {
			continue
		}
		n := float64(len(acc.members))
		out = append(out, model.Feature{
			ID:       fmt.Sprintf("cluster:%s:%d_%d", layerID, c.x, c.y),
			Kind:     model.KindPoint,
			Geometry: orb.Point{acc.sumLon / n, acc.sumLat / n},
			Attrs:    map[string]any{"cluster": true, "count": len(acc.members)},
		})
		clusters++
	}
	return out, clusters
}
