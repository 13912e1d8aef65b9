package lod

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
	"github.com/paulmach/orb/simplify"

	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
)

// simplifyFeature runs Douglas-Peucker in mercator meters. Results that
// would leave a line under 2 vertices or a ring under 4 fall back to the
// original coordinates.
func simplifyFeature(f model.Feature, toleranceMeters float64) model.Feature {
	if toleranceMeters <= 0 {
		return f
	}
	dp := simplify.DouglasPeucker(toleranceMeters)

	switch g := f.Geometry.(type) {
	case orb.LineString:
		ls := simplifyLine(dp, g)
		if len(ls) < 2 {
			return f
		}
		f.Geometry = ls
	case orb.Polygon:
		out := make(orb.Polygon, 0, len(g))
		for i, r := range g {
			sr := simplifyRing(dp, r)
			if len(sr) < 4 {
				if i == 0 {
					return f
				}
				sr = r
			}
			out = append(out, sr)
		}
		f.Geometry = out
	}
	return f
}

func simplifyLine(dp *simplify.DouglasPeuckerSimplifier, ls orb.LineString) orb.LineString {
	m := project.LineString(ls.Clone(), project.WGS84.ToMercator)
	s := dp.LineString(m)
	return project.LineString(s, project.Mercator.ToWGS84)
}

func simplifyRing(dp *simplify.DouglasPeuckerSimplifier, r orb.Ring) orb.Ring {
	m := project.Ring(r.Clone(), project.WGS84.ToMercator)
	s := dp.Ring(m)
	if len(s) > 0 && s[0] != s[len(s)-1] {
		s = append(s, s[0])
	}
	return project.Ring(s, project.Mercator.ToWGS84)
}

func totalVertices(feats []model.Feature) int {
	n := 0
	for _, f := range feats {
		n += f.Vertices()
	}
	return n
}
