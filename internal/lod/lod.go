// Package lod reduces per-layer feature density by zoom bucket: grid
// clustering for points and Douglas-Peucker simplification for lines and
// polygons. Protected (highlighted) features are never clustered and are
// simplified only at the policy's finest tolerance.
package lod

import (
	"math"

	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
)

type Input struct {
	LayerID   string
	Kind      model.GeometryKind
	ClassAttr string
	Features  []model.Feature
	Bucket    model.ZoomBucket
	Policy    LayerPolicy
	// Protected ids survive clustering and class gating.
	Protected map[string]struct{}
}

type Output struct {
	Features    []model.Feature
	Range       Range
	Gap         bool
	Tolerance   float64
	VerticesIn  int
	VerticesOut int
	Clusters    int
	ClassHidden int
}

// Process is a pure function of its input.
func Process(in Input) Output {
	r, gap := in.Policy.At(in.Bucket)
	out := Output{Range: r, Gap: gap, VerticesIn: totalVertices(in.Features)}

	feats := gateClasses(in, &out)

	switch in.Kind {
	case model.KindPoint:
		feats, out.Clusters = clusterPoints(in.LayerID, feats, r.ClusterCellMeters, in.Protected)
	case model.KindLine, model.KindPolygon:
		feats, out.Tolerance = simplifyLayer(feats, in, r)
	}

	out.Features = feats
	out.VerticesOut = totalVertices(feats)
	return out
}

func gateClasses(in Input, out *Output) []model.Feature {
	kept, hidden := visibleAt(in, int(in.Bucket))
	out.ClassHidden = hidden
	return kept
}

// visibleAt returns the features whose class is shown at zoom z.
func visibleAt(in Input, z int) ([]model.Feature, int) {
	if len(in.Policy.MinZoomByClass) == 0 || in.ClassAttr == "" {
		return in.Features, 0
	}
	kept := make([]model.Feature, 0, len(in.Features))
	hidden := 0
	for _, f := range in.Features {
		if minZ, ok := in.Policy.ClassMinZoom(f.Class(in.ClassAttr)); ok && z < minZ {
			if _, prot := in.Protected[f.ID]; !prot {
				hidden++
				continue
			}
		}
		kept = append(kept, f)
	}
	return kept, hidden
}

// simplifyLayer applies the bucket tolerance, then escalates it x2, x4, x8
// while the layer is over its vertex cap. The cap is measured against the
// features visible at the range's lowest zoom, so every bucket of a range
// settles on the same tolerance, and escalation never exceeds the next
// lower range's base tolerance.
func simplifyLayer(feats []model.Feature, in Input, r Range) ([]model.Feature, float64) {
	tol := escalatedTolerance(in, r)
	return simplifyAll(feats, in, tol), tol
}

func simplifyAll(feats []model.Feature, in Input, tol float64) []model.Feature {
	protTol := in.Policy.MinTolerance()
	out := make([]model.Feature, len(feats))
	for i, f := range feats {
		t := tol
		if _, ok := in.Protected[f.ID]; ok {
			t = protTol
		}
		out[i] = simplifyFeature(f, t)
	}
	return out
}

func escalatedTolerance(in Input, r Range) float64 {
	base := r.ToleranceMeters
	if r.MaxVertices <= 0 || base <= 0 {
		return base
	}
	ref, _ := visibleAt(in, r.MinZoom)
	if totalVertices(simplifyAll(ref, in, base)) <= r.MaxVertices {
		return base
	}

	used := base
	ceiling := in.Policy.ToleranceCeiling(in.Bucket)
	for _, mult := range []float64{2, 4, 8} {
		tol := math.Min(base*mult, ceiling)
		if tol <= used {
			break
		}
		used = tol
		if totalVertices(simplifyAll(ref, in, tol)) <= r.MaxVertices {
			break
		}
	}
	return used
}
