// Package budget caps a layer's rendered feature and vertex counts with a
// deterministic drop order and reports every drop.
package budget

import (
	"sort"
	"strings"

	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
)

// Caps of zero are unlimited.
type Caps struct {
	MaxFeatures int
	MaxVertices int
}

// Options choose the order in which unprotected features fill the slots
// left after protected ones. Without ClassRank the candidate order is used.
type Options struct {
	ClassAttr string
	ClassRank []string
}

type Result struct {
	Features []model.Feature
	Vertices int
	// Report is nil when nothing was dropped.
	Report *model.TruncationReport
}

// Enforce never fails. Output preserves candidate order.
//
// Feature cap: protected features are kept first; if they alone exceed the
// cap, the first MaxFeatures by ascending id survive. Remaining slots go to
// unprotected features by class rank (if configured), then candidate order.
//
// Vertex cap: the heaviest unprotected feature is dropped first (ties by
// id), protected ones only once nothing else is left.
func Enforce(layerID string, feats []model.Feature, protected map[string]struct{}, caps Caps, opts Options) Result {
	requested := len(feats)
	keep := make([]bool, len(feats))
	for i := range keep {
		keep[i] = true
	}

	isProt := func(i int) bool {
		_, ok := protected[feats[i].ID]
		return ok
	}
	protRequested := 0
	for i := range feats {
		if isProt(i) {
			protRequested++
		}
	}

	droppedByFeatures := false
	if caps.MaxFeatures > 0 && len(feats) > caps.MaxFeatures {
		droppedByFeatures = true
		capFeatures(feats, keep, isProt, protRequested, caps.MaxFeatures, opts)
	}

	droppedByVertices := false
	if caps.MaxVertices > 0 {
		droppedByVertices = capVertices(feats, keep, isProt, caps.MaxVertices)
	}

	out := make([]model.Feature, 0, len(feats))
	vertices, protRendered := 0, 0
	for i, f := range feats {
		if !keep[i] {
			continue
		}
		out = append(out, f)
		vertices += f.Vertices()
		if isProt(i) {
			protRendered++
		}
	}

	res := Result{Features: out, Vertices: vertices}
	if len(out) == requested {
		return res
	}

	rep := &model.TruncationReport{
		LayerID:        layerID,
		RequestedCount: requested,
		RenderedCount:  len(out),
	}
	switch {
	case protRendered < protRequested:
		rep.Reason = model.ReasonHighlightOverCap
		rep.HighlightRequested = protRequested
		rep.HighlightRendered = protRendered
	case droppedByVertices:
		rep.Reason = model.ReasonMaxVertices
	case droppedByFeatures:
		rep.Reason = model.ReasonMaxFeatures
	}
	res.Report = rep
	return res
}

func capFeatures(feats []model.Feature, keep []bool, isProt func(int) bool, protCount, limit int, opts Options) {
	var prot, rest []int
	for i := range feats {
		keep[i] = false
		if isProt(i) {
			prot = append(prot, i)
		} else {
			rest = append(rest, i)
		}
	}

	if protCount >= limit {
		sort.SliceStable(prot, func(a, b int) bool { return feats[prot[a]].ID < feats[prot[b]].ID })
		for _, i := range prot[:limit] {
			keep[i] = true
		}
		return
	}

	for _, i := range prot {
		keep[i] = true
	}
	if rank := rankFunc(feats, opts); rank != nil {
		sort.SliceStable(rest, func(a, b int) bool { return rank(rest[a]) < rank(rest[b]) })
	}
	for _, i := range rest[:limit-protCount] {
		keep[i] = true
	}
}

// rankFunc maps a candidate index to its class position; unranked classes
// sort after all ranked ones.
func rankFunc(feats []model.Feature, opts Options) func(int) int {
	if len(opts.ClassRank) == 0 || opts.ClassAttr == "" {
		return nil
	}
	pos := make(map[string]int, len(opts.ClassRank))
	for i, c := range opts.ClassRank {
		c = strings.ToLower(strings.TrimSpace(c))
		if _, dup := pos[c]; !dup {
			pos[c] = i
		}
	}
	unranked := len(opts.ClassRank)
	return func(i int) int {
		if p, ok := pos[feats[i].Class(opts.ClassAttr)]; ok {
			return p
		}
		return unranked
	}
}

func capVertices(feats []model.Feature, keep []bool, isProt func(int) bool, limit int) bool {
	total := 0
	var live []int
	for i, f := range feats {
		if keep[i] {
			total += f.Vertices()
			live = append(live, i)
		}
	}
	if total <= limit {
		return false
	}

	sort.SliceStable(live, func(a, b int) bool {
		fa, fb := feats[live[a]], feats[live[b]]
		pa, pb := isProt(live[a]), isProt(live[b])
		if pa != pb {
			return !pa
		}
		va, vb := fa.Vertices(), fb.Vertices()
		if va != vb {
			return va > vb
		}
		return fa.ID < fb.ID
	})
	for _, i := range live {
		if total <= limit {
			break
		}
		keep[i] = false
		total -= feats[i].Vertices()
	}
	return true
}
