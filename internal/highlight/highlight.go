// Package highlight turns a request's HighlightSpec into the protected id
// sets consumed by the LOD and budget stages. It keeps no state between
// requests.
package highlight

import (
	"sort"
	"strings"

	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
)

type Overlay struct {
	layerID string
	ids     map[string]struct{}
	sorted  []string
	title   string
}

// New returns a nil Overlay for a nil or empty spec.
func New(spec *model.HighlightSpec) *Overlay {
	if spec == nil || spec.LayerID == "" || len(spec.FeatureIDs) == 0 {
		return nil
	}
	o := &Overlay{layerID: spec.LayerID, ids: make(map[string]struct{}, len(spec.FeatureIDs)), title: spec.Title}
	for _, id := range spec.FeatureIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := o.ids[id]; dup {
			continue
		}
		o.ids[id] = struct{}{}
		o.sorted = append(o.sorted, id)
	}
	if len(o.sorted) == 0 {
		return nil
	}
	sort.Strings(o.sorted)
	return o
}

func (o *Overlay) LayerID() string {
	if o == nil {
		return ""
	}
	return o.layerID
}

// Title is the caller's label for the highlight, used in logs only.
func (o *Overlay) Title() string {
	if o == nil {
		return ""
	}
	return o.title
}

// For returns the protected set for layerID, or nil.
func (o *Overlay) For(layerID string) map[string]struct{} {
	if o == nil || layerID != o.layerID {
		return nil
	}
	return o.ids
}

// Key is the canonical cache-key form: "<layer>:<sorted ids>". The title is
// presentation only and not part of it.
func (o *Overlay) Key() string {
	if o == nil {
		return ""
	}
	return o.layerID + ":" + strings.Join(o.sorted, ",")
}

// Missing lists protected ids absent from feats, sorted. Those fell outside
// the AOI or the layer's filters.
func (o *Overlay) Missing(layerID string, feats []model.Feature) []string {
	set := o.For(layerID)
	if len(set) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(set))
	for _, f := range feats {
		if _, ok := set[f.ID]; ok {
			seen[f.ID] = struct{}{}
		}
	}
	var out []string
	for _, id := range o.sorted {
		if _, ok := seen[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
