// Package store holds the per-layer feature collections and their
// bounding-box trees. Everything is read-only after construction.
package store

import (
	"errors"
	"fmt"
	"slices"

	"github.com/tidwall/rtree"

	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
)

type Layer struct {
	ID        string
	Kind      model.GeometryKind
	Title     string
	ClassAttr string
	Features  []model.Feature

	tree rtree.RTreeG[int]
}

// NewLayer indexes feats by bound; the slice index is the candidate order.
func NewLayer(id string, kind model.GeometryKind, title, classAttr string, feats []model.Feature) *Layer {
	l := &Layer{ID: id, Kind: kind, Title: title, ClassAttr: classAttr, Features: feats}
	for i, f := range feats {
		b := f.Bound()
		l.tree.Insert([2]float64{b.Min[0], b.Min[1]}, [2]float64{b.Max[0], b.Max[1]}, i)
	}
	return l
}

func (l *Layer) Len() int { return len(l.Features) }

// QueryIndex returns the positions in Features of every feature whose bound
// intersects bb and passes req's filters, in load order.
func (l *Layer) QueryIndex(bb model.BBox, req model.LayerRequest) []int {
	var idx []int
	l.tree.Search(
		[2]float64{bb.MinLon, bb.MinLat},
		[2]float64{bb.MaxLon, bb.MaxLat},
		func(_, _ [2]float64, i int) bool {
			if req.Match(l.Features[i], l.ClassAttr) {
				idx = append(idx, i)
			}
			return true
		},
	)
	slices.Sort(idx)
	return idx
}

type Store struct {
	layers map[string]*Layer
	order  []string
}

func New(layers ...*Layer) (*Store, error) {
	s := &Store{layers: make(map[string]*Layer, len(layers))}
	for _, l := range layers {
		if l == nil || l.ID == "" {
			return nil, errors.New("store: layer id is required")
		}
		if _, dup := s.layers[l.ID]; dup {
			return nil, fmt.Errorf("store: duplicate layer %q", l.ID)
		}
		s.layers[l.ID] = l
		s.order = append(s.order, l.ID)
	}
	return s, nil
}

func (s *Store) Layer(id string) (*Layer, bool) {
	l, ok := s.layers[id]
	return l, ok
}

// Layers in catalog order.
func (s *Store) Layers() []*Layer {
	out := make([]*Layer, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.layers[id])
	}
	return out
}
