// Package engine defines the query contract shared by the in-memory and
// external columnar backends, and the explicit selector map between them.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
)

var (
	ErrEngineUnavailable = errors.New("engine unavailable")
	ErrUnknownEngine     = errors.New("unknown engine")
	ErrLayerNotFound     = errors.New("layer not found")
)

type LayerInfo struct {
	ID        string
	Kind      model.GeometryKind
	Title     string
	ClassAttr string
}

// QueryEngine returns every feature of a layer whose bound intersects bb,
// in the layer's load order. tiles is the AOI tile coverage for engines
// that keep a tile-level cache; it may be empty.
type QueryEngine interface {
	Fetch(ctx context.Context, req model.LayerRequest, bb model.BBox, tiles model.Tiles) ([]model.Feature, model.FetchStats, error)
	Layer(id string) (LayerInfo, error)
	// Reset drops internal caches after a data reload.
	Reset()
}

// Set maps selectors to engines. There is no fallback between them.
type Set struct {
	engines map[model.EngineSelector]QueryEngine
}

func NewSet(engines map[model.EngineSelector]QueryEngine) *Set {
	m := make(map[model.EngineSelector]QueryEngine, len(engines))
	for k, v := range engines {
		if v != nil {
			m[k] = v
		}
	}
	return &Set{engines: m}
}

func (s *Set) Get(sel model.EngineSelector) (QueryEngine, error) {
	if !sel.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, sel)
	}
	e, ok := s.engines[sel]
	if !ok {
		return nil, fmt.Errorf("%w: %s not configured", ErrEngineUnavailable, sel)
	}
	return e, nil
}

func (s *Set) Reset() {
	for _, e := range s.engines {
		e.Reset()
	}
}
