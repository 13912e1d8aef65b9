// Package mapper converts viewport boxes into tile coverage sets.
package mapper

import (
	"fmt"
	"strings"

	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
	h3mapper "github.com/mohammed-shakir/viewport-lod/internal/mapper/h3"
	slippymapper "github.com/mohammed-shakir/viewport-lod/internal/mapper/slippy"
)

// Interface returns a minimal, sorted, unique tile set whose union covers bb.
type Interface interface {
	Scheme() string
	TilesForBBox(bb model.BBox, zoom int) (model.Tiles, error)
	TileBound(tile string) (model.BBox, error)
}

const (
	SchemeSlippy = "slippy"
	SchemeH3     = "h3"
)

func New(scheme string) (Interface, error) {
	switch strings.ToLower(strings.TrimSpace(scheme)) {
	case "", SchemeSlippy:
		return slippymapper.New(), nil
	case SchemeH3:
		return h3mapper.New(), nil
	default:
		return nil, fmt.Errorf("unknown tile scheme %q", scheme)
	}
}
