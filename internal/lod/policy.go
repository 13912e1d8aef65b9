package lod

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
)

// Range is the LOD configuration for an inclusive zoom bucket interval.
// Zero caps mean unlimited; a zero cluster cell disables clustering.
type Range struct {
	MinZoom           int     `yaml:"minZoom"`
	MaxZoom           int     `yaml:"maxZoom"`
	ClusterCellMeters float64 `yaml:"clusterCellMeters"`
	ToleranceMeters   float64 `yaml:"toleranceMeters"`
	MaxFeatures       int     `yaml:"maxFeatures"`
	MaxVertices       int     `yaml:"maxVertices"`
}

type Order string

const (
	OrderCandidate Order = "candidate"
	OrderClassRank Order = "class_rank"
)

type LayerPolicy struct {
	Ranges []Range `yaml:"ranges"`
	// Order decides which non-highlighted features fill remaining budget slots.
	Order     Order    `yaml:"order"`
	ClassRank []string `yaml:"classRank"`
	// MinZoomByClass hides features of a class below the given bucket.
	MinZoomByClass map[string]int `yaml:"minZoomByClass"`
}

// Policy resolves per layer, then per geometry kind, then Default.
type Policy struct {
	Default LayerPolicy            `yaml:"default"`
	Kinds   map[string]LayerPolicy `yaml:"kinds"`
	Layers  map[string]LayerPolicy `yaml:"layers"`
}

func Load(path string) (*Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	kinds := make(map[string]LayerPolicy, len(p.Kinds))
	for k, lp := range p.Kinds {
		kind, err := model.ParseKind(k)
		if err != nil {
			return nil, fmt.Errorf("policy kinds: %w", err)
		}
		kinds[string(kind)] = lp
	}
	p.Kinds = kinds
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) Validate() error {
	if err := p.Default.Validate(); err != nil {
		return fmt.Errorf("default policy: %w", err)
	}
	for k, lp := range p.Kinds {
		if err := lp.Validate(); err != nil {
			return fmt.Errorf("%s policy: %w", k, err)
		}
	}
	for id, lp := range p.Layers {
		if err := lp.Validate(); err != nil {
			return fmt.Errorf("layer %s policy: %w", id, err)
		}
	}
	return nil
}

func (p *Policy) For(layerID string, kind model.GeometryKind) LayerPolicy {
	if lp, ok := p.Layers[layerID]; ok {
		return lp
	}
	if lp, ok := p.Kinds[string(kind)]; ok {
		return lp
	}
	return p.Default
}

// Validate requires sorted, contiguous ranges within 0..22 and caps that
// never shrink (tolerance and cluster cell never grow) as zoom increases.
func (lp LayerPolicy) Validate() error {
	if len(lp.Ranges) == 0 {
		return errors.New("no zoom ranges")
	}
	switch lp.Order {
	case "", OrderCandidate, OrderClassRank:
	default:
		return fmt.Errorf("unknown order %q", lp.Order)
	}
	for i, r := range lp.Ranges {
		if r.MinZoom < 0 || r.MaxZoom > maxBucket || r.MinZoom > r.MaxZoom {
			return fmt.Errorf("range %d: invalid zoom interval %d..%d", i, r.MinZoom, r.MaxZoom)
		}
		if r.ClusterCellMeters < 0 || r.ToleranceMeters < 0 || r.MaxFeatures < 0 || r.MaxVertices < 0 {
			return fmt.Errorf("range %d: negative value", i)
		}
		if i == 0 {
			continue
		}
		prev := lp.Ranges[i-1]
		if r.MinZoom != prev.MaxZoom+1 {
			return fmt.Errorf("range %d: gap or overlap between %d and %d", i, prev.MaxZoom, r.MinZoom)
		}
		if capLess(r.MaxFeatures, prev.MaxFeatures) {
			return fmt.Errorf("range %d: maxFeatures decreases with zoom", i)
		}
		if capLess(r.MaxVertices, prev.MaxVertices) {
			return fmt.Errorf("range %d: maxVertices decreases with zoom", i)
		}
		if r.ToleranceMeters > prev.ToleranceMeters {
			return fmt.Errorf("range %d: toleranceMeters increases with zoom", i)
		}
		if r.ClusterCellMeters > prev.ClusterCellMeters {
			return fmt.Errorf("range %d: clusterCellMeters increases with zoom", i)
		}
	}
	return nil
}

// capLess treats 0 as unlimited.
func capLess(a, b int) bool {
	if a == 0 {
		return false
	}
	return b == 0 || a < b
}

// At returns the range covering bucket. Buckets outside the configured
// ranges clamp to the nearest one and report gap=true.
func (lp LayerPolicy) At(bucket model.ZoomBucket) (Range, bool) {
	i, gap := lp.index(int(bucket))
	if i < 0 {
		return Range{}, true
	}
	return lp.Ranges[i], gap
}

func (lp LayerPolicy) index(z int) (int, bool) {
	n := len(lp.Ranges)
	if n == 0 {
		return -1, true
	}
	i := sort.Search(n, func(i int) bool { return lp.Ranges[i].MaxZoom >= z })
	if i == n {
		return n - 1, true
	}
	if z < lp.Ranges[i].MinZoom {
		return i, true
	}
	return i, false
}

// MinTolerance is the finest tolerance across all ranges.
func (lp LayerPolicy) MinTolerance() float64 {
	if len(lp.Ranges) == 0 {
		return 0
	}
	m := math.Inf(1)
	for _, r := range lp.Ranges {
		m = math.Min(m, r.ToleranceMeters)
	}
	return m
}

// ToleranceCeiling bounds budget-driven re-simplification at bucket so that
// the result is never coarser than the next lower range's base tolerance.
func (lp LayerPolicy) ToleranceCeiling(bucket model.ZoomBucket) float64 {
	i, _ := lp.index(int(bucket))
	if i <= 0 {
		return math.Inf(1)
	}
	return lp.Ranges[i-1].ToleranceMeters
}

// ClassMinZoom reports the minimum bucket at which class is shown.
func (lp LayerPolicy) ClassMinZoom(class string) (int, bool) {
	if class == "" || len(lp.MinZoomByClass) == 0 {
		return 0, false
	}
	for k, v := range lp.MinZoomByClass {
		if strings.EqualFold(k, class) {
			return v, true
		}
	}
	return 0, false
}

const maxBucket = 22

// DefaultPolicy mirrors the built-in zoom tables: grid sizes from 8 km down
// to 250 m for points and per-kind simplification tolerances.
func DefaultPolicy() *Policy {
	points := LayerPolicy{Ranges: []Range{
		{MinZoom: 0, MaxZoom: 6, ClusterCellMeters: 8000, MaxFeatures: 2500},
		{MinZoom: 7, MaxZoom: 8, ClusterCellMeters: 4000, MaxFeatures: 2500},
		{MinZoom: 9, MaxZoom: 9, ClusterCellMeters: 2000, MaxFeatures: 2500},
		{MinZoom: 10, MaxZoom: 10, ClusterCellMeters: 1000, MaxFeatures: 2500},
		{MinZoom: 11, MaxZoom: 11, ClusterCellMeters: 500, MaxFeatures: 2500},
		{MinZoom: 12, MaxZoom: 22, ClusterCellMeters: 250, MaxFeatures: 3000},
	}}
	lines := LayerPolicy{Ranges: []Range{
		{MinZoom: 0, MaxZoom: 6, ToleranceMeters: 250, MaxFeatures: 5000, MaxVertices: 40000},
		{MinZoom: 7, MaxZoom: 8, ToleranceMeters: 150, MaxFeatures: 5000, MaxVertices: 40000},
		{MinZoom: 9, MaxZoom: 10, ToleranceMeters: 75, MaxFeatures: 5000, MaxVertices: 40000},
		{MinZoom: 11, MaxZoom: 12, ToleranceMeters: 25, MaxFeatures: 5000, MaxVertices: 40000},
		{MinZoom: 13, MaxZoom: 22, ToleranceMeters: 10, MaxFeatures: 5000, MaxVertices: 40000},
	}}
	polys := LayerPolicy{Ranges: []Range{
		{MinZoom: 0, MaxZoom: 6, ToleranceMeters: 400, MaxFeatures: 5000, MaxVertices: 80000},
		{MinZoom: 7, MaxZoom: 8, ToleranceMeters: 250, MaxFeatures: 5000, MaxVertices: 80000},
		{MinZoom: 9, MaxZoom: 10, ToleranceMeters: 120, MaxFeatures: 5000, MaxVertices: 80000},
		{MinZoom: 11, MaxZoom: 12, ToleranceMeters: 40, MaxFeatures: 5000, MaxVertices: 80000},
		{MinZoom: 13, MaxZoom: 22, ToleranceMeters: 15, MaxFeatures: 5000, MaxVertices: 80000},
	}}
	return &Policy{
		Default: lines,
		Kinds: map[string]LayerPolicy{
			string(model.KindPoint):   points,
			string(model.KindLine):    lines,
			string(model.KindPolygon): polys,
		},
	}
}
