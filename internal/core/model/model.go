// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/paulmach/orb"
)

type GeometryKind string

const (
	KindPoint   GeometryKind = "point"
	KindLine    GeometryKind = "line"
	KindPolygon GeometryKind = "polygon"
)

func ParseKind(s string) (GeometryKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "point", "points":
		return KindPoint, nil
	case "line", "lines", "linestring":
		return KindLine, nil
	case "polygon", "polygons":
		return KindPolygon, nil
	default:
		return "", fmt.Errorf("unknown geometry kind %q", s)
	}
}

// Feature is immutable once loaded. Geometry is an orb.Point, orb.LineString
// or orb.Polygon matching Kind.
type Feature struct {
	ID       string
	Kind     GeometryKind
	Geometry orb.Geometry
	Attrs    map[string]any
}

func (f Feature) Bound() orb.Bound {
	if f.Geometry == nil {
		return orb.Bound{}
	}
	return f.Geometry.Bound()
}

// Vertices counts coordinates the renderer will receive.
func (f Feature) Vertices() int {
	switch g := f.Geometry.(type) {
	case orb.Point:
		return 1
	case orb.LineString:
		return len(g)
	case orb.Polygon:
		n := 0
		for _, r := range g {
			n += len(r)
		}
		return n
	default:
		return 0
	}
}

func (f Feature) Class(attr string) string {
	if attr == "" || f.Attrs == nil {
		return ""
	}
	if v, ok := f.Attrs[attr]; ok && v != nil {
		return strings.ToLower(fmt.Sprint(v))
	}
	return ""
}

func (f Feature) IsCluster() bool {
	if f.Attrs == nil {
		return false
	}
	v, ok := f.Attrs["cluster"].(bool)
	return ok && v
}

// BBox in WGS84 degrees. Zero-area boxes are legal.
type BBox struct {
	MinLon float64 `json:"minLon"`
	MinLat float64 `json:"minLat"`
	MaxLon float64 `json:"maxLon"`
	MaxLat float64 `json:"maxLat"`
}

// String representation matching wfs/wms bbox order
func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.MinLon, b.MinLat, b.MaxLon, b.MaxLat)
}

func (b BBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinLon, b.MinLat}, Max: orb.Point{b.MaxLon, b.MaxLat}}
}

func (b BBox) HasNaN() bool {
	for _, v := range []float64{b.MinLon, b.MinLat, b.MaxLon, b.MaxLat} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// Intersects is inclusive on edges so degenerate boxes behave as points.
func (b BBox) Intersects(o orb.Bound) bool {
	return o.Max[0] >= b.MinLon && o.Min[0] <= b.MaxLon &&
		o.Max[1] >= b.MinLat && o.Min[1] <= b.MaxLat
}

func BBoxFromBound(o orb.Bound) BBox {
	return BBox{MinLon: o.Min[0], MinLat: o.Min[1], MaxLon: o.Max[0], MaxLat: o.Max[1]}
}

type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type ViewState struct {
	Center LatLon  `json:"center"`
	Zoom   float64 `json:"zoom"`
}

type ZoomBucket int

type EngineSelector string

const (
	EngineInMemory         EngineSelector = "in_memory"
	EngineExternalColumnar EngineSelector = "external_columnar"
)

func (s EngineSelector) Valid() bool {
	return s == EngineInMemory || s == EngineExternalColumnar
}

// LayerRequest is declarative; engines decide how to satisfy it.
type LayerRequest struct {
	LayerID string            `json:"layerId"`
	Engine  EngineSelector    `json:"engine,omitempty"`
	Classes []string          `json:"classes,omitempty"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// FilterKey is a canonical text form of the request filters.
func (r LayerRequest) FilterKey() string {
	if len(r.Classes) == 0 && len(r.Attrs) == 0 {
		return ""
	}
	cls := make([]string, 0, len(r.Classes))
	for _, c := range r.Classes {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			cls = append(cls, c)
		}
	}
	sort.Strings(cls)
	attrKeys := make([]string, 0, len(r.Attrs))
	for k := range r.Attrs {
		attrKeys = append(attrKeys, k)
	}
	sort.Strings(attrKeys)
	var b strings.Builder
	b.WriteString("class=")
	b.WriteString(strings.Join(cls, ","))
	for _, k := range attrKeys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(r.Attrs[k])
	}
	return b.String()
}

// Match applies class and attribute filters.
func (r LayerRequest) Match(f Feature, classAttr string) bool {
	if len(r.Classes) > 0 {
		c := f.Class(classAttr)
		ok := false
		for _, want := range r.Classes {
			if strings.EqualFold(strings.TrimSpace(want), c) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for k, want := range r.Attrs {
		v, ok := f.Attrs[k]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

type HighlightSpec struct {
	LayerID    string   `json:"layerId"`
	FeatureIDs []string `json:"featureIds"`
	Title      string   `json:"title,omitempty"`
}

type TruncationReason string

const (
	ReasonMaxFeatures      TruncationReason = "max_features"
	ReasonMaxVertices      TruncationReason = "max_vertices"
	ReasonHighlightOverCap TruncationReason = "highlight_over_cap"
)

// TruncationReport describes the budget stage only. RequestedCount is what
// reached the budget after clustering and class gating; CandidateCount is
// what the engine returned for the viewport before any LOD.
type TruncationReport struct {
	LayerID        string           `json:"layerId"`
	CandidateCount int              `json:"candidateCount"`
	RequestedCount int              `json:"requestedCount"`
	RenderedCount  int              `json:"renderedCount"`
	Reason         TruncationReason `json:"reason"`
	// HighlightRequested/HighlightRendered are set when protected features were capped.
	HighlightRequested int `json:"highlightRequested,omitempty"`
	HighlightRendered  int `json:"highlightRendered,omitempty"`
}

type QueryRequest struct {
	BBox      BBox           `json:"bbox"`
	View      ViewState      `json:"view"`
	Layers    []LayerRequest `json:"layers"`
	Highlight *HighlightSpec `json:"highlight,omitempty"`
	Engine    EngineSelector `json:"engineSelector"`
	// SessionID groups requests of one viewport session; newer requests
	// supersede older ones still in flight.
	SessionID string `json:"sessionId,omitempty"`
}

// EngineFor resolves the per-layer selector, falling back to the request's.
func (q QueryRequest) EngineFor(l LayerRequest) EngineSelector {
	if l.Engine != "" {
		return l.Engine
	}
	return q.Engine
}

type FetchStats struct {
	QueryMs        float64 `json:"queryMs"`
	CandidateCount int     `json:"candidateCount"`
	DecodeErrors   int     `json:"decodeErrors,omitempty"`
	TilesHit       int     `json:"tilesHit,omitempty"`
	TilesMissed    int     `json:"tilesMissed,omitempty"`
}

// LayerResult encodes to JSON with Features as a GeoJSON FeatureCollection
// (see MarshalJSON). Fetch and PolicyGap stay in process.
type LayerResult struct {
	LayerID    string
	Kind       GeometryKind
	Features   []Feature
	Truncation *TruncationReport
	Fetch      FetchStats
	PolicyGap  bool
}

type Stats struct {
	QueryMs          map[string]float64 `json:"queryMs"`
	DecodeErrors     map[string]int     `json:"decodeErrors,omitempty"`
	LodMs            float64            `json:"lodMs"`
	BudgetMs         float64            `json:"budgetMs"`
	CacheHit         bool               `json:"cacheHit"`
	TileCoverageUsed []string           `json:"tileCoverageUsed"`
	ZoomBucket       ZoomBucket         `json:"zoomBucket"`
	TotalMs          float64            `json:"totalMs"`
}

type QueryResponse struct {
	Layers []LayerResult `json:"layers"`
	Stats  Stats         `json:"stats"`
}

type Tiles []string
