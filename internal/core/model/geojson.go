package model

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// FeatureCollection converts features to GeoJSON, keeping their order.
func FeatureCollection(feats []Feature) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	fc.Features = make([]*geojson.Feature, 0, len(feats))
	for _, f := range feats {
		gf := geojson.NewFeature(f.Geometry)
		gf.ID = f.ID
		if len(f.Attrs) > 0 {
			gf.Properties = geojson.Properties(f.Attrs)
		}
		fc.Features = append(fc.Features, gf)
	}
	return fc
}

// FromFeatureCollection is the inverse of FeatureCollection. Numeric
// attributes come back as float64.
func FromFeatureCollection(fc *geojson.FeatureCollection, kind GeometryKind) ([]Feature, error) {
	if fc == nil {
		return nil, nil
	}
	out := make([]Feature, 0, len(fc.Features))
	for i, gf := range fc.Features {
		if gf == nil || gf.Geometry == nil {
			return nil, fmt.Errorf("feature %d: missing geometry", i)
		}
		switch gf.Geometry.(type) {
		case orb.Point, orb.LineString, orb.Polygon:
		default:
			return nil, fmt.Errorf("feature %d: unsupported geometry %s", i, gf.Geometry.GeoJSONType())
		}
		id, ok := gf.ID.(string)
		if !ok {
			id = fmt.Sprint(gf.ID)
		}
		var attrs map[string]any
		if len(gf.Properties) > 0 {
			attrs = map[string]any(gf.Properties)
		}
		out = append(out, Feature{ID: id, Kind: kind, Geometry: gf.Geometry, Attrs: attrs})
	}
	return out, nil
}

type layerResultJSON struct {
	LayerID    string                     `json:"layerId"`
	Kind       GeometryKind               `json:"kind"`
	Features   *geojson.FeatureCollection `json:"features"`
	Truncation *TruncationReport          `json:"truncation"`
}

func (r LayerResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(layerResultJSON{
		LayerID:    r.LayerID,
		Kind:       r.Kind,
		Features:   FeatureCollection(r.Features),
		Truncation: r.Truncation,
	})
}

func (r *LayerResult) UnmarshalJSON(b []byte) error {
	var w layerResultJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	feats, err := FromFeatureCollection(w.Features, w.Kind)
	if err != nil {
		return fmt.Errorf("layer %q: %w", w.LayerID, err)
	}
	*r = LayerResult{LayerID: w.LayerID, Kind: w.Kind, Features: feats, Truncation: w.Truncation}
	return nil
}
