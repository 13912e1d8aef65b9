package store

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
)

// DecodeGeoJSON reads a FeatureCollection and keeps only geometries that
// match kind. Multi-geometries are exploded into "<id>:<i>" parts; lines
// with fewer than 2 vertices and rings with fewer than 4 are skipped.
func DecodeGeoJSON(r io.Reader, layerID string, kind model.GeometryKind) ([]model.Feature, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read geojson: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse geojson: %w", err)
	}

	out := make([]model.Feature, 0, len(fc.Features))
	for i, gf := range fc.Features {
		if gf == nil || gf.Geometry == nil {
			continue
		}
		id := featureID(gf, layerID, i)
		attrs := map[string]any(gf.Properties)

		for _, p := range explode(gf.Geometry, kind) {
			fid := id
			if p.index >= 0 {
				fid = fmt.Sprintf("%s:%d", id, p.index)
			}
			out = append(out, model.Feature{ID: fid, Kind: kind, Geometry: p.geom, Attrs: attrs})
		}
	}
	return out, nil
}

type part struct {
	index int // -1 for single geometries
	geom  orb.Geometry
}

func explode(g orb.Geometry, kind model.GeometryKind) []part {
	var out []part
	switch kind {
	case model.KindPoint:
		switch v := g.(type) {
		case orb.Point:
			out = append(out, part{-1, v})
		case orb.MultiPoint:
			for i, p := range v {
				out = append(out, part{i, p})
			}
		}
	case model.KindLine:
		switch v := g.(type) {
		case orb.LineString:
			if len(v) >= 2 {
				out = append(out, part{-1, v})
			}
		case orb.MultiLineString:
			for i, ls := range v {
				if len(ls) >= 2 {
					out = append(out, part{i, ls})
				}
			}
		}
	case model.KindPolygon:
		switch v := g.(type) {
		case orb.Polygon:
			if p, ok := cleanPolygon(v); ok {
				out = append(out, part{-1, p})
			}
		case orb.MultiPolygon:
			for i, poly := range v {
				if p, ok := cleanPolygon(poly); ok {
					out = append(out, part{i, p})
				}
			}
		}
	}
	return out
}

func cleanPolygon(p orb.Polygon) (orb.Polygon, bool) {
	if len(p) == 0 {
		return nil, false
	}
	out := make(orb.Polygon, 0, len(p))
	for i, r := range p {
		if len(r) > 0 && r[0] != r[len(r)-1] {
			r = append(r.Clone(), r[0])
		}
		if len(r) < 4 {
			if i == 0 {
				return nil, false
			}
			continue
		}
		out = append(out, r)
	}
	return out, true
}

func featureID(f *geojson.Feature, layerID string, i int) string {
	switch v := f.ID.(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return fmt.Sprintf("%d", int64(v))
	case json.Number:
		return v.String()
	}
	if v, ok := f.Properties["id"]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return fmt.Sprintf("%s-%d", layerID, i)
}

type overpassDoc struct {
	Elements []overpassElement `json:"elements"`
}

type overpassElement struct {
	Type   string            `json:"type"`
	ID     int64             `json:"id"`
	Lat    *float64          `json:"lat"`
	Lon    *float64          `json:"lon"`
	Center *overpassLatLon   `json:"center"`
	Geom   []overpassLatLon  `json:"geometry"`
	Tags   map[string]string `json:"tags"`
}

type overpassLatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// DecodeOverpass reads Overpass API JSON. Points come from nodes or element
// centers ("out center"), lines from way geometries ("out geom").
func DecodeOverpass(r io.Reader, kind model.GeometryKind) ([]model.Feature, error) {
	var doc overpassDoc
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse overpass: %w", err)
	}

	var out []model.Feature
	for _, el := range doc.Elements {
		attrs := map[string]any{"osm_type": el.Type, "osm_id": el.ID}
		for k, v := range el.Tags {
			attrs[k] = v
		}
		if name, ok := el.Tags["name"]; ok {
			if _, has := attrs["label"]; !has {
				attrs["label"] = name
			}
		}
		id := fmt.Sprintf("%s/%d", el.Type, el.ID)

		switch kind {
		case model.KindPoint:
			var p orb.Point
			switch {
			case el.Lat != nil && el.Lon != nil:
				p = orb.Point{*el.Lon, *el.Lat}
			case el.Center != nil:
				p = orb.Point{el.Center.Lon, el.Center.Lat}
			default:
				continue
			}
			out = append(out, model.Feature{ID: id, Kind: kind, Geometry: p, Attrs: attrs})
		case model.KindLine:
			if el.Type != "way" {
				continue
			}
			ls := make(orb.LineString, 0, len(el.Geom))
			for _, ll := range el.Geom {
				ls = append(ls, orb.Point{ll.Lon, ll.Lat})
			}
			if len(ls) < 2 {
				continue
			}
			out = append(out, model.Feature{ID: id, Kind: kind, Geometry: ls, Attrs: attrs})
		default:
			return nil, fmt.Errorf("overpass source does not provide %s geometries", kind)
		}
	}
	return out, nil
}
