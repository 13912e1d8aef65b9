package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
)

// Catalog lists the layers to load at startup.
type Catalog struct {
	Layers []LayerSpec `yaml:"layers"`
}

type LayerSpec struct {
	ID        string `yaml:"id"`
	Kind      string `yaml:"kind"`
	Title     string `yaml:"title"`
	Path      string `yaml:"path"`
	Format    string `yaml:"format"` // geojson (default) or overpass
	ClassAttr string `yaml:"classAttr"`
}

func ReadCatalog(path string) (Catalog, error) {
	var c Catalog
	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read catalog: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if len(c.Layers) == 0 {
		return c, errors.New("catalog has no layers")
	}
	return c, nil
}

// Load reads every layer file, resolving relative paths against baseDir.
func (c Catalog) Load(baseDir string) (*Store, error) {
	layers := make([]*Layer, 0, len(c.Layers))
	for _, ls := range c.Layers {
		l, err := ls.load(baseDir)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", ls.ID, err)
		}
		layers = append(layers, l)
	}
	return New(layers...)
}

// ReadFeatures decodes the layer's source file.
func (ls LayerSpec) ReadFeatures(baseDir string) (model.GeometryKind, []model.Feature, error) {
	kind, err := model.ParseKind(ls.Kind)
	if err != nil {
		return "", nil, err
	}
	p := ls.Path
	if !filepath.IsAbs(p) {
		p = filepath.Join(baseDir, p)
	}
	f, err := os.Open(p)
	if err != nil {
		return "", nil, fmt.Errorf("open: %w", err)
	}
	defer func() { _ = f.Close() }()

	var feats []model.Feature
	switch strings.ToLower(ls.Format) {
	case "", "geojson":
		feats, err = DecodeGeoJSON(f, ls.ID, kind)
	case "overpass":
		feats, err = DecodeOverpass(f, kind)
	default:
		err = fmt.Errorf("unknown format %q", ls.Format)
	}
	if err != nil {
		return "", nil, err
	}
	return kind, feats, nil
}

func (ls LayerSpec) load(baseDir string) (*Layer, error) {
	kind, feats, err := ls.ReadFeatures(baseDir)
	if err != nil {
		return nil, err
	}
	title := ls.Title
	if title == "" {
		title = ls.ID
	}
	return NewLayer(ls.ID, kind, title, ls.ClassAttr, feats), nil
}
