// lodimport copies the layers of a catalog into the columnar store served by
// the external_columnar engine.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mohammed-shakir/viewport-lod/internal/core/config"
	"github.com/mohammed-shakir/viewport-lod/internal/engine"
	"github.com/mohammed-shakir/viewport-lod/internal/engine/columnar"
	"github.com/mohammed-shakir/viewport-lod/internal/logger"
	"github.com/mohammed-shakir/viewport-lod/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()
	layersFlag := flag.String("layers", cfg.LayersFile, "layer catalog")
	outFlag := flag.String("out", cfg.ColumnarPath, "columnar store directory")
	onlyFlag := flag.String("only", "", "comma separated layer ids to import (default all)")
	flag.Parse()

	zl := logger.Build(logger.Config{Level: cfg.LogLevel, Console: cfg.LogConsole, Component: "lodimport"}, os.Stderr)
	log := logger.NewSlog(&zl)

	if *outFlag == "" {
		log.Error("missing -out (or COLUMNAR_PATH)")
		return 2
	}

	catalog, err := store.ReadCatalog(*layersFlag)
	if err != nil {
		log.Error("layer catalog", "err", err)
		return 1
	}
	only := map[string]bool{}
	for id := range strings.SplitSeq(*onlyFlag, ",") {
		if id = strings.TrimSpace(id); id != "" {
			only[id] = true
		}
	}

	db, err := columnar.OpenDB(columnar.Config{Path: *outFlag, Logger: log})
	if err != nil {
		log.Error("open columnar store", "path", *outFlag, "err", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	base := filepath.Dir(*layersFlag)
	imported := 0
	for _, ls := range catalog.Layers {
		if len(only) > 0 && !only[ls.ID] {
			continue
		}
		kind, feats, err := ls.ReadFeatures(base)
		if err != nil {
			log.Error("read layer", "layer", ls.ID, "err", err)
			return 1
		}
		title := ls.Title
		if title == "" {
			title = ls.ID
		}
		info := engine.LayerInfo{ID: ls.ID, Kind: kind, Title: title, ClassAttr: ls.ClassAttr}
		if err := columnar.WriteLayer(db, info, feats); err != nil {
			log.Error("write layer", "layer", ls.ID, "err", err)
			return 1
		}
		log.Info("layer imported", "layer", ls.ID, "kind", string(kind), "features", len(feats))
		imported++
	}
	fmt.Fprintf(os.Stdout, "imported %d layer(s) into %s\n", imported, *outFlag)
	return 0
}
