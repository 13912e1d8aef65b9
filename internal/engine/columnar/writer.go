package columnar

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
	"github.com/mohammed-shakir/viewport-lod/internal/engine"
)

// WriteLayer stores feats as a columnar layer, replacing any previous rows
// for the same id. Row numbers follow slice order.
func WriteLayer(db *badger.DB, info engine.LayerInfo, feats []model.Feature) error {
	if err := validLayerID(info.ID); err != nil {
		return err
	}
	if err := dropLayer(db, info.ID); err != nil {
		return err
	}

	wb := db.NewWriteBatch()
	defer wb.Cancel()

	for row, f := range feats {
		geom, err := wkb.Marshal(f.Geometry)
		if err != nil {
			return fmt.Errorf("row %d (%s): encode wkb: %w", row, f.ID, err)
		}
		attrs, err := json.Marshal(f.Attrs)
		if err != nil {
			return fmt.Errorf("row %d (%s): encode attrs: %w", row, f.ID, err)
		}
		cells := []struct {
			col string
			val []byte
		}{
			{colBBox, encodeBBox(model.BBoxFromBound(f.Bound()))},
			{colClass, []byte(f.Class(info.ClassAttr))},
			{colID, []byte(f.ID)},
			{colGeom, geom},
			{colAttrs, attrs},
		}
		for _, c := range cells {
			if err := wb.Set(colKey(info.ID, c.col, row), c.val); err != nil {
				return fmt.Errorf("row %d: write %s: %w", row, c.col, err)
			}
		}
	}

	meta, err := json.Marshal(layerMeta{
		ID: info.ID, Kind: string(info.Kind), Title: info.Title, ClassAttr: info.ClassAttr, Rows: len(feats),
	})
	if err != nil {
		return err
	}
	if err := wb.Set(metaKey(info.ID), meta); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush layer %s: %w", info.ID, err)
	}
	return nil
}

func dropLayer(db *badger.DB, layer string) error {
	if err := db.DropPrefix([]byte("c/" + layer + "/")); err != nil {
		return fmt.Errorf("drop layer %s: %w", layer, err)
	}
	return db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(metaKey(layer))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}
