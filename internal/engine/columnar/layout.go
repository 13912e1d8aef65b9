package columnar

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
)

// On-disk layout, one badger key per cell:
//
//	m/<layer>                 layer metadata (JSON)
//	c/<layer>/<column>/<row>  column value, row zero-padded to 10 digits
//
// Columns: bbox (4 little-endian float64), class, id, geom (WKB), attrs (JSON).
const (
	colBBox  = "bbox"
	colClass = "class"
	colID    = "id"
	colGeom  = "geom"
	colAttrs = "attrs"

	rowDigits = 10
	bboxLen   = 32
)

type layerMeta struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	ClassAttr string `json:"classAttr"`
	Rows      int    `json:"rows"`
}

const metaPrefix = "m/"

func metaKey(layer string) []byte { return []byte(metaPrefix + layer) }

func colPrefix(layer, col string) []byte {
	return []byte("c/" + layer + "/" + col + "/")
}

func colKey(layer, col string, row int) []byte {
	return fmt.Appendf(colPrefix(layer, col), "%0*d", rowDigits, row)
}

func rowFromKey(key, prefix []byte) (int, error) {
	return strconv.Atoi(string(key[len(prefix):]))
}

func validLayerID(id string) error {
	if id == "" || strings.ContainsAny(id, "/") {
		return fmt.Errorf("invalid layer id %q", id)
	}
	return nil
}

func encodeBBox(b model.BBox) []byte {
	out := make([]byte, bboxLen)
	binary.LittleEndian.PutUint64(out[0:], math.Float64bits(b.MinLon))
	binary.LittleEndian.PutUint64(out[8:], math.Float64bits(b.MinLat))
	binary.LittleEndian.PutUint64(out[16:], math.Float64bits(b.MaxLon))
	binary.LittleEndian.PutUint64(out[24:], math.Float64bits(b.MaxLat))
	return out
}

var errBBoxLen = errors.New("bbox cell has wrong length")

func decodeBBox(v []byte) (model.BBox, error) {
	if len(v) != bboxLen {
		return model.BBox{}, errBBoxLen
	}
	return model.BBox{
		MinLon: math.Float64frombits(binary.LittleEndian.Uint64(v[0:])),
		MinLat: math.Float64frombits(binary.LittleEndian.Uint64(v[8:])),
		MaxLon: math.Float64frombits(binary.LittleEndian.Uint64(v[16:])),
		MaxLat: math.Float64frombits(binary.LittleEndian.Uint64(v[24:])),
	}, nil
}
