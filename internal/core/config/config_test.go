package config

import (
	"reflect"
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.Addr != ":8090" || cfg.TileScheme != "slippy" || cfg.ZoomStep != 1 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.TileZoomMin != 3 || cfg.TileZoomMax != 13 {
		t.Fatalf("tile zoom=%d..%d want 3..13", cfg.TileZoomMin, cfg.TileZoomMax)
	}
	if cfg.CacheL2Enabled || cfg.Reset.Enabled || cfg.Telemetry.Enabled {
		t.Fatalf("optional integrations must default off: %+v", cfg)
	}
}

func TestFromEnv_ColumnarMarkerDefaultsNextToStore(t *testing.T) {
	t.Setenv("COLUMNAR_PATH", "/data/lod/")
	if got := FromEnv().ColumnarMarker; got != "/data/lod.reload" {
		t.Fatalf("marker=%q", got)
	}
	t.Setenv("COLUMNAR_RELOAD_MARKER", "/run/lod/reopen")
	if got := FromEnv().ColumnarMarker; got != "/run/lod/reopen" {
		t.Fatalf("marker=%q", got)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("TILE_SCHEME", "h3")
	t.Setenv("TILE_ZOOM_MIN", "5")
	t.Setenv("TILE_ZOOM_MAX", "30")
	t.Setenv("CACHE_L2_ENABLED", "yes")
	t.Setenv("CACHE_OP_TIMEOUT", "1s")
	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")
	t.Setenv("RESET_ENABLED", "true")
	t.Setenv("ZOOM_STEP", "not-a-number")

	cfg := FromEnv()
	if cfg.TileScheme != "h3" || !cfg.CacheL2Enabled || cfg.CacheOpTimeout != time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.TileZoomMin != 5 || cfg.TileZoomMax != 22 {
		t.Fatalf("tile zoom=%d..%d want 5..22", cfg.TileZoomMin, cfg.TileZoomMax)
	}
	if cfg.ZoomStep != 1 {
		t.Fatalf("bad int must fall back to default, got %d", cfg.ZoomStep)
	}
	want := []string{"a:9092", "b:9092"}
	if !reflect.DeepEqual(cfg.Reset.Brokers, want) || !reflect.DeepEqual(cfg.Telemetry.Brokers, want) {
		t.Fatalf("brokers=%v/%v want %v", cfg.Reset.Brokers, cfg.Telemetry.Brokers, want)
	}
	if !cfg.Reset.Enabled {
		t.Fatalf("reset should be enabled")
	}
}
