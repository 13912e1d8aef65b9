package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type ResetCfg struct {
	Enabled bool
	Topic   string
	Brokers []string
	GroupID string
}

type TelemetryCfg struct {
	Enabled bool
	Topic   string
	Brokers []string
	Queue   int
}

type Config struct {
	Addr           string
	LogLevel       string
	LogConsole     bool
	LogSampleN     int
	MetricsEnabled bool

	LayersFile   string
	PolicyFile   string
	ColumnarPath string
	// ColumnarMarker is watched; writing to it reopens the columnar store.
	ColumnarMarker string
	DefaultEngine  string

	TileScheme  string
	ZoomStep    int
	TileZoomMin int
	TileZoomMax int

	CacheMaxEntries  int
	TileCacheEntries int
	CacheL2Enabled   bool
	RedisAddr        string
	CacheOpTimeout   time.Duration
	SessionIdle      time.Duration

	Reset     ResetCfg
	Telemetry TelemetryCfg

	WatchEnabled  bool
	WatchDebounce time.Duration
}

func FromEnv() Config {
	minZ := getint("TILE_ZOOM_MIN", 3)
	maxZ := getint("TILE_ZOOM_MAX", 13)
	if minZ < 0 {
		minZ = 0
	}
	if maxZ > 22 {
		maxZ = 22
	}
	if minZ > maxZ {
		minZ, maxZ = 3, 13
	}
	brokers := split(getenv("KAFKA_BROKERS", "localhost:9092"))
	colPath := getenv("COLUMNAR_PATH", "")
	marker := getenv("COLUMNAR_RELOAD_MARKER", "")
	if marker == "" && colPath != "" {
		marker = strings.TrimRight(colPath, "/") + ".reload"
	}

	return Config{
		Addr:           getenv("ADDR", ":8090"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		LogConsole:     getbool("LOG_CONSOLE", false),
		LogSampleN:     getint("LOG_SAMPLE_N", 0),
		MetricsEnabled: getbool("METRICS_ENABLED", true),

		LayersFile:    getenv("LAYERS_FILE", "layers.yaml"),
		PolicyFile:    getenv("POLICY_FILE", ""),
		ColumnarPath:   colPath,
		ColumnarMarker: marker,
		DefaultEngine:  getenv("DEFAULT_ENGINE", "in_memory"),

		TileScheme:  getenv("TILE_SCHEME", "slippy"),
		ZoomStep:    getint("ZOOM_STEP", 1),
		TileZoomMin: minZ,
		TileZoomMax: maxZ,

		CacheMaxEntries:  getint("CACHE_MAX_ENTRIES", 512),
		TileCacheEntries: getint("TILE_CACHE_ENTRIES", 4096),
		CacheL2Enabled:   getbool("CACHE_L2_ENABLED", false),
		RedisAddr:        getenv("REDIS_ADDR", "localhost:6379"),
		CacheOpTimeout:   getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		SessionIdle:      getduration("SESSION_IDLE", 10*time.Minute),

		Reset: ResetCfg{
			Enabled: getbool("RESET_ENABLED", false),
			Topic:   getenv("RESET_TOPIC", "lod-cache-reset"),
			Brokers: brokers,
			GroupID: getenv("RESET_GROUP_ID", "lod-cache-reset"),
		},
		Telemetry: TelemetryCfg{
			Enabled: getbool("TELEMETRY_ENABLED", false),
			Topic:   getenv("TELEMETRY_TOPIC", "lod-query-stats"),
			Brokers: brokers,
			Queue:   getint("TELEMETRY_QUEUE", 1024),
		},

		WatchEnabled:  getbool("WATCH_ENABLED", false),
		WatchDebounce: getduration("WATCH_DEBOUNCE", 500*time.Millisecond),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func split(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
