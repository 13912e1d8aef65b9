package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mohammed-shakir/viewport-lod/internal/aoi"
	"github.com/mohammed-shakir/viewport-lod/internal/cache"
	"github.com/mohammed-shakir/viewport-lod/internal/cache/redisstore"
	"github.com/mohammed-shakir/viewport-lod/internal/core/config"
	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
	"github.com/mohammed-shakir/viewport-lod/internal/core/server"
	"github.com/mohammed-shakir/viewport-lod/internal/engine"
	"github.com/mohammed-shakir/viewport-lod/internal/engine/columnar"
	"github.com/mohammed-shakir/viewport-lod/internal/engine/memory"
	"github.com/mohammed-shakir/viewport-lod/internal/invalidation"
	"github.com/mohammed-shakir/viewport-lod/internal/lod"
	"github.com/mohammed-shakir/viewport-lod/internal/logger"
	"github.com/mohammed-shakir/viewport-lod/internal/mapper"
	"github.com/mohammed-shakir/viewport-lod/internal/metrics"
	"github.com/mohammed-shakir/viewport-lod/internal/pipeline"
	"github.com/mohammed-shakir/viewport-lod/internal/reload"
	"github.com/mohammed-shakir/viewport-lod/internal/store"
	"github.com/mohammed-shakir/viewport-lod/internal/telemetry"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	layersFlag := flag.String("layers", "", "layer catalog (overrides LAYERS_FILE)")
	policyFlag := flag.String("policy", "", "lod policy file (overrides POLICY_FILE)")
	flag.Parse()

	cfg := config.FromEnv()
	if *layersFlag != "" {
		cfg.LayersFile = strings.TrimSpace(*layersFlag)
	}
	if *policyFlag != "" {
		cfg.PolicyFile = strings.TrimSpace(*policyFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Component: "lodserver",
		Version:   Version,
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	mp := metrics.Init(metrics.Config{
		Enabled: cfg.MetricsEnabled,
		Build: metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})

	appLog.Info("starting lodserver",
		"addr", cfg.Addr,
		"version", Version,
		"layers", cfg.LayersFile,
		"tile_scheme", cfg.TileScheme)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := mapper.New(cfg.TileScheme)
	if err != nil {
		appLog.Error("tile scheme", "err", err)
		return 1
	}
	resolver, err := aoi.New(aoi.Config{
		ZoomStep:    cfg.ZoomStep,
		MinTileZoom: cfg.TileZoomMin,
		MaxTileZoom: cfg.TileZoomMax,
	}, m)
	if err != nil {
		appLog.Error("aoi resolver", "err", err)
		return 1
	}

	catalog, err := store.ReadCatalog(cfg.LayersFile)
	if err != nil {
		appLog.Error("layer catalog", "err", err)
		return 1
	}
	geo, err := catalog.Load(filepath.Dir(cfg.LayersFile))
	if err != nil {
		appLog.Error("load layers", "err", err)
		return 1
	}
	appLog.Info("layers loaded", "count", len(geo.Layers()))

	mem, err := memory.New(geo, cfg.TileCacheEntries, m)
	if err != nil {
		appLog.Error("memory engine", "err", err)
		return 1
	}
	engines := map[model.EngineSelector]engine.QueryEngine{model.EngineInMemory: mem}
	var col *columnar.Engine
	if cfg.ColumnarPath != "" {
		col, err = columnar.Open(columnar.Config{
			Path:     cfg.ColumnarPath,
			ReadOnly: true,
			Logger:   appLog.With("component", "columnar"),
		}, cfg.TileCacheEntries, m)
		if err != nil {
			// the selector stays unconfigured; requests for it get 503
			appLog.Warn("columnar engine unavailable", "path", cfg.ColumnarPath, "err", err)
		} else {
			defer func() { _ = col.Close() }()
			engines[model.EngineExternalColumnar] = col
		}
	}

	policy := lod.DefaultPolicy()
	if cfg.PolicyFile != "" {
		if policy, err = lod.Load(cfg.PolicyFile); err != nil {
			appLog.Error("lod policy", "err", err)
			return 1
		}
	}

	cacheCfg := cache.Config{
		MaxEntries: cfg.CacheMaxEntries,
		OpTimeout:  cfg.CacheOpTimeout,
		Logger:     appLog,
	}
	if cfg.CacheL2Enabled {
		rc, err := redisstore.New(ctx, cfg.RedisAddr)
		if err != nil {
			appLog.Error("redis", "addr", cfg.RedisAddr, "err", err)
			return 1
		}
		defer func() { _ = rc.Close() }()
		cacheCfg.Redis = rc
	}
	results, err := cache.New(ctx, cacheCfg)
	if err != nil {
		appLog.Error("result cache", "err", err)
		return 1
	}

	var pub pipeline.StatsPublisher
	if cfg.Telemetry.Enabled {
		tp, err := telemetry.NewPublisher(cfg.Telemetry.Brokers, cfg.Telemetry.Topic, cfg.Telemetry.Queue, appLog)
		if err != nil {
			appLog.Error("telemetry", "err", err)
			return 1
		}
		defer func() { _ = tp.Close() }()
		pub = tp
	}

	svc, err := pipeline.New(pipeline.Config{
		Resolver:      resolver,
		Engines:       engine.NewSet(engines),
		Policy:        policy,
		Cache:         results,
		DefaultEngine: model.EngineSelector(cfg.DefaultEngine),
		SessionIdle:   cfg.SessionIdle,
		Publisher:     pub,
		Logger:        appLog,
	})
	if err != nil {
		appLog.Error("pipeline", "err", err)
		return 1
	}

	rl := &reload.Reloader{
		PolicyFile:  cfg.PolicyFile,
		CatalogFile: cfg.LayersFile,
		Target:      svc,
		Store:       mem,
		Logger:      appLog,
	}
	if col != nil {
		rl.Columnar = col
		rl.ColumnarMarker = cfg.ColumnarMarker
	}

	runner := invalidation.New(invalidation.FromConfig(cfg.Reset), rl, invalidation.Options{
		Logger:   appLog,
		Register: mp.Registerer(),
	})
	if err := runner.Start(ctx); err != nil {
		appLog.Error("reset runner", "err", err)
		return 1
	}
	defer runner.Stop()

	if cfg.WatchEnabled {
		w, err := reload.NewWatcher(rl.Files(), cfg.WatchDebounce, rl.Handle, appLog)
		if err != nil {
			appLog.Error("reload watcher", "err", err)
			return 1
		}
		if err := w.Start(ctx); err != nil {
			appLog.Error("reload watcher", "err", err)
			return 1
		}
		defer w.Stop()
	}

	go pruneSessions(ctx, svc, cfg.SessionIdle)

	if err := server.Run(ctx, cfg, appLog, server.Deps{
		Service: svc,
		Ready:   runner,
		Metrics: mp,
	}); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

func pruneSessions(ctx context.Context, svc *pipeline.Service, idle time.Duration) {
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	t := time.NewTicker(idle / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			svc.PruneSessions()
		}
	}
}
