// Package pipeline runs a viewport query end to end: AOI resolution, result
// cache lookup, per-layer fetch fan-out, LOD reduction and budget capping.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/viewport-lod/internal/aoi"
	"github.com/mohammed-shakir/viewport-lod/internal/budget"
	"github.com/mohammed-shakir/viewport-lod/internal/cache"
	"github.com/mohammed-shakir/viewport-lod/internal/cache/keys"
	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
	"github.com/mohammed-shakir/viewport-lod/internal/core/observability"
	"github.com/mohammed-shakir/viewport-lod/internal/engine"
	"github.com/mohammed-shakir/viewport-lod/internal/highlight"
	"github.com/mohammed-shakir/viewport-lod/internal/lod"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	// ErrSuperseded wraps cache.ErrAbandoned so that identical requests of
	// other sessions waiting on the same computation recompute instead.
	ErrSuperseded = fmt.Errorf("superseded by a newer request: %w", cache.ErrAbandoned)
)

// StatsPublisher receives the stats of every answered query. It must not
// block.
type StatsPublisher interface {
	PublishStats(ctx context.Context, sessionID, key string, stats model.Stats)
}

type Config struct {
	Resolver      *aoi.Resolver
	Engines       *engine.Set
	Policy        *lod.Policy
	Cache         *cache.Cache
	DefaultEngine model.EngineSelector
	SessionIdle   time.Duration
	Publisher     StatsPublisher
	Logger        *slog.Logger
}

type Service struct {
	resolver      *aoi.Resolver
	engines       *engine.Set
	policy        atomic.Pointer[lod.Policy]
	cache         *cache.Cache
	defaultEngine model.EngineSelector
	sessions      *sessions
	pub           StatsPublisher
	log           *slog.Logger
}

func New(cfg Config) (*Service, error) {
	switch {
	case cfg.Resolver == nil:
		return nil, errors.New("pipeline: resolver is required")
	case cfg.Engines == nil:
		return nil, errors.New("pipeline: engines are required")
	case cfg.Cache == nil:
		return nil, errors.New("pipeline: cache is required")
	}
	if cfg.Policy == nil {
		cfg.Policy = lod.DefaultPolicy()
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if cfg.DefaultEngine == "" {
		cfg.DefaultEngine = model.EngineInMemory
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Service{
		resolver:      cfg.Resolver,
		engines:       cfg.Engines,
		cache:         cfg.Cache,
		defaultEngine: cfg.DefaultEngine,
		sessions:      newSessions(cfg.SessionIdle),
		pub:           cfg.Publisher,
		log:           cfg.Logger.With("component", "pipeline"),
	}
	s.policy.Store(cfg.Policy)
	return s, nil
}

type layerPlan struct {
	req    model.LayerRequest
	sel    model.EngineSelector
	eng    engine.QueryEngine
	info   engine.LayerInfo
	policy lod.LayerPolicy
}

func (s *Service) Query(ctx context.Context, req model.QueryRequest) (model.QueryResponse, error) {
	start := time.Now()

	res, err := s.resolver.Resolve(req.BBox, req.View)
	if err != nil {
		return model.QueryResponse{}, err
	}
	policy := s.policy.Load()
	plans, err := s.plan(req, policy)
	if err != nil {
		return model.QueryResponse{}, err
	}
	ov := highlight.New(req.Highlight)

	layerSet := make([]string, len(plans))
	for i, p := range plans {
		layerSet[i] = fmt.Sprintf("%s@%s[%s]", p.req.LayerID, p.sel, p.req.FilterKey())
	}
	key := keys.ResultKey(keys.Result{
		LayerSet:  layerSet,
		Bucket:    int(res.Bucket),
		TileZoom:  res.TileZoom,
		Tiles:     res.Tiles,
		BBox:      res.BBox.String(),
		Highlight: ov.Key(),
	})

	ctx, epoch, done := s.sessions.begin(ctx, req.SessionID)
	defer done()

	entry, hit, err := s.cache.GetOrCompute(ctx, key, func(cctx context.Context) (*cache.Entry, error) {
		e, err := s.compute(cctx, res, plans, ov)
		if err != nil {
			return nil, err
		}
		if !s.sessions.current(req.SessionID, epoch) {
			return nil, ErrSuperseded
		}
		return e, nil
	})
	if err != nil {
		if errors.Is(err, ErrSuperseded) || errors.Is(context.Cause(ctx), ErrSuperseded) {
			observability.IncSuperseded()
			return model.QueryResponse{}, ErrSuperseded
		}
		return model.QueryResponse{}, err
	}
	if !s.sessions.current(req.SessionID, epoch) {
		observability.IncSuperseded()
		return model.QueryResponse{}, ErrSuperseded
	}

	stats := entry.Stats
	stats.CacheHit = hit
	if hit {
		stats.QueryMs = make(map[string]float64, len(entry.Layers))
		for _, l := range entry.Layers {
			stats.QueryMs[l.LayerID] = 0
		}
		stats.DecodeErrors = nil
		stats.LodMs = 0
		stats.BudgetMs = 0
	}
	stats.TotalMs = msSince(start)
	observability.ObserveStage("total", time.Since(start).Seconds())

	if s.pub != nil {
		s.pub.PublishStats(ctx, req.SessionID, key, stats)
	}
	return model.QueryResponse{Layers: entry.Layers, Stats: stats}, nil
}

// plan resolves engines and layer metadata before anything is fetched so
// unknown layers and engines fail fast. Plans are sorted by layer id; that
// is also the response order.
func (s *Service) plan(req model.QueryRequest, policy *lod.Policy) ([]layerPlan, error) {
	if len(req.Layers) == 0 {
		return nil, fmt.Errorf("%w: no layers requested", ErrInvalidRequest)
	}
	seen := make(map[string]struct{}, len(req.Layers))
	plans := make([]layerPlan, 0, len(req.Layers))
	for _, l := range req.Layers {
		if l.LayerID == "" {
			return nil, fmt.Errorf("%w: empty layer id", ErrInvalidRequest)
		}
		if _, dup := seen[l.LayerID]; dup {
			return nil, fmt.Errorf("%w: layer %q requested twice", ErrInvalidRequest, l.LayerID)
		}
		seen[l.LayerID] = struct{}{}

		sel := req.EngineFor(l)
		if sel == "" {
			sel = s.defaultEngine
		}
		eng, err := s.engines.Get(sel)
		if err != nil {
			return nil, err
		}
		info, err := eng.Layer(l.LayerID)
		if err != nil {
			return nil, err
		}
		plans = append(plans, layerPlan{
			req:    l,
			sel:    sel,
			eng:    eng,
			info:   info,
			policy: policy.For(info.ID, info.Kind),
		})
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].req.LayerID < plans[j].req.LayerID })
	return plans, nil
}

func (s *Service) compute(ctx context.Context, res aoi.Resolved, plans []layerPlan, ov *highlight.Overlay) (*cache.Entry, error) {
	layers := make([]model.LayerResult, len(plans))

	fetchStart := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range plans {
		g.Go(func() error {
			t := time.Now()
			feats, fs, err := p.eng.Fetch(gctx, p.req, res.BBox, res.Tiles)
			observability.ObserveEngineFetch(string(p.sel), err, time.Since(t).Seconds())
			if err != nil {
				return fmt.Errorf("fetch layer %s: %w", p.req.LayerID, err)
			}
			observability.AddDecodeErrors(string(p.sel), fs.DecodeErrors)
			layers[i] = model.LayerResult{LayerID: p.info.ID, Kind: p.info.Kind, Features: feats, Fetch: fs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	observability.ObserveStage("fetch", time.Since(fetchStart).Seconds())

	stats := model.Stats{
		QueryMs:          make(map[string]float64, len(plans)),
		TileCoverageUsed: append([]string(nil), res.Tiles...),
		ZoomBucket:       res.Bucket,
	}

	var lodDur, budgetDur time.Duration
	for i, p := range plans {
		lr := &layers[i]
		stats.QueryMs[lr.LayerID] = lr.Fetch.QueryMs
		if lr.Fetch.DecodeErrors > 0 {
			if stats.DecodeErrors == nil {
				stats.DecodeErrors = make(map[string]int)
			}
			stats.DecodeErrors[lr.LayerID] = lr.Fetch.DecodeErrors
		}

		protected := ov.For(lr.LayerID)
		if missing := ov.Missing(lr.LayerID, lr.Features); len(missing) > 0 {
			s.log.DebugContext(ctx, "highlighted features outside viewport",
				"layer", lr.LayerID, "highlight", ov.Title(), "ids", missing)
		}

		t := time.Now()
		out := lod.Process(lod.Input{
			LayerID:   lr.LayerID,
			Kind:      lr.Kind,
			ClassAttr: p.info.ClassAttr,
			Features:  lr.Features,
			Bucket:    res.Bucket,
			Policy:    p.policy,
			Protected: protected,
		})
		lodDur += time.Since(t)
		if out.Gap {
			lr.PolicyGap = true
			observability.IncPolicyGap(lr.LayerID)
			s.log.WarnContext(ctx, "no lod policy range for zoom bucket; clamped to nearest",
				"layer", lr.LayerID, "bucket", int(res.Bucket),
				"min_zoom", out.Range.MinZoom, "max_zoom", out.Range.MaxZoom)
		}

		t = time.Now()
		opts := budget.Options{}
		if p.policy.Order == lod.OrderClassRank {
			opts = budget.Options{ClassAttr: p.info.ClassAttr, ClassRank: p.policy.ClassRank}
		}
		br := budget.Enforce(lr.LayerID, out.Features, protected,
			budget.Caps{MaxFeatures: out.Range.MaxFeatures, MaxVertices: out.Range.MaxVertices}, opts)
		budgetDur += time.Since(t)

		if br.Report != nil {
			br.Report.CandidateCount = len(lr.Features)
		}
		lr.Features = br.Features
		lr.Truncation = br.Report
		if br.Report != nil {
			observability.IncTruncation(string(br.Report.Reason))
		}
	}
	stats.LodMs = durMs(lodDur)
	stats.BudgetMs = durMs(budgetDur)
	observability.ObserveStage("lod", lodDur.Seconds())
	observability.ObserveStage("budget", budgetDur.Seconds())

	return &cache.Entry{Layers: layers, Stats: stats, CreatedAt: time.Now().UTC()}, nil
}

// Reset clears the result cache and every engine's tile cache.
func (s *Service) Reset(ctx context.Context) error {
	s.engines.Reset()
	if err := s.cache.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	s.log.InfoContext(ctx, "caches reset")
	return nil
}

// SetPolicy validates and installs p, then resets the caches since cached
// results depend on the policy.
func (s *Service) SetPolicy(ctx context.Context, p *lod.Policy) error {
	if p == nil {
		return errors.New("pipeline: nil policy")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	s.policy.Store(p)
	return s.Reset(ctx)
}

// PruneSessions drops idle session state and returns how many were removed.
func (s *Service) PruneSessions() int { return s.sessions.prune() }

func msSince(t time.Time) float64 { return durMs(time.Since(t)) }

func durMs(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
