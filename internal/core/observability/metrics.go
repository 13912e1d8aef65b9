// Package observability holds the Prometheus collectors shared by the query
// pipeline, the HTTP layer and the cache tiers.
package observability

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	cacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lod_cache_results_total",
			Help: "Result cache lookups by tier and outcome.",
		},
		[]string{"tier", "outcome"},
	)

	cacheOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Latency of Redis operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op", "result"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lod_stage_duration_seconds",
			Help:    "Duration of query pipeline stages.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"stage"},
	)

	engineFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lod_engine_fetch_duration_seconds",
			Help:    "Per-layer fetch latency by engine.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"engine", "result"},
	)

	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lod_decode_errors_total",
			Help: "Rows skipped because they could not be decoded.",
		},
		[]string{"engine"},
	)

	truncations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lod_truncations_total",
			Help: "Layers truncated by the render budget, by reason.",
		},
		[]string{"reason"},
	)

	policyGaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lod_policy_gaps_total",
			Help: "Zoom buckets not covered by any policy range.",
		},
		[]string{"layer"},
	)

	superseded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lod_superseded_total",
			Help: "Queries dropped because a newer one arrived for the same session.",
		},
	)

	resetEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lod_reset_events_total",
			Help: "Cache reset requests by source and result.",
		},
		[]string{"source", "result"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lod_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)

	enabled = true
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds,
		cacheResults, cacheOpDuration,
		stageDuration, engineFetchDuration, decodeErrors,
		truncations, policyGaps, superseded, resetEvents, buildInfo,
	}
}

// Init registers the collectors on reg. Registering twice on the same
// registry is a no-op. With on=false recording calls become no-ops.
func Init(reg prometheus.Registerer, on bool) {
	enabled = on
	if reg == nil || !on {
		return
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	if !enabled {
		return
	}
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

// IncCacheResult counts a lookup on tier ("memory" or "redis").
func IncCacheResult(tier string, hit bool) {
	if !enabled {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	cacheResults.WithLabelValues(tier, outcome).Inc()
}

func ObserveCacheOp(op string, err error, seconds float64) {
	if !enabled {
		return
	}
	cacheOpDuration.WithLabelValues(op, result(err)).Observe(seconds)
}

func ObserveStage(stage string, seconds float64) {
	if !enabled {
		return
	}
	stageDuration.WithLabelValues(stage).Observe(seconds)
}

func ObserveEngineFetch(engine string, err error, seconds float64) {
	if !enabled {
		return
	}
	engineFetchDuration.WithLabelValues(engine, result(err)).Observe(seconds)
}

func AddDecodeErrors(engine string, n int) {
	if !enabled || n <= 0 {
		return
	}
	decodeErrors.WithLabelValues(engine).Add(float64(n))
}

func IncTruncation(reason string) {
	if !enabled || reason == "" {
		return
	}
	truncations.WithLabelValues(reason).Inc()
}

func IncPolicyGap(layer string) {
	if !enabled {
		return
	}
	policyGaps.WithLabelValues(layer).Inc()
}

func IncSuperseded() {
	if !enabled {
		return
	}
	superseded.Inc()
}

func IncResetEvent(source string, err error) {
	if !enabled {
		return
	}
	resetEvents.WithLabelValues(source, result(err)).Inc()
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
