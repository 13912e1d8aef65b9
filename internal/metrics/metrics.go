// Package metrics owns the Prometheus registry exposed on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/viewport-lod/internal/core/observability"
)

const DefaultPath = "/metrics"

type BuildInfo struct {
	Version   string
	Revision  string
	BuildDate string
}

type Config struct {
	Enabled bool
	Path    string
	Build   BuildInfo
}

type Provider struct {
	reg     *prometheus.Registry
	path    string
	enabled bool
}

// Init builds a fresh registry with the runtime collectors and the service
// metrics from observability.
func Init(cfg Config) *Provider {
	reg := prometheus.NewRegistry()

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	build := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build info for this binary (value is always 1).",
		},
		[]string{"version", "revision", "build_date"},
	)
	reg.MustRegister(build)
	v := cfg.Build
	if v.Version == "" {
		v.Version = "dev"
	}
	build.WithLabelValues(v.Version, v.Revision, v.BuildDate).Set(1)

	observability.Init(reg, cfg.Enabled)
	if cfg.Enabled {
		observability.ExposeBuildInfo(v.Version)
	}

	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	return &Provider{reg: reg, path: path, enabled: cfg.Enabled}
}

func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

func (p *Provider) Path() string { return p.path }

func (p *Provider) Enabled() bool { return p.enabled }

func (p *Provider) Register(cs ...prometheus.Collector) {
	for _, c := range cs {
		p.reg.MustRegister(c)
	}
}

func (p *Provider) Registerer() prometheus.Registerer { return p.reg }
