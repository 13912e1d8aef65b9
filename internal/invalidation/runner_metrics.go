package invalidation

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metricSet struct {
	msgs     *prometheus.CounterVec
	proc     prometheus.Histogram
	lagGauge prometheus.Gauge
}

func newMetricSet(r prometheus.Registerer) *metricSet {
	m := &metricSet{
		msgs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reset_msgs_total",
				Help: "Count of reset messages by result.",
			},
			[]string{"result"},
		),
		proc: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reset_processing_seconds",
				Help:    "Time spent applying one reset message.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
		),
		lagGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "reset_lag_seconds",
				Help: "Approximate lag: now - message.timestamp.",
			},
		),
	}
	if r != nil {
		r.MustRegister(m.msgs, m.proc, m.lagGauge)
	}
	return m
}
