package proxy

import "github.com/prometheus/client_golang/prometheus"

var (
	upstreamLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "nexusx",
		Subsystem: "proxy",
		Name:      "upstream_latency_seconds",
		Help:      "Upstream round-trip latency by listing.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"listing"})

	upstreamErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nexusx",
		Subsystem: "proxy",
		Name:      "upstream_errors_total",
		Help:      "Upstream exchange failures by listing and kind.",
	}, []string{"listing", "kind"})
)

func init() {
	prometheus.MustRegister(upstreamLatency, upstreamErrors)
}
