package listing

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexusx",
		Subsystem: "listing",
		Name:      "cache_hits_total",
		Help:      "Total route cache hits.",
	})

	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexusx",
		Subsystem: "listing",
		Name:      "cache_misses_total",
		Help:      "Total route cache misses (upstream lookups issued).",
	})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMisses)
}
