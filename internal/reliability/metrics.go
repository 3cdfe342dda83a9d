package reliability

import "github.com/prometheus/client_golang/prometheus"

var (
	samplesRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexusx",
		Subsystem: "reliability",
		Name:      "samples_recorded_total",
		Help:      "Total reliability samples recorded.",
	})

	recordErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexusx",
		Subsystem: "reliability",
		Name:      "record_errors_total",
		Help:      "Total failures recording reliability samples.",
	})

	scoreCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexusx",
		Subsystem: "reliability",
		Name:      "score_cache_hits_total",
		Help:      "Total score reads served from the 60s result cache.",
	})
)

func init() {
	prometheus.MustRegister(samplesRecorded, recordErrors, scoreCacheHits)
}
