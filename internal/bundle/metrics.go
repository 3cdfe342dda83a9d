package bundle

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsRegistered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexusx",
		Subsystem: "bundle",
		Name:      "sessions_registered_total",
		Help:      "Bundle sessions created.",
	})

	sessionsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexusx",
		Subsystem: "bundle",
		Name:      "sessions_expired_total",
		Help:      "Bundle sessions expired by the sweeper.",
	})

	finalizeOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nexusx",
		Subsystem: "bundle",
		Name:      "finalize_total",
		Help:      "Finalize attempts by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(sessionsRegistered, sessionsExpired, finalizeOutcomes)
}
