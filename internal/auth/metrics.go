package auth

import "github.com/prometheus/client_golang/prometheus"

var authFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nexusx",
	Subsystem: "auth",
	Name:      "failures_total",
	Help:      "Rejected authentication attempts by error code.",
}, []string{"code"})

func init() {
	prometheus.MustRegister(authFailures)
}
