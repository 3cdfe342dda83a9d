package ratelimit

import "github.com/prometheus/client_golang/prometheus"

var deniedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "nexusx",
	Subsystem: "ratelimit",
	Name:      "denied_total",
	Help:      "Requests denied by the sliding-window limiter.",
})

func init() {
	prometheus.MustRegister(deniedTotal)
}
