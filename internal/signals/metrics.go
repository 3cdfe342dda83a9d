package signals

import "github.com/prometheus/client_golang/prometheus"

var (
	signalsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nexusx",
		Subsystem: "signals",
		Name:      "emitted_total",
		Help:      "Total demand signals emitted by type.",
	}, []string{"type"})

	signalsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexusx",
		Subsystem: "signals",
		Name:      "dropped_total",
		Help:      "Total demand signals dropped because the queue was full.",
	})

	signalsDeliveryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nexusx",
		Subsystem: "signals",
		Name:      "delivery_errors_total",
		Help:      "Total demand signal delivery failures by type.",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(signalsEmitted, signalsDropped, signalsDeliveryErrors)
}
