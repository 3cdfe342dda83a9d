package billing

import "github.com/prometheus/client_golang/prometheus"

var (
	transactionsRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nexusx",
		Subsystem: "billing",
		Name:      "transactions_total",
		Help:      "Billed transactions by billing mode.",
	}, []string{"mode"})

	persistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexusx",
		Subsystem: "billing",
		Name:      "persist_failures_total",
		Help:      "Transaction writes that failed or were skipped.",
	})
)

func init() {
	prometheus.MustRegister(transactionsRecorded, persistFailures)
}
