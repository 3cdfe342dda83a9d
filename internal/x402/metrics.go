package x402

import "github.com/prometheus/client_golang/prometheus"

var (
	challengesIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexusx",
		Subsystem: "x402",
		Name:      "challenges_total",
		Help:      "402 challenges issued to unpaid requests.",
	})

	paymentsVerified = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexusx",
		Subsystem: "x402",
		Name:      "payments_verified_total",
		Help:      "Payment payloads accepted by the facilitator.",
	})

	paymentsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexusx",
		Subsystem: "x402",
		Name:      "payments_rejected_total",
		Help:      "Payment payloads rejected at verification.",
	})

	paymentsSettled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexusx",
		Subsystem: "x402",
		Name:      "payments_settled_total",
		Help:      "Payments settled after successful upstream calls.",
	})

	settlementFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexusx",
		Subsystem: "x402",
		Name:      "settlement_failures_total",
		Help:      "Settlements that failed and need reconciliation.",
	})
)

func init() {
	prometheus.MustRegister(challengesIssued, paymentsVerified, paymentsRejected, paymentsSettled, settlementFailures)
}
