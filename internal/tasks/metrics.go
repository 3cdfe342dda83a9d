package tasks

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nexusx",
		Subsystem: "tasks",
		Name:      "submitted_total",
		Help:      "Total background tasks accepted by name.",
	}, []string{"task"})

	tasksRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nexusx",
		Subsystem: "tasks",
		Name:      "rejected_total",
		Help:      "Total background tasks rejected because the queue was full.",
	}, []string{"task"})

	tasksFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nexusx",
		Subsystem: "tasks",
		Name:      "failed_total",
		Help:      "Total background tasks that returned an error.",
	}, []string{"task"})
)

func init() {
	prometheus.MustRegister(tasksSubmitted, tasksRejected, tasksFailed)
}
