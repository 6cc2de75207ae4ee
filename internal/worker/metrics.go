package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Jobs handled per endpoint and outcome (ok or failure kind)",
		},
		[]string{"endpoint", "outcome"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Job processing time",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"endpoint"},
	)

	callbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "worker",
			Name:      "callbacks_total",
			Help:      "Callback deliveries by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal, jobDuration, callbacksTotal)
}
