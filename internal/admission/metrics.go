package admission

import "github.com/prometheus/client_golang/prometheus"

var (
	admittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "gate",
			Name:      "admitted_total",
			Help:      "Tickets granted per workload class",
		},
		[]string{"class"},
	)

	rejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "gate",
			Name:      "rejected_total",
			Help:      "Admissions refused per workload class and failure kind",
		},
		[]string{"class", "kind"},
	)

	inflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "gate",
			Name:      "inflight",
			Help:      "Tickets currently held",
		},
		[]string{"class"},
	)

	waitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "gate",
			Name:      "wait_seconds",
			Help:      "Time from Admit to grant",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"class"},
	)

	held = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "gate",
			Name:      "held_seconds",
			Help:      "Time a ticket was held",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"class"},
	)
)

func init() {
	prometheus.MustRegister(admittedTotal, rejectedTotal, inflight, waitSeconds, held)
}
