package stage

import "github.com/prometheus/client_golang/prometheus"

var (
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "stage",
			Name:      "dispatch_total",
			Help:      "Dispatches per stage and outcome (ok or failure kind)",
		},
		[]string{"stage", "outcome"},
	)

	repairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "stage",
			Name:      "repairs_total",
			Help:      "Fields defaulted or repaired by the validator",
		},
		[]string{"stage", "kind"},
	)
)

func init() {
	prometheus.MustRegister(dispatchTotal, repairsTotal)
}
