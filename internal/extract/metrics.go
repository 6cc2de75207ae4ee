package extract

import "github.com/prometheus/client_golang/prometheus"

var extractDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "inferd",
		Subsystem: "extract",
		Name:      "duration_seconds",
		Help:      "Document extraction time by outcome",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(extractDuration)
}
