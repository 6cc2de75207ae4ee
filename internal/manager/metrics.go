package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	loadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "model",
			Name:      "loads_total",
			Help:      "Model load attempts by outcome",
		},
		[]string{"outcome"},
	)

	modelLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "model",
			Name:      "loaded",
			Help:      "1 when the model handle is live",
		},
	)

	generationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "generation",
			Name:      "duration_seconds",
			Help:      "Wall-clock time of generate calls including cache release",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		},
		[]string{"stage", "outcome"},
	)

	outputTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "generation",
			Name:      "output_tokens_total",
			Help:      "Tokens produced by successful generations",
		},
		[]string{"stage"},
	)

	reservedAfterRelease = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "generation",
			Name:      "reserved_bytes_after_release",
			Help:      "Reserved device memory read after the last cache release",
		},
	)
)

func init() {
	prometheus.MustRegister(loadsTotal, modelLoaded, generationDuration, outputTokens, reservedAfterRelease)
}
