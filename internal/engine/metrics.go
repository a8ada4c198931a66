package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	tokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "tokens_total",
			Help:      "Tokens processed by the engine, by kind (prompt|completion)",
		},
		[]string{"model", "kind"},
	)

	stopsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "stops_total",
			Help:      "Finished generations by stop reason",
		},
		[]string{"model", "reason"},
	)

	generationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "generation_duration_seconds",
			Help:      "Duration of generations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	queueWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "queue_wait_seconds",
			Help:      "Time spent waiting for the per-model generation slot",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"model"},
	)
)

func init() {
	prometheus.MustRegister(tokensTotal, stopsTotal, generationDuration, queueWait)
}
