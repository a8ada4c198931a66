package cache

import "github.com/prometheus/client_golang/prometheus"

var (
	loadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "cache",
			Name:      "loads_total",
			Help:      "Successful model loads",
		},
	)

	loadFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "cache",
			Name:      "load_failures_total",
			Help:      "Failed model loads",
		},
	)

	evictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Models unloaded from the cache",
		},
	)

	handlesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "cache",
			Name:      "handles",
			Help:      "Model handles currently held by callers",
		},
	)
)

func init() {
	prometheus.MustRegister(loadsTotal, loadFailuresTotal, evictionsTotal, handlesGauge)
}
