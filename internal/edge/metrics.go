package edge

import "github.com/prometheus/client_golang/prometheus"

var (
	devicesOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "edge",
			Name:      "devices_online",
			Help:      "Registered devices currently online",
		},
	)

	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "edge",
			Name:      "dispatch_total",
			Help:      "Task dispatches by outcome (ok|error|no_device)",
		},
		[]string{"outcome"},
	)

	reroutesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "edge",
			Name:      "reroutes_total",
			Help:      "Dispatches re-routed after a device failure",
		},
	)
)

func init() {
	prometheus.MustRegister(devicesOnline, dispatchTotal, reroutesTotal)
}
