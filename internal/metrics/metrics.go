// Package metrics provides Prometheus metrics for the manager.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Fleet metrics.
	ContainersRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mtproman",
		Subsystem: "fleet",
		Name:      "containers_running",
		Help:      "Number of proxy containers currently running.",
	})
	ContainersDesired = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mtproman",
		Subsystem: "fleet",
		Name:      "containers_desired",
		Help:      "Number of enabled users, i.e. containers that should be running.",
	})
	ReconcilesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mtproman",
		Subsystem: "fleet",
		Name:      "reconciles_total",
		Help:      "Total number of reconcile operations.",
	}, []string{"outcome"}) // "success" or "failure"

	// Traffic metrics.
	TrafficBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mtproman",
		Subsystem: "traffic",
		Name:      "bytes_total",
		Help:      "Metered proxy traffic in bytes.",
	}, []string{"direction"}) // "rx" or "tx"
	UserUsageBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mtproman",
		Subsystem: "traffic",
		Name:      "user_usage_bytes",
		Help:      "Cumulative usage attributed to a user port since the last reset.",
	}, []string{"port", "direction"})

	// Throttle metrics.
	ThrottledContainers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mtproman",
		Subsystem: "throttle",
		Name:      "containers",
		Help:      "Number of containers currently rate-limited.",
	})

	// Monitor loop metrics.
	CycleErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mtproman",
		Subsystem: "monitor",
		Name:      "cycle_errors_total",
		Help:      "Total number of monitor cycles that reported an error.",
	})
)

func init() {
	prometheus.MustRegister(
		ContainersRunning,
		ContainersDesired,
		ReconcilesTotal,
		TrafficBytesTotal,
		UserUsageBytes,
		ThrottledContainers,
		CycleErrorsTotal,
	)
}
