// Package metrics exposes Prometheus instrumentation for the dispatch core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommandsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brigade_commands_processed_total",
			Help: "Total number of commands processed",
		},
		[]string{"component", "operation", "result"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brigade_events_published_total",
			Help: "Total number of domain events published to the fan-out hub",
		},
		[]string{"event"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "brigade_events_dropped_total",
			Help: "Total number of events dropped for slow observers",
		},
	)

	LockTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "brigade_lock_timeouts_total",
			Help: "Total number of bounded-wait lock acquisitions that timed out",
		},
	)

	ObserverConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "brigade_observer_connections",
			Help: "Number of currently registered observer connections",
		},
	)

	BridgePublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "brigade_bridge_publish_failures_total",
			Help: "Total number of failed Redis bridge publishes",
		},
	)
)

// RecordCommand increments the command counter with a success/error result
// label. Kept here so call sites stay one-liners.
func RecordCommand(component, operation string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	CommandsProcessed.WithLabelValues(component, operation, result).Inc()
}
