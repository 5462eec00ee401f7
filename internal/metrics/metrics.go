// Package metrics exposes prometheus collectors for investigation runs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	InvestigationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsleuth_investigations_total",
			Help: "Total number of investigations by mode and final status",
		},
		[]string{"mode", "status"},
	)

	InvestigationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudsleuth_investigation_duration_seconds",
			Help:    "Investigation wall-clock duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11), // 1s to ~17min
		},
		[]string{"mode"},
	)

	SpecialistTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudsleuth_specialist_task_duration_seconds",
			Help:    "Specialist task duration in seconds by terminal state",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 11),
		},
		[]string{"specialist", "state"},
	)

	HandoffsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudsleuth_handoffs_total",
			Help: "Total number of governor transitions",
		},
	)

	ForcedTerminationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsleuth_governor_forced_terminations_total",
			Help: "Governor runs forced into the terminated state, by limit",
		},
		[]string{"limit"},
	)

	DiscoveryFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudsleuth_discovery_failures_total",
			Help: "Trace lookups that failed and were skipped",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
