// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_transitions_total",
			Help: "Status transitions attempted, by outcome",
		},
		[]string{"from", "to", "result"},
	)

	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "lifecycle_sweep_duration_seconds",
			Help: "Duration of deadline sweeps in seconds",
		},
		[]string{"sweep"},
	)

	SweepApplications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_sweep_applications_total",
			Help: "Applications handled by deadline sweeps",
		},
		[]string{"sweep", "outcome"},
	)

	TimersArmed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lifecycle_timers_armed",
			Help: "In-process deadline timers currently armed",
		},
	)

	RevenueCollections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revenue_collections_total",
			Help: "Revenue collection outcomes",
		},
		[]string{"status"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_events_published_total",
			Help: "Events published per channel",
		},
		[]string{"channel"},
	)

	EventHandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_handler_failures_total",
			Help: "Handler invocations that failed after all retries",
		},
		[]string{"channel", "handler"},
	)

	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "system_alerts_raised_total",
			Help: "System alerts created",
		},
		[]string{"type", "severity"},
	)

	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_requests_total",
			Help: "Webhook ingress requests by type and result",
		},
		[]string{"type", "result"},
	)

	ComponentUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "supervisor_component_up",
			Help: "1 when the supervised component is running",
		},
		[]string{"component"},
	)
)
