package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for the protection engine
type Metrics struct {
	// Bus metrics
	EventsPublishedTotal *prometheus.CounterVec
	EventsRejectedTotal  prometheus.Counter
	HandlerErrorsTotal   prometheus.Counter
	HandlerPanicsTotal   prometheus.Counter
	SubscriptionsActive  prometheus.Gauge

	// Overlay metrics
	OverlaysRegisteredTotal prometheus.Counter
	OverlayPreemptionsTotal prometheus.Counter
	OverlayRestoresTotal    prometheus.Counter
	OverlaysActive          prometheus.Gauge
	OverlaysQueued          prometheus.Gauge

	// Content-state metrics
	ContentHidesTotal    prometheus.Counter
	ContentRestoresTotal prometheus.Counter
	ContentStatesActive  prometheus.Gauge

	// Detection metrics
	DetectionsTotal *prometheus.CounterVec

	// Strategy metrics
	StrategiesActive     prometheus.Gauge
	InteractionsBlocked  *prometheus.CounterVec

	// Scheduler metrics
	SchedulerTasksActive prometheus.Gauge
	SchedulerTicksTotal  prometheus.Counter
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	m.EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csk_bus_events_published_total",
			Help: "Total number of events published on the bus",
		},
		[]string{"type"},
	)

	m.EventsRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "csk_bus_events_rejected_total",
			Help: "Total number of events rejected for missing a type",
		},
	)

	m.HandlerErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "csk_bus_handler_errors_total",
			Help: "Total number of subscriber handler errors",
		},
	)

	m.HandlerPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "csk_bus_handler_panics_total",
			Help: "Total number of recovered subscriber handler panics",
		},
	)

	m.SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "csk_bus_subscriptions_active",
			Help: "Number of active bus subscriptions",
		},
	)

	m.OverlaysRegisteredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "csk_overlays_registered_total",
			Help: "Total number of overlay registrations",
		},
	)

	m.OverlayPreemptionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "csk_overlay_preemptions_total",
			Help: "Total number of active-overlay preemptions by higher priority",
		},
	)

	m.OverlayRestoresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "csk_overlay_restores_total",
			Help: "Total number of overlays restored after external removal",
		},
	)

	m.OverlaysActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "csk_overlays_active",
			Help: "Number of visible overlays (0 or 1)",
		},
	)

	m.OverlaysQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "csk_overlays_queued",
			Help: "Number of overlays waiting for the active slot",
		},
	)

	m.ContentHidesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "csk_content_hides_total",
			Help: "Total number of content-hide applications",
		},
	)

	m.ContentRestoresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "csk_content_restores_total",
			Help: "Total number of content restorations",
		},
	)

	m.ContentStatesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "csk_content_states_active",
			Help: "Number of registered content states",
		},
	)

	m.DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csk_detections_total",
			Help: "Total number of positive detection transitions",
		},
		[]string{"feature"},
	)

	m.StrategiesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "csk_strategies_active",
			Help: "Number of applied protection strategies",
		},
	)

	m.InteractionsBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csk_interactions_blocked_total",
			Help: "Total number of blocked user interactions",
		},
		[]string{"kind"},
	)

	m.SchedulerTasksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "csk_scheduler_tasks_active",
			Help: "Number of registered periodic tasks",
		},
	)

	m.SchedulerTicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "csk_scheduler_ticks_total",
			Help: "Total number of scheduler ticks",
		},
	)

	return m
}
