package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains pipeline-level metrics shared across components.
// Component-specific metrics are registered separately through the registry.
type Metrics struct {
	// Stream metrics
	StreamConnected   prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	FramesReceived    *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	PendingIntents    prometheus.Gauge

	// Telemetry metrics
	PointsStored        *prometheus.CounterVec
	ParseFailures       *prometheus.CounterVec
	ActiveSubscriptions prometheus.Gauge
	DevicesTracked      prometheus.Gauge

	// Task metrics
	TasksSubmitted *prometheus.CounterVec
	TasksInFlight  prometheus.Gauge
	TaskTimeouts   prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all pipeline metrics
func NewMetrics() *Metrics {
	return &Metrics{
		StreamConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "hubstream",
				Subsystem: "stream",
				Name:      "connected",
				Help:      "Stream connection status (0=disconnected, 1=connected)",
			},
		),

		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hubstream",
				Subsystem: "stream",
				Name:      "reconnect_attempts_total",
				Help:      "Total number of reconnection attempts",
			},
		),

		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hubstream",
				Subsystem: "stream",
				Name:      "frames_received_total",
				Help:      "Total inbound stream messages by type",
			},
			[]string{"type"},
		),

		FramesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hubstream",
				Subsystem: "stream",
				Name:      "frames_dropped_total",
				Help:      "Total inbound messages dropped by reason",
			},
			[]string{"reason"},
		),

		PendingIntents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "hubstream",
				Subsystem: "stream",
				Name:      "pending_subscriptions",
				Help:      "Subscription intents queued while disconnected",
			},
		),

		PointsStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hubstream",
				Subsystem: "telemetry",
				Name:      "points_stored_total",
				Help:      "Total numeric points appended to field series",
			},
			[]string{"hub"},
		),

		ParseFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hubstream",
				Subsystem: "telemetry",
				Name:      "parse_failures_total",
				Help:      "Frames that produced zero parsed readings, by reason",
			},
			[]string{"reason"},
		),

		ActiveSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "hubstream",
				Subsystem: "telemetry",
				Name:      "active_subscriptions",
				Help:      "Device ports currently subscribed",
			},
		),

		DevicesTracked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "hubstream",
				Subsystem: "telemetry",
				Name:      "devices_tracked",
				Help:      "Device ports with accumulated telemetry state",
			},
		),

		TasksSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hubstream",
				Subsystem: "task",
				Name:      "submitted_total",
				Help:      "Total device commands submitted by type and outcome",
			},
			[]string{"command", "outcome"},
		),

		TasksInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "hubstream",
				Subsystem: "task",
				Name:      "in_flight",
				Help:      "Tasks currently pending or running",
			},
		),

		TaskTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hubstream",
				Subsystem: "task",
				Name:      "timeouts_total",
				Help:      "Tasks forced to failed by wall-clock timeout",
			},
		),
	}
}

// ObserveConnected records the stream connection state transition.
func (m *Metrics) ObserveConnected(connected bool) {
	if connected {
		m.StreamConnected.Set(1)
	} else {
		m.StreamConnected.Set(0)
	}
}
