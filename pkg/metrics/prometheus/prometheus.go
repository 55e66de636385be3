// Package prometheus exports settlement metrics to Prometheus.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"settlenet/pkg/metrics"
)

// PrometheusCollector implements metrics.Collector for Prometheus. It also
// implements prometheus.Collector so it can be registered with a registry
// directly.
type PrometheusCollector struct {
	settlements   *prometheus.CounterVec
	forwards      *prometheus.CounterVec
	pulls         *prometheus.CounterVec
	duplicates    prometheus.Counter
	circuitState  *prometheus.GaugeVec
	notifications *prometheus.CounterVec
	queueDepth    prometheus.Gauge

	settleLatency  *prometheus.HistogramVec
	forwardLatency *prometheus.HistogramVec
	pullLatency    *prometheus.HistogramVec
}

var (
	_ metrics.Collector    = (*PrometheusCollector)(nil)
	_ prometheus.Collector = (*PrometheusCollector)(nil)
)

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	return &PrometheusCollector{
		settlements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settlements_total",
				Help:      "Total settled inbound transfers by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		forwards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forwards_total",
				Help:      "Total relayed messages by peer outcome",
			},
			[]string{"outcome"},
		),
		pulls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pulls_total",
				Help:      "Total pull-funds flows by outcome",
			},
			[]string{"outcome"},
		),
		duplicates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicate_replays_total",
				Help:      "Total idempotent replays absorbed",
			},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gateway_circuit_state",
				Help:      "Gateway circuit breaker state per peer (0=closed, 1=open, 2=half-open)",
			},
			[]string{"peer"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total fan-out notification deliveries by status",
			},
			[]string{"status"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "notify_queue_depth",
				Help:      "Current notification dispatcher queue depth",
			},
		),
		settleLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "settlement_duration_seconds",
				Help:      "Inbound settlement latency by kind",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
			},
			[]string{"kind"},
		),
		forwardLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "forward_duration_seconds",
				Help:      "Relay round-trip latency",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"outcome"},
		),
		pullLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pull_duration_seconds",
				Help:      "Pull-funds flow latency",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"outcome"},
		),
	}
}

// Describe implements prometheus.Collector.
func (pc *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	pc.settlements.Describe(ch)
	pc.forwards.Describe(ch)
	pc.pulls.Describe(ch)
	pc.duplicates.Describe(ch)
	pc.circuitState.Describe(ch)
	pc.notifications.Describe(ch)
	pc.queueDepth.Describe(ch)
	pc.settleLatency.Describe(ch)
	pc.forwardLatency.Describe(ch)
	pc.pullLatency.Describe(ch)
}

// Collect implements prometheus.Collector.
func (pc *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	pc.settlements.Collect(ch)
	pc.forwards.Collect(ch)
	pc.pulls.Collect(ch)
	pc.duplicates.Collect(ch)
	pc.circuitState.Collect(ch)
	pc.notifications.Collect(ch)
	pc.queueDepth.Collect(ch)
	pc.settleLatency.Collect(ch)
	pc.forwardLatency.Collect(ch)
	pc.pullLatency.Collect(ch)
}

// RecordSettlement records one settled inbound transfer.
func (pc *PrometheusCollector) RecordSettlement(kind, outcome string, duration time.Duration) {
	pc.settlements.WithLabelValues(kind, outcome).Inc()
	pc.settleLatency.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordForward records one relayed message.
func (pc *PrometheusCollector) RecordForward(outcome string, duration time.Duration) {
	pc.forwards.WithLabelValues(outcome).Inc()
	pc.forwardLatency.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordPull records one pull-funds flow.
func (pc *PrometheusCollector) RecordPull(outcome string, duration time.Duration) {
	pc.pulls.WithLabelValues(outcome).Inc()
	pc.pullLatency.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordDuplicate records an absorbed idempotent replay.
func (pc *PrometheusCollector) RecordDuplicate() {
	pc.duplicates.Inc()
}

// RecordCircuitState records a gateway circuit breaker transition.
func (pc *PrometheusCollector) RecordCircuitState(peer string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(peer).Set(float64(state))
}

// RecordNotification records one fan-out delivery attempt.
func (pc *PrometheusCollector) RecordNotification(delivered bool) {
	status := "delivered"
	if !delivered {
		status = "dropped"
	}
	pc.notifications.WithLabelValues(status).Inc()
}

// RecordQueueDepth records the notification dispatcher queue depth.
func (pc *PrometheusCollector) RecordQueueDepth(depth int) {
	pc.queueDepth.Set(float64(depth))
}
