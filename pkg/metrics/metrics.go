package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Adapter metrics
	AdaptersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "derconn_adapters_total",
			Help: "Total number of adapter sessions by protocol and state",
		},
		[]string{"protocol", "state"},
	)

	AdapterReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "derconn_adapter_reconnects_total",
			Help: "Total reconnect attempts by protocol",
		},
		[]string{"protocol"},
	)

	AdapterConnectDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "derconn_adapter_connect_duration_seconds",
			Help:    "Time to complete Connect() by protocol",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	AdapterHeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "derconn_adapter_heartbeats_total",
			Help: "Total heartbeats emitted by protocol",
		},
		[]string{"protocol"},
	)

	AdapterCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "derconn_adapter_command_duration_seconds",
			Help:    "Time to complete ExecuteCommand by protocol and command",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol", "command"},
	)

	// Message bus metrics
	BusPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "derconn_bus_published_total",
			Help: "Total messages published by message type",
		},
		[]string{"message_type"},
	)

	BusDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "derconn_bus_dropped_total",
			Help: "Total messages dropped due to a full subscriber queue, by message type",
		},
		[]string{"message_type"},
	)

	BusSubscribersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "derconn_bus_subscribers_total",
			Help: "Current number of active bus subscriptions",
		},
	)

	// OCPP transaction metrics
	OCPPTransactionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "derconn_ocpp_transactions_active",
			Help: "Currently active (non-Ended) OCPP transactions",
		},
	)

	OCPPCallTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "derconn_ocpp_call_timeouts_total",
			Help: "Total OCPP calls that timed out waiting for a CallResult",
		},
	)

	// Push gateway metrics
	PushConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "derconn_push_connections_active",
			Help: "Currently open push-gateway client connections",
		},
	)

	PushConnectionsTerminatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "derconn_push_connections_terminated_total",
			Help: "Total push-gateway connections terminated, by reason",
		},
		[]string{"reason"},
	)

	PushForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "derconn_push_forwarded_total",
			Help: "Total bus messages forwarded to push-gateway clients, by envelope type",
		},
		[]string{"type"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "derconn_reconciliation_duration_seconds",
			Help:    "Reconciliation cycle duration",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "derconn_reconciliation_cycles_total",
			Help: "Total reconciliation cycles completed",
		},
	)

	ReconciliationDriftTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "derconn_reconciliation_drift_total",
			Help: "Total drift findings by kind (registry device with no live adapter, etc.)",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(AdaptersTotal)
	prometheus.MustRegister(AdapterReconnectsTotal)
	prometheus.MustRegister(AdapterConnectDuration)
	prometheus.MustRegister(AdapterHeartbeatsTotal)
	prometheus.MustRegister(AdapterCommandDuration)

	prometheus.MustRegister(BusPublishedTotal)
	prometheus.MustRegister(BusDroppedTotal)
	prometheus.MustRegister(BusSubscribersTotal)

	prometheus.MustRegister(OCPPTransactionsActive)
	prometheus.MustRegister(OCPPCallTimeoutsTotal)

	prometheus.MustRegister(PushConnectionsActive)
	prometheus.MustRegister(PushConnectionsTerminatedTotal)
	prometheus.MustRegister(PushForwardedTotal)

	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationDriftTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
