package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"waterworks/pkg/monitoring"
)

// Metrics holds all Prometheus metrics for the Lookout pipeline
type Metrics struct {
	// Stream transport metrics
	EventsReceived  *prometheus.CounterVec
	Reconnects      *prometheus.CounterVec
	ConnectionState *prometheus.GaugeVec

	// Pipeline metrics
	EventsDeduplicated    *prometheus.CounterVec
	NotificationsIngested *prometheus.CounterVec
	EscalationsOpened     *prometheus.CounterVec
	EscalationsAdvanced   *prometheus.CounterVec

	// Backend metrics
	BackendRequests *prometheus.CounterVec
	BackendDuration *prometheus.HistogramVec
}

// New registers the pipeline metrics on the service collector.
func New(mc *monitoring.MetricsCollector) *Metrics {
	m := &Metrics{}

	m.EventsReceived = mc.NewCounter("stream_events_received_total", "Total events received from the tenant stream", []string{"event_type"})
	m.Reconnects = mc.NewCounter("stream_reconnects_total", "Total stream reconnect attempts", []string{"reason"})
	m.ConnectionState = mc.NewGauge("stream_connection_state", "Current stream connection state (1 for the active state)", []string{"state"})

	m.EventsDeduplicated = mc.NewCounter("events_deduplicated_total", "Events dropped as duplicates", []string{"event_type"})
	m.NotificationsIngested = mc.NewCounter("notifications_ingested_total", "Notifications accepted into the store", []string{"severity", "origin"})
	m.EscalationsOpened = mc.NewCounter("escalations_opened_total", "Escalation records opened", []string{"rule_id"})
	m.EscalationsAdvanced = mc.NewCounter("escalations_advanced_total", "Escalation level advances", []string{"rule_id"})

	m.BackendRequests, m.BackendDuration = mc.CreateBackendMetrics()

	return m
}

// SetConnectionState flips the state gauge so exactly one state reads 1.
func (m *Metrics) SetConnectionState(state string) {
	for _, s := range []string{"disconnected", "connecting", "connected", "error"} {
		value := 0.0
		if s == state {
			value = 1.0
		}
		m.ConnectionState.WithLabelValues(s).Set(value)
	}
}
