package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks gateway traffic for the /metrics endpoint.
type Metrics struct {
	// ActiveConnections is the number of live websocket peers.
	ActiveConnections prometheus.Gauge

	// MessagesTotal counts websocket messages by direction
	// (inbound|outbound).
	MessagesTotal *prometheus.CounterVec

	// SendFailures counts failed deliveries by reason
	// (recipient_gone|buffer_full|other).
	SendFailures *prometheus.CounterVec

	// VoiceSessionsTotal counts voice session lifecycle transitions by
	// phase (started|completed|error).
	VoiceSessionsTotal *prometheus.CounterVec

	// ConnectionsCleaned counts records removed by the cleanup sweep.
	ConnectionsCleaned prometheus.Counter
}

// NewMetrics registers the gateway metrics with the given registry. A nil
// registry selects the Prometheus default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tether_active_connections",
			Help: "Number of live websocket connections.",
		}),
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_messages_total",
			Help: "Websocket messages processed by direction.",
		}, []string{"direction"}),
		SendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_send_failures_total",
			Help: "Failed payload deliveries by reason.",
		}, []string{"reason"}),
		VoiceSessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_voice_sessions_total",
			Help: "Voice session lifecycle transitions by phase.",
		}, []string{"phase"}),
		ConnectionsCleaned: factory.NewCounter(prometheus.CounterOpts{
			Name: "tether_connections_cleaned_total",
			Help: "Disconnected connection records removed by cleanup.",
		}),
	}
}
