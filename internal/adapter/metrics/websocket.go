package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebSocketMetrics holds Prometheus metrics for dashboard (centrifuge) connections.
type WebSocketMetrics struct {
	ActiveConnections prometheus.Gauge
	MessagesPublished *prometheus.CounterVec
	PublishErrors     prometheus.Counter
}

// NewWebSocketMetrics creates and registers dashboard WebSocket metrics on the given registry.
func NewWebSocketMetrics(reg prometheus.Registerer) *WebSocketMetrics {
	m := &WebSocketMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dashboard",
			Name:      "active_connections",
			Help:      "Number of active dashboard WebSocket connections.",
		}),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dashboard",
			Name:      "messages_published_total",
			Help:      "Total number of dashboard messages published, by kind.",
		}, []string{"kind"}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dashboard",
			Name:      "publish_errors_total",
			Help:      "Total number of failed dashboard publications.",
		}),
	}

	reg.MustRegister(m.ActiveConnections, m.MessagesPublished, m.PublishErrors)
	return m
}
