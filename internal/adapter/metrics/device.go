package metrics

import "github.com/prometheus/client_golang/prometheus"

// DeviceMetrics holds Prometheus metrics for the device session registry.
type DeviceMetrics struct {
	Sessions          *prometheus.GaugeVec
	ConnectionsTotal  prometheus.Counter
	DisconnectsTotal  *prometheus.CounterVec
	SendFailures      prometheus.Counter
	DuplicateFrames   prometheus.Counter
	MalformedMessages prometheus.Counter
	Heartbeats        prometheus.Counter
	CommandQueueDepth prometheus.Gauge
	Panics            prometheus.Counter
	StopTimeouts      prometheus.Counter

	RejectedConnections *prometheus.CounterVec
}

// NewDeviceMetrics creates and registers device registry metrics on the given registry.
func NewDeviceMetrics(reg prometheus.Registerer) *DeviceMetrics {
	m := &DeviceMetrics{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "sessions",
			Help:      "Number of device sessions, by state.",
		}, []string{"state"}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "connections_total",
			Help:      "Total number of accepted device connections.",
		}),
		DisconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "disconnects_total",
			Help:      "Total number of closed device sessions, by reason.",
		}, []string{"reason"}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "send_failures_total",
			Help:      "Total number of failed or timed out device writes.",
		}),
		DuplicateFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "duplicate_frames_total",
			Help:      "Total number of frames dropped because the session already accepted that cycle.",
		}),
		MalformedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "malformed_messages_total",
			Help:      "Total number of dropped malformed device messages.",
		}),
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "heartbeats_total",
			Help:      "Total number of device heartbeats received.",
		}),
		CommandQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "registry_command_queue_depth",
			Help:      "Current depth of the registry command channel.",
		}),
		Panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "registry_panics_total",
			Help:      "Total number of recovered panics in the registry loop.",
		}),
		StopTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "registry_stop_timeouts_total",
			Help:      "Total number of registry shutdowns that exceeded the grace period.",
		}),
		RejectedConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "rejected_connections_total",
			Help:      "Total number of device connections refused before upgrade, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.Sessions, m.ConnectionsTotal, m.DisconnectsTotal, m.SendFailures, m.DuplicateFrames,
		m.MalformedMessages, m.Heartbeats, m.CommandQueueDepth, m.Panics, m.StopTimeouts, m.RejectedConnections)
	return m
}
