package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	MessagesSent      prometheus.Counter
	StatusUpdates     *prometheus.CounterVec
	AttachmentsStored prometheus.Counter
	Uploads           *prometheus.CounterVec
	Sessions          prometheus.Gauge
	OnlineUsers       prometheus.Gauge
	Broadcasts        *prometheus.CounterVec
	DroppedFrames     prometheus.Counter
	PushNotifications *prometheus.CounterVec
	LoginAttempts     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offgrid",
			Name:      "messages_sent_total",
			Help:      "Messages accepted by the server.",
		}),
		StatusUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offgrid",
			Name:      "message_status_updates_total",
			Help:      "Message status transitions by target status.",
		}, []string{"status"}),
		AttachmentsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offgrid",
			Name:      "attachments_stored_total",
			Help:      "Attachment records linked to messages.",
		}),
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offgrid",
			Name:      "uploads_total",
			Help:      "Object uploads by bucket and result.",
		}, []string{"bucket", "result"}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "offgrid",
			Name:      "realtime_sessions",
			Help:      "Open realtime websocket sessions.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "offgrid",
			Name:      "online_users",
			Help:      "Users currently considered online.",
		}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offgrid",
			Name:      "broadcasts_total",
			Help:      "Broadcast events fanned out by event name.",
		}, []string{"event"}),
		DroppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offgrid",
			Name:      "realtime_dropped_frames_total",
			Help:      "Frames dropped because a session queue was full.",
		}),
		PushNotifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offgrid",
			Name:      "push_notifications_total",
			Help:      "Web push deliveries by result.",
		}, []string{"result"}),
		LoginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offgrid",
			Name:      "login_attempts_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.MessagesSent,
		m.StatusUpdates,
		m.AttachmentsStored,
		m.Uploads,
		m.Sessions,
		m.OnlineUsers,
		m.Broadcasts,
		m.DroppedFrames,
		m.PushNotifications,
		m.LoginAttempts,
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
