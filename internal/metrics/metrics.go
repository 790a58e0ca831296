package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments for the presence fabric. It is
// constructed against an explicit registerer so tests can use a private
// registry; main passes prometheus.DefaultRegisterer and serves the default
// registry on /metrics.
type Metrics struct {
	Joins           prometheus.Counter
	Leaves          *prometheus.CounterVec // reason: explicit|disconnect|rejoin|reaped
	Heartbeats      *prometheus.CounterVec // result: ok|fenced|unknown|error
	EventsPublished *prometheus.CounterVec // type: join|update|leave
	EventsDelivered prometheus.Counter
	ReapedConns     prometheus.Counter
	OpenSockets     prometheus.Gauge
}

// New creates and registers the presence instruments.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Joins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "presence_joins_total",
			Help: "Completed join operations.",
		}),
		Leaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_leaves_total",
			Help: "Completed leave operations by reason.",
		}, []string{"reason"}),
		Heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_heartbeats_total",
			Help: "Heartbeat operations by result.",
		}, []string{"result"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_events_published_total",
			Help: "Presence events published to the room channels by type.",
		}, []string{"type"}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "presence_events_delivered_total",
			Help: "Presence events received from the event channels by this node.",
		}),
		ReapedConns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "presence_reaped_connections_total",
			Help: "Stale connections removed by the reaper on this node.",
		}),
		OpenSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "presence_open_sockets",
			Help: "WebSocket connections currently open on this node.",
		}),
	}

	reg.MustRegister(
		m.Joins, m.Leaves, m.Heartbeats,
		m.EventsPublished, m.EventsDelivered,
		m.ReapedConns, m.OpenSockets,
	)
	return m
}
