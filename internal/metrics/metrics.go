// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "roomchat"

// Metrics owns its registry so tests can build as many instances as they
// need without colliding on the default one.
type Metrics struct {
	Registry *prometheus.Registry

	Connections       prometheus.Gauge
	UsersOnline       prometheus.Gauge
	Rooms             prometheus.Gauge
	Events            *prometheus.CounterVec
	Rejections        *prometheus.CounterVec
	MessagesCommitted prometheus.Counter
	DeliveriesDropped prometheus.Counter
	PersistJobs       *prometheus.CounterVec
	PersistQueueDepth prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live WebSocket connections.",
		}),
		UsersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "users_online",
			Help:      "Users holding at least one connection.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms currently held by the registry.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Inbound events dispatched, by event name.",
		}, []string{"event"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Inbound events rejected, by error code.",
		}, []string{"code"}),
		MessagesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_committed_total",
			Help:      "Messages appended to a room.",
		}),
		DeliveriesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_dropped_total",
			Help:      "Outbound events that could not be queued for a connection.",
		}),
		PersistJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_jobs_total",
			Help:      "Persistence jobs by kind and result.",
		}, []string{"kind", "result"}),
		PersistQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "persist_queue_depth",
			Help:      "Persistence jobs waiting for a worker.",
		}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Connections,
		m.UsersOnline,
		m.Rooms,
		m.Events,
		m.Rejections,
		m.MessagesCommitted,
		m.DeliveriesDropped,
		m.PersistJobs,
		m.PersistQueueDepth,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
