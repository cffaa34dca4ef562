// Package metrics exposes the node's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the node registers.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
	ActionsVerified    *prometheus.CounterVec
	InteractionsIn     *prometheus.CounterVec
	InteractionsOut    *prometheus.CounterVec
	GossipExchanges    prometheus.Counter
	ChatMessages       *prometheus.CounterVec
	KnownNodes         prometheus.Gauge
	UndeliveredChatMsg prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	return &Metrics{
		registry: reg,
		HTTPRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "synapsis", Subsystem: "http",
			Name: "requests_total", Help: "HTTP requests by route and status class.",
		}, []string{"route", "status"}),
		HTTPDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "synapsis", Subsystem: "http",
			Name: "request_duration_seconds", Help: "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		ActionsVerified: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "synapsis", Subsystem: "actions",
			Name: "verified_total", Help: "Signed actions by verification outcome.",
		}, []string{"outcome"}),
		InteractionsIn: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "synapsis", Subsystem: "federation",
			Name: "interactions_in_total", Help: "Inbound federation interactions by verb.",
		}, []string{"verb"}),
		InteractionsOut: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "synapsis", Subsystem: "federation",
			Name: "interactions_out_total", Help: "Outbound federation interactions by verb.",
		}, []string{"verb"}),
		GossipExchanges: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "synapsis", Subsystem: "federation",
			Name: "gossip_exchanges_total", Help: "Completed gossip exchanges.",
		}),
		ChatMessages: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "synapsis", Subsystem: "chat",
			Name: "messages_total", Help: "Chat messages by direction.",
		}, []string{"direction"}),
		KnownNodes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "synapsis", Subsystem: "federation",
			Name: "known_nodes", Help: "Nodes currently in the registry.",
		}),
		UndeliveredChatMsg: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "synapsis", Subsystem: "chat",
			Name: "undelivered_messages", Help: "Messages awaiting remote acknowledgement.",
		}),
	}
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
