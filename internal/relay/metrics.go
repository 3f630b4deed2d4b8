package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcomes counted by Metrics.
const (
	resultRelayed     = "relayed"
	resultRateLimited = "rate_limited"
	resultInvalid     = "invalid"
	resultOK          = "ok"
	resultError       = "error"
)

// Metrics holds the relay's collectors on a private registry, so several
// relays can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	connections      prometheus.Gauge
	rooms            prometheus.Gauge
	messages         *prometheus.CounterVec
	assistantReplies *prometheus.CounterVec
	assistantLatency prometheus.Histogram
}

// NewMetrics creates and registers the relay collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairspace",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Number of open channel connections.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairspace",
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Number of projects with at least one connection.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairspace",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Inbound project messages by outcome.",
		}, []string{"result"}),
		assistantReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairspace",
			Subsystem: "assistant",
			Name:      "replies_total",
			Help:      "Assistant replies by outcome.",
		}, []string{"result"}),
		assistantLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pairspace",
			Subsystem: "assistant",
			Name:      "reply_seconds",
			Help:      "Time to produce an assistant reply.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.rooms,
		m.messages,
		m.assistantReplies,
		m.assistantLatency,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
