package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons.
const (
	DropReasonInvalid          = "invalid_message"
	DropReasonPeerNotConnected = "peer_not_connected"
	DropReasonRateLimited      = "rate_limited"
	DropReasonSendQueueFull    = "send_queue_full"
	DropReasonEncode           = "encode_failed"
)

// Metrics holds the relay's Prometheus collectors on a private registry so
// several relays (or tests) can coexist in one process.
//
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	reg *prometheus.Registry

	connectedClients prometheus.Gauge
	connections      prometheus.Counter
	received         *prometheus.CounterVec
	forwarded        *prometheus.CounterVec
	dropped          *prometheus.CounterVec
	callErrors       prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		connectedClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "duocall_relay_connected_clients",
			Help: "Number of clients currently connected to the relay.",
		}),
		connections: f.NewCounter(prometheus.CounterOpts{
			Name: "duocall_relay_connections_total",
			Help: "Total number of client connections accepted.",
		}),
		received: f.NewCounterVec(prometheus.CounterOpts{
			Name: "duocall_relay_messages_received_total",
			Help: "Messages received from clients by event.",
		}, []string{"event"}),
		forwarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "duocall_relay_messages_forwarded_total",
			Help: "Messages delivered to clients by event.",
		}, []string{"event"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "duocall_relay_messages_dropped_total",
			Help: "Messages dropped by event and reason.",
		}, []string{"event", "reason"}),
		callErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "duocall_relay_call_errors_total",
			Help: "Call errors reported back to senders.",
		}),
	}
}

func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.connectedClients.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.connectedClients.Dec()
}

func (m *Metrics) MessageReceived(event string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(event).Inc()
}

func (m *Metrics) MessageForwarded(event string) {
	if m == nil {
		return
	}
	m.forwarded.WithLabelValues(event).Inc()
}

func (m *Metrics) MessageDropped(event, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(event, reason).Inc()
}

func (m *Metrics) CallError() {
	if m == nil {
		return
	}
	m.callErrors.Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
