// Package metrics provides Prometheus metrics for the relay and peer binaries.
//
// All methods are safe to call on a nil *Metrics so components can run
// without a registry.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "heimdall"

// Drop reasons for envelopes the relay does not forward.
const (
	DropReasonMalformed   = "malformed"
	DropReasonRateLimited = "rate_limited"
	DropReasonServerOnly  = "server_only"
	DropReasonTooLarge    = "too_large"
)

// Capture tick outcomes.
const (
	TickCaptured = "captured"
	TickSkipped  = "skipped"
	TickFailed   = "failed"
)

type Metrics struct {
	Registry *prometheus.Registry

	connectedPeers     prometheus.Gauge
	connectionsTotal   *prometheus.CounterVec
	envelopesReceived  *prometheus.CounterVec
	deliveriesTotal    *prometheus.CounterVec
	droppedTotal       *prometheus.CounterVec
	detectionsRejected prometheus.Counter
	sendFailures       prometheus.Counter
	livenessEvictions  prometheus.Counter
	httpPublishes      *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	networkDelay       prometheus.Histogram

	clientState       *prometheus.GaugeVec
	reconnectAttempts prometheus.Counter
	captureTicks      *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_peers",
			Help:      "Number of peers currently registered with the relay.",
		}),
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Signaling connections accepted or refused, by result.",
		}, []string{"result"}),
		envelopesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_received_total",
			Help:      "Well-formed envelopes received from peers, by type.",
		}, []string{"type"}),
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Envelopes delivered to peers by broadcast, by type.",
		}, []string{"type"}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_dropped_total",
			Help:      "Inbound envelopes dropped without relay, by reason.",
		}, []string{"reason"}),
		detectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_rejected_total",
			Help:      "Detection payloads rejected by validation.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Failed writes to individual peers.",
		}),
		livenessEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_evictions_total",
			Help:      "Peers disconnected for missing a liveness probe.",
		}),
		httpPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_publishes_total",
			Help:      "Detections published over HTTP, by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served by the relay, by route pattern and status code.",
		}, []string{"route", "code"}),
		networkDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_network_delay_seconds",
			Help:      "Time between a detection's capture timestamp and its arrival at the relay.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		clientState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_state",
			Help:      "Current connection state of the peer client (1 for the active state).",
		}, []string{"state"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts scheduled by the peer client.",
		}),
		captureTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_ticks_total",
			Help:      "Capture ticks, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.connectedPeers,
		m.connectionsTotal,
		m.envelopesReceived,
		m.deliveriesTotal,
		m.droppedTotal,
		m.detectionsRejected,
		m.sendFailures,
		m.livenessEvictions,
		m.httpPublishes,
		m.httpRequests,
		m.networkDelay,
		m.clientState,
		m.reconnectAttempts,
		m.captureTicks,
	)
	return m
}

func (m *Metrics) PeerConnected() {
	if m == nil {
		return
	}
	m.connectedPeers.Inc()
	m.connectionsTotal.WithLabelValues("accepted").Inc()
}

func (m *Metrics) PeerDisconnected() {
	if m == nil {
		return
	}
	m.connectedPeers.Dec()
}

func (m *Metrics) ConnectionRefused() {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues("refused").Inc()
}

func (m *Metrics) EnvelopeReceived(typ string) {
	if m == nil {
		return
	}
	m.envelopesReceived.WithLabelValues(typ).Inc()
}

func (m *Metrics) Delivered(typ string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deliveriesTotal.WithLabelValues(typ).Add(float64(n))
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) DetectionRejected() {
	if m == nil {
		return
	}
	m.detectionsRejected.Inc()
}

func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

func (m *Metrics) LivenessEvicted() {
	if m == nil {
		return
	}
	m.livenessEvictions.Inc()
}

func (m *Metrics) HTTPPublish(result string) {
	if m == nil {
		return
	}
	m.httpPublishes.WithLabelValues(result).Inc()
}

func (m *Metrics) HTTPRequest(route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// ObserveNetworkDelay records receivedAt-captureTS, both in milliseconds.
// Negative values (sender clock ahead of the relay) are ignored.
func (m *Metrics) ObserveNetworkDelay(captureTS, receivedAt int64) {
	if m == nil || captureTS <= 0 || receivedAt < captureTS {
		return
	}
	m.networkDelay.Observe(float64(receivedAt-captureTS) / 1000)
}

// SetClientState marks state as the active client state and clears the rest.
func (m *Metrics) SetClientState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		m.clientState.WithLabelValues(s).Set(0)
	}
	m.clientState.WithLabelValues(state).Set(1)
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) CaptureTick(outcome string) {
	if m == nil {
		return
	}
	m.captureTicks.WithLabelValues(outcome).Inc()
}
