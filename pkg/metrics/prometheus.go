package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Call Metrics
	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	callsDuration    *prometheus.HistogramVec
	callsFailedTotal *prometheus.CounterVec

	// Peer transport Metrics
	transportStatesTotal *prometheus.CounterVec
	reconnectsTotal      *prometheus.CounterVec
	rtpPacketsTotal      *prometheus.CounterVec
	rtcpPacketsTotal     *prometheus.CounterVec

	// Signaling Metrics
	controlEventsTotal   *prometheus.CounterVec
	duplicateEventsTotal prometheus.Counter
	publishFailuresTotal *prometheus.CounterVec
	relayedFramesTotal   *prometheus.CounterVec
}

// NewMetrics creates all metrics on a dedicated registry labelled with serviceName
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: reg,

		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Current number of HTTP requests being processed",
				ConstLabels: labels,
			},
		),

		websocketConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Current number of WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of WebSocket messages",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
		websocketErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of WebSocket errors",
				ConstLabels: labels,
			},
			[]string{"error_type"},
		),

		callsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of call sessions by final status",
				ConstLabels: labels,
			},
			[]string{"type", "status"},
		),
		callsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Current number of non-terminal call sessions",
				ConstLabels: labels,
			},
		),
		callsDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Connected call duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
			},
			[]string{"type"},
		),
		callsFailedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_failed_total",
				Help:        "Total number of call sessions that ended abnormally",
				ConstLabels: labels,
			},
			[]string{"type", "reason"},
		),

		transportStatesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "peer_transport_states_total",
				Help:        "Peer transport connection state changes",
				ConstLabels: labels,
			},
			[]string{"state"},
		),
		reconnectsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "peer_transport_reconnects_total",
				Help:        "Peer transport reconnection attempts by outcome",
				ConstLabels: labels,
			},
			[]string{"outcome"},
		),
		rtpPacketsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "peer_transport_rtp_packets_total",
				Help:        "RTP packets received from remote participants",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		rtcpPacketsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "peer_transport_rtcp_packets_total",
				Help:        "RTCP feedback received on outgoing tracks",
				ConstLabels: labels,
			},
			[]string{"type"},
		),

		controlEventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_events_total",
				Help:        "Signaling events by type and direction",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
		duplicateEventsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name:        "signaling_duplicate_events_total",
				Help:        "Redelivered signaling events dropped by deduplication",
				ConstLabels: labels,
			},
		),
		publishFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_publish_failures_total",
				Help:        "Signaling publishes that failed after all retries",
				ConstLabels: labels,
			},
			[]string{"type"},
		),
		relayedFramesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_relayed_frames_total",
				Help:        "Frames relayed by the signaling hub",
				ConstLabels: labels,
			},
			[]string{"op", "route"},
		),
	}
}

// GetRegistry returns the registry the metrics are registered on
func (m *Metrics) GetRegistry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// HTTP Metrics Methods

func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Inc()
}

func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Dec()
}

// WebSocket Metrics Methods

func (m *Metrics) SetWebSocketConnections(count int) {
	if m == nil {
		return
	}
	m.websocketConnections.Set(float64(count))
}

func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	if m == nil {
		return
	}
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

func (m *Metrics) RecordWebSocketError(errType string) {
	if m == nil {
		return
	}
	m.websocketErrorsTotal.WithLabelValues(errType).Inc()
}

// Call Metrics Methods

// RecordCall records a session reaching a terminal status
func (m *Metrics) RecordCall(callType, status string) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(callType, status).Inc()
}

func (m *Metrics) IncActiveCalls() {
	if m == nil {
		return
	}
	m.callsActive.Inc()
}

func (m *Metrics) DecActiveCalls() {
	if m == nil {
		return
	}
	m.callsActive.Dec()
}

func (m *Metrics) RecordCallDuration(callType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.callsDuration.WithLabelValues(callType).Observe(duration.Seconds())
}

func (m *Metrics) RecordCallFailure(callType, reason string) {
	if m == nil {
		return
	}
	m.callsFailedTotal.WithLabelValues(callType, reason).Inc()
}

// Peer transport Metrics Methods

func (m *Metrics) RecordTransportState(state string) {
	if m == nil {
		return
	}
	m.transportStatesTotal.WithLabelValues(state).Inc()
}

// RecordReconnect records a reconnection attempt ("attempt") or a give-up ("exhausted")
func (m *Metrics) RecordReconnect(outcome string) {
	if m == nil {
		return
	}
	m.reconnectsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordRTPPacket(kind string) {
	if m == nil {
		return
	}
	m.rtpPacketsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordRTCPPacket(packetType string) {
	if m == nil {
		return
	}
	m.rtcpPacketsTotal.WithLabelValues(packetType).Inc()
}

// Signaling Metrics Methods

func (m *Metrics) RecordSignalingEvent(eventType, direction string) {
	if m == nil {
		return
	}
	m.controlEventsTotal.WithLabelValues(eventType, direction).Inc()
}

func (m *Metrics) RecordDuplicateEvent() {
	if m == nil {
		return
	}
	m.duplicateEventsTotal.Inc()
}

func (m *Metrics) RecordPublishFailure(eventType string) {
	if m == nil {
		return
	}
	m.publishFailuresTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordRelayedFrame(op, route string) {
	if m == nil {
		return
	}
	m.relayedFramesTotal.WithLabelValues(op, route).Inc()
}
