package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaycrm/assistant-go/assistant"
)

// Metrics bundles Prometheus collectors for the gateway.
type Metrics struct {
	registry      *prometheus.Registry
	Requests      *prometheus.CounterVec
	Duration      *prometheus.HistogramVec
	Events        *prometheus.CounterVec
	Tokens        prometheus.Counter
	ActiveStreams prometheus.Gauge
	Confirmations *prometheus.CounterVec
}

// NewMetrics constructs a metrics registry with gateway collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	reqs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_assistant_requests_total",
		Help: "Total stream requests by provider and outcome",
	}, []string{"provider", "status"})

	durs := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_assistant_request_duration_seconds",
		Help:    "Stream request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_assistant_stream_events_total",
		Help: "Server-sent events emitted by type",
	}, []string{"type"})

	tokens := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_assistant_tokens_streamed_total",
		Help: "Assistant text tokens streamed to clients",
	})

	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_assistant_active_streams",
		Help: "Streams currently open",
	})

	confirmations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_assistant_confirmations_total",
		Help: "Confirmation decisions by outcome",
	}, []string{"decision"})

	reg.MustRegister(reqs, durs, events, tokens, active, confirmations)

	return &Metrics{
		registry:      reg,
		Requests:      reqs,
		Duration:      durs,
		Events:        events,
		Tokens:        tokens,
		ActiveStreams: active,
		Confirmations: confirmations,
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// ObserveRequest records one finished stream request.
func (m *Metrics) ObserveRequest(provider, status string, duration time.Duration) {
	if m == nil {
		return
	}
	if provider == "" {
		provider = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	m.Requests.WithLabelValues(provider, status).Inc()
	m.Duration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordEvent counts one emitted stream event.
func (m *Metrics) RecordEvent(t assistant.EventType) {
	if m == nil {
		return
	}
	name := string(t)
	if name == "" {
		name = "unknown"
	}
	m.Events.WithLabelValues(name).Inc()
}

// AddTokens counts streamed text tokens.
func (m *Metrics) AddTokens(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Tokens.Add(float64(n))
}

// StreamStarted increments the active stream gauge.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active stream gauge.
func (m *Metrics) StreamEnded() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

// RecordConfirmation counts one confirmation decision.
func (m *Metrics) RecordConfirmation(d assistant.Decision) {
	if m == nil {
		return
	}
	decision := string(d)
	if decision == "" {
		decision = "unknown"
	}
	m.Confirmations.WithLabelValues(decision).Inc()
}
