package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/vai-realtime/pkg/core/realtime"
)

// Metrics holds all Prometheus metrics for the relay gateway.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive    prometheus.Gauge
	SessionsTotal     *prometheus.CounterVec
	SessionDuration   prometheus.Histogram
	AdmissionRejected *prometheus.CounterVec

	// Upstream metrics
	UpstreamTransitions *prometheus.CounterVec
	UpstreamEvents      *prometheus.CounterVec

	// Media and tool metrics
	AudioFramesTotal *prometheus.CounterVec
	AudioBytesTotal  *prometheus.CounterVec
	ToolCallsTotal   *prometheus.CounterVec

	BackpressureTotal prometheus.Counter
}

// New creates a Metrics instance on its own registry so tests and multiple
// gateways in one process do not collide.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_realtime"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of relay sessions currently connected",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Relay sessions by how they ended",
		}, []string{"result"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Relay session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		AdmissionRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "WebSocket upgrades refused before a session started",
		}, []string{"reason"}),
		UpstreamTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_state_transitions_total",
			Help:      "Upstream connection state transitions by target state",
		}, []string{"state"}),
		UpstreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_events_total",
			Help:      "Events received from the realtime API",
		}, []string{"type"}),
		AudioFramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_total",
			Help:      "Audio frames relayed",
		}, []string{"direction"}),
		AudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Decoded audio bytes relayed",
		}, []string{"direction"}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by outcome",
		}, []string{"outcome"}),
		BackpressureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_backpressure_total",
			Help:      "Outbound frames dropped because a client queue was full",
		}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.AdmissionRejected,
		m.UpstreamTransitions,
		m.UpstreamEvents,
		m.AudioFramesTotal,
		m.AudioBytesTotal,
		m.ToolCallsTotal,
		m.BackpressureTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SessionStarted() {
	m.SessionsActive.Inc()
}

// SessionEnded records result "ok" or "error".
func (m *Metrics) SessionEnded(result string, d time.Duration) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(result).Inc()
	m.SessionDuration.Observe(d.Seconds())
}

func (m *Metrics) Rejected(reason string) {
	m.AdmissionRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) UpstreamState(state string) {
	m.UpstreamTransitions.WithLabelValues(state).Inc()
}

// UpstreamEvent folds unknown event types into "other" to bound label
// cardinality.
func (m *Metrics) UpstreamEvent(eventType string) {
	if _, ok := knownEvents[eventType]; !ok {
		eventType = "other"
	}
	m.UpstreamEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) AudioFrame(direction string, bytes int) {
	m.AudioFramesTotal.WithLabelValues(direction).Inc()
	if bytes > 0 {
		m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
	}
}

func (m *Metrics) ToolCall(outcome string) {
	m.ToolCallsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Backpressure() {
	m.BackpressureTotal.Inc()
}

var knownEvents = map[string]struct{}{
	realtime.EventSessionCreated:            {},
	realtime.EventSessionUpdated:            {},
	realtime.EventError:                     {},
	realtime.EventSpeechStarted:             {},
	realtime.EventSpeechStopped:             {},
	realtime.EventInputAudioCommitted:       {},
	realtime.EventOutputAudioDelta:          {},
	realtime.EventAudioDeltaLegacy:          {},
	realtime.EventFunctionCallArgsDelta:     {},
	realtime.EventFunctionCallArgsDone:      {},
	realtime.EventResponseCreated:           {},
	realtime.EventResponseDone:              {},
	realtime.EventOutputAudioDone:           {},
	realtime.EventOutputAudioTranscriptDone: {},
}
