package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is a valid no-op sink.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
	SpeakingSignals  *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	TurnStage        *prometheus.HistogramVec
	TurnIndicators   *prometheus.CounterVec

	latency *latencyWindow
}

// NewMetrics registers instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer)
}

func NewMetricsWith(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of hosted avatar sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Avatar conversation state transitions.",
		}, []string{"from", "to"}),
		SpeakingSignals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speaking_signals_total",
			Help:      "Speaking-state changes by evidence source.",
		}, []string{"source", "speaking"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Collaborator errors by provider and code.",
		}, []string{"provider", "code"}),
		TurnStage: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Turn pipeline stage latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 4000, 8000, 16000, 30000},
		}, []string{"stage"}),
		TurnIndicators: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_indicators_total",
			Help:      "Notable turn outcomes such as speech watchdog expiries.",
		}, []string{"indicator"}),
		latency: newLatencyWindow(256),
	}
}

func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnStage.WithLabelValues(stage).Observe(float64(d) / float64(time.Millisecond))
	m.latency.observe(stage, d)
}

// ObserveTurnIndicator counts a notable turn outcome, e.g. a watchdog expiry.
func (m *Metrics) ObserveTurnIndicator(name string) {
	if m == nil {
		return
	}
	m.TurnIndicators.WithLabelValues(name).Inc()
	m.latency.count(name)
}

// SetLatencyTargets overrides the default per-stage p95 targets.
func (m *Metrics) SetLatencyTargets(targets map[string]time.Duration) {
	if m == nil {
		return
	}
	m.latency.setTargets(targets)
}

func (m *Metrics) LatencyReport() LatencyReport {
	if m == nil {
		return LatencyReport{GeneratedAt: time.Now().UTC(), Stages: []StageLatency{}}
	}
	return m.latency.report(time.Now())
}

func (m *Metrics) ObserveStateTransition(from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveSpeakingSignal(source string, speaking bool) {
	if m == nil {
		return
	}
	label := "false"
	if speaking {
		label = "true"
	}
	m.SpeakingSignals.WithLabelValues(source, label).Inc()
}

func (m *Metrics) ObserveProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
