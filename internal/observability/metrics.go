package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the relay.
type Metrics struct {
	Requests         *prometheus.CounterVec
	UpstreamCalls    *prometheus.CounterVec
	UpstreamLatency  *prometheus.HistogramVec
	RateLimitDenials prometheus.Counter
	StreamedDeltas   prometheus.Counter
	ActiveSessions   prometheus.Gauge
	WSMessages       *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers the relay instruments on reg. A nil reg uses a fresh
// registry, which keeps tests independent of each other.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Relay requests by transport and outcome.",
		}, []string{"transport", "outcome"}),
		UpstreamCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_calls_total",
			Help:      "Upstream completion calls by model and outcome.",
		}, []string{"model", "outcome"}),
		UpstreamLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_ms",
			Help:      "Upstream completion latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 15000, 30000},
		}, []string{"model"}),
		RateLimitDenials: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests denied by the per-session rate limiter.",
		}),
		StreamedDeltas: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streamed_deltas_total",
			Help:      "Reply deltas relayed to streaming clients.",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently held in memory.",
		}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		gatherer: reg,
	}
}

func (m *Metrics) ObserveRequest(transport, outcome string) {
	m.Requests.WithLabelValues(transport, outcome).Inc()
}

func (m *Metrics) ObserveUpstream(model, outcome string, d time.Duration) {
	m.UpstreamCalls.WithLabelValues(model, outcome).Inc()
	m.UpstreamLatency.WithLabelValues(model).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) RateLimitHit() {
	m.RateLimitDenials.Inc()
}

func (m *Metrics) StreamedTokens(n int) {
	m.StreamedDeltas.Add(float64(n))
}

func (m *Metrics) ObserveWSMessage(direction, kind string) {
	m.WSMessages.WithLabelValues(direction, kind).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}

// Handler serves the registry this Metrics was registered on.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
