package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveTasks      prometheus.Gauge
	ConnectedClients prometheus.Gauge
	TaskEvents       *prometheus.CounterVec
	UpstreamCalls    *prometheus.CounterVec
	UpstreamLatency  prometheus.Histogram
	WSMessages       *prometheus.CounterVec
	RateLimited      prometheus.Counter

	upstream *upstreamWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		upstream: newUpstreamWindow(256),
		ActiveTasks: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Number of scheduled share tasks currently alive.",
		}),
		ConnectedClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Number of clients holding a live websocket.",
		}),
		TaskEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by type.",
		}, []string{"event"}),
		UpstreamCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_calls_total",
			Help:      "Upstream unit-of-work calls by outcome.",
		}, []string{"outcome"}),
		UpstreamLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_ms",
			Help:      "Latency of upstream unit-of-work calls in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 15000},
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		RateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "API requests rejected by the per-IP rate limiter.",
		}),
	}
}

// The Observe helpers are nil-safe so components can run without metrics.

func (m *Metrics) ObserveTaskEvent(event string) {
	if m == nil {
		return
	}
	m.TaskEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveTasks(n int) {
	if m == nil {
		return
	}
	m.ActiveTasks.Set(float64(n))
}

func (m *Metrics) SetConnectedClients(n int) {
	if m == nil {
		return
	}
	m.ConnectedClients.Set(float64(n))
}

func (m *Metrics) ObserveUpstreamCall(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamCalls.WithLabelValues(outcome).Inc()
	m.UpstreamLatency.Observe(float64(d.Milliseconds()))
	m.upstream.Observe(outcome, float64(d.Microseconds())/1000)
}

// UpstreamSnapshot reports recent upstream latency per outcome.
func (m *Metrics) UpstreamSnapshot() UpstreamSnapshot {
	if m == nil {
		return UpstreamSnapshot{GeneratedAt: time.Now().UTC(), Outcomes: []OutcomeStats{}}
	}
	return m.upstream.Snapshot()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
