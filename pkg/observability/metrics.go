package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the bridge.
type Metrics struct {
	registry *prometheus.Registry

	ActiveCalls   prometheus.Gauge
	CallEvents    *prometheus.CounterVec
	WebhookEvents *prometheus.CounterVec
	MediaFrames   *prometheus.CounterVec
	TurnWait      prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ActiveCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of live call sessions.",
		}),
		CallEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call lifecycle events by type.",
		}, []string{"event"}),
		WebhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Inbound webhook deliveries by variant and outcome.",
		}, []string{"variant", "outcome"}),
		MediaFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_frames_total",
			Help:      "Media frames by direction.",
		}, []string{"direction"}),
		TurnWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_wait_seconds",
			Help:      "Time spent waiting for a human turn to complete.",
			Buckets:   []float64{0.5, 1, 2, 3, 5, 8, 12, 15},
		}),
	}
}

func (m *Metrics) ObserveTurnWait(d time.Duration) {
	m.TurnWait.Observe(d.Seconds())
}

// Handler serves this metrics set's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
