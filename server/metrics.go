package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Requests    *prometheus.CounterVec
	Forward     prometheus.Histogram
	Tokens      prometheus.Counter
	Context     prometheus.Gauge
	Connections prometheus.Gauge
}

// NewMetrics registers the engine metrics on reg. Each server gets its own
// registry so tests can build several side by side.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "slm_requests_total",
			Help: "Step requests handled, by outcome (reset, continue, finished, error)",
		}, []string{"outcome"}),
		Forward: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "slm_forward_seconds",
			Help:    "Duration of one full forward pass",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		Tokens: f.NewCounter(prometheus.CounterOpts{
			Name: "slm_tokens_generated_total",
			Help: "Tokens sampled and appended to the session",
		}),
		Context: f.NewGauge(prometheus.GaugeOpts{
			Name: "slm_context_tokens",
			Help: "Current length of the session token sequence",
		}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "slm_active_connections",
			Help: "Open websocket connections",
		}),
	}
}
