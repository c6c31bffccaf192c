package llm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for outbound generation calls.
type Metrics struct {
	// Calls by provider and outcome: ok, error, timeout, empty, short_circuit
	Requests *prometheus.CounterVec

	// Latency of attempted calls by provider
	Latency *prometheus.HistogramVec

	// 1 while the provider circuit is open
	CircuitOpen *prometheus.GaugeVec
}

// NewMetrics registers the LLM metrics with the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		Requests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "loanflow_llm_requests_total",
			Help: "Total LLM generation calls by provider and outcome",
		}, []string{"provider", "outcome"}),

		Latency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loanflow_llm_request_duration_seconds",
			Help:    "Duration of attempted LLM generation calls",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}, []string{"provider"}),

		CircuitOpen: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loanflow_llm_circuit_open",
			Help: "Whether the LLM provider circuit breaker is open (1) or closed (0)",
		}, []string{"provider"}),
	}
}

func (m *Metrics) IncrementRequest(provider, outcome string) {
	if m != nil {
		m.Requests.WithLabelValues(provider, outcome).Inc()
	}
}

func (m *Metrics) ObserveLatency(provider string, d time.Duration) {
	if m != nil {
		m.Latency.WithLabelValues(provider).Observe(d.Seconds())
	}
}

func (m *Metrics) SetCircuitOpen(provider string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.CircuitOpen.WithLabelValues(provider).Set(v)
}
