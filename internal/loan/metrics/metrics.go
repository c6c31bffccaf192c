package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the loan module.
type Metrics struct {
	// Pipeline stage latencies by stage name
	StageLatency *prometheus.HistogramVec

	// Pipeline outcomes by final status reached by the run
	PipelineOutcome *prometheus.CounterVec

	// Pipeline runs currently in flight
	ActiveRuns prometheus.Gauge

	// Manager decisions by decision
	ManagerDecisions *prometheus.CounterVec

	// External store failures by store and operation
	StoreErrors *prometheus.CounterVec

	// Published timeline events by sink and outcome
	EventsPublished *prometheus.CounterVec

	// Open websocket subscriptions
	LiveSubscribers prometheus.Gauge
}

// New creates a new Metrics instance with all loan module metrics registered.
func New() *Metrics {
	return &Metrics{
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loanflow_pipeline_stage_duration_seconds",
			Help:    "Duration of loan pipeline stages",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}), // stage: "kyc", "underwriting", "text"

		PipelineOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "loanflow_pipeline_outcomes_total",
			Help: "Total pipeline runs by resulting loan status",
		}, []string{"status"}),

		ActiveRuns: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "loanflow_pipeline_active_runs",
			Help: "Pipeline runs currently executing",
		}),

		ManagerDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "loanflow_manager_decisions_total",
			Help: "Total manager decisions by outcome",
		}, []string{"decision"}),

		StoreErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "loanflow_store_errors_total",
			Help: "External store failures by store and operation",
		}, []string{"store", "op"}),

		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "loanflow_events_published_total",
			Help: "Timeline events handed to sinks by sink and outcome",
		}, []string{"sink", "outcome"}),

		LiveSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "loanflow_live_subscribers",
			Help: "Open websocket subscriptions to loan updates",
		}),
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m != nil {
		m.StageLatency.WithLabelValues(stage).Observe(d.Seconds())
	}
}

func (m *Metrics) IncrementOutcome(status string) {
	if m != nil {
		m.PipelineOutcome.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) RunStarted() {
	if m != nil {
		m.ActiveRuns.Inc()
	}
}

func (m *Metrics) RunFinished() {
	if m != nil {
		m.ActiveRuns.Dec()
	}
}

func (m *Metrics) IncrementManagerDecision(decision string) {
	if m != nil {
		m.ManagerDecisions.WithLabelValues(decision).Inc()
	}
}

func (m *Metrics) IncrementStoreError(store, op string) {
	if m != nil {
		m.StoreErrors.WithLabelValues(store, op).Inc()
	}
}

func (m *Metrics) IncrementEvent(sink, outcome string) {
	if m != nil {
		m.EventsPublished.WithLabelValues(sink, outcome).Inc()
	}
}

func (m *Metrics) SubscriberAdded() {
	if m != nil {
		m.LiveSubscribers.Inc()
	}
}

func (m *Metrics) SubscriberRemoved() {
	if m != nil {
		m.LiveSubscribers.Dec()
	}
}
