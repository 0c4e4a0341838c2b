package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the hive gateway.
type Metrics struct {
	RequestTotal      *prometheus.CounterVec
	RequestDurationMs *prometheus.HistogramVec
	CostUSDTotal      *prometheus.CounterVec
	CircuitState      *prometheus.GaugeVec
	DegradedTotal     *prometheus.CounterVec
	SwarmAgreement    prometheus.Histogram
	SwarmResultTotal  *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_request_total",
			Help: "Total number of dispatched calls.",
		}, []string{"tenant", "capability", "endpoint", "goal", "outcome"}),

		RequestDurationMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hive_request_duration_ms",
			Help:    "Dispatched call duration in milliseconds.",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"endpoint"}),

		CostUSDTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_cost_usd_total",
			Help: "Estimated total cost in USD.",
		}, []string{"tenant", "endpoint"}),

		CircuitState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hive_circuit_state",
			Help: "Circuit breaker state per endpoint (0=closed, 1=open, 2=half_open).",
		}, []string{"endpoint"}),

		DegradedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_degraded_route_total",
			Help: "Calls routed in forced degraded mode.",
		}, []string{"capability"}),

		SwarmAgreement: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "hive_swarm_agreement_score",
			Help:    "Agreement score of completed swarm tasks.",
			Buckets: []float64{0.1, 0.25, 0.5, 0.6, 0.75, 0.9, 1.0},
		}),

		SwarmResultTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_swarm_result_total",
			Help: "Swarm executions by final status.",
		}, []string{"status"}),
	}
}

// RequestLabels holds the label values for recording a dispatched call.
type RequestLabels struct {
	Tenant     string
	Capability string
	Endpoint   string
	Goal       string
	Outcome    string
	DurationMs float64
	CostUSD    float64
}

// RecordRequest records metrics for one resolved call.
func (m *Metrics) RecordRequest(labels RequestLabels) {
	m.RequestTotal.WithLabelValues(
		labels.Tenant, labels.Capability, labels.Endpoint, labels.Goal, labels.Outcome,
	).Inc()

	m.RequestDurationMs.WithLabelValues(labels.Endpoint).Observe(labels.DurationMs)

	if labels.CostUSD > 0 {
		m.CostUSDTotal.WithLabelValues(labels.Tenant, labels.Endpoint).Add(labels.CostUSD)
	}
}

// RecordDegraded records a forced degraded-mode route.
func (m *Metrics) RecordDegraded(capability string) {
	m.DegradedTotal.WithLabelValues(capability).Inc()
}

// SetCircuitState exports an endpoint's circuit state.
func (m *Metrics) SetCircuitState(endpoint string, state float64) {
	m.CircuitState.WithLabelValues(endpoint).Set(state)
}

// RecordSwarm records a completed swarm execution.
func (m *Metrics) RecordSwarm(status string, agreement float64) {
	m.SwarmResultTotal.WithLabelValues(status).Inc()
	m.SwarmAgreement.Observe(agreement)
}
