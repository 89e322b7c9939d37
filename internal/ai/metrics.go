package ai

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Engine's Prometheus collectors.
type Metrics struct {
	attempts     *prometheus.CounterVec
	tokens       *prometheus.CounterVec
	cost         *prometheus.CounterVec
	circuitState prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "uitestgen_ai_attempts_total",
			Help: "Model call attempts by operation and outcome.",
		}, []string{"operation", "outcome"}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "uitestgen_ai_tokens_total",
			Help: "Tokens consumed by model and kind (prompt, completion).",
		}, []string{"model", "kind"}),
		cost: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "uitestgen_ai_cost_dollars_total",
			Help: "Estimated spend by model.",
		}, []string{"model"}),
		circuitState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "uitestgen_ai_circuit_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}),
	}
}

func (m *Metrics) observeAttempt(op Operation, outcome Outcome) {
	m.attempts.WithLabelValues(string(op), string(outcome)).Inc()
}

func (m *Metrics) observeUsage(model string, promptTokens, completionTokens int, cost float64) {
	m.tokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	m.tokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	m.cost.WithLabelValues(model).Add(cost)
}

func (m *Metrics) setCircuitState(s CircuitState) {
	switch s.(type) {
	case Closed:
		m.circuitState.Set(0)
	case HalfOpen:
		m.circuitState.Set(1)
	case Open:
		m.circuitState.Set(2)
	}
}
