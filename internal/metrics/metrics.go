// Package metrics exposes Prometheus instruments for the rule policy.
// Instruments live on a caller-supplied registry so that tests and CLI runs
// never share global state. All recording methods are nil-safe.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "rulepolicy"

	predictionSubsystem = "prediction"
	trainingSubsystem   = "training"
)

// Metrics groups the policy instruments.
type Metrics struct {
	registry *prometheus.Registry

	// PredictionsTotal counts predictions by source.
	// Labels: source (rules, loop, default, fallback, none)
	PredictionsTotal *prometheus.CounterVec

	// LoopInterruptionsTotal counts predictions that told a loop to skip validation.
	LoopInterruptionsTotal prometheus.Counter

	// ContradictionsTotal counts contradicting training steps found.
	ContradictionsTotal prometheus.Counter

	// RuleRestrictionViolationsTotal counts rule trackers with too many user turns.
	RuleRestrictionViolationsTotal prometheus.Counter

	// MemorizedRules tracks the size of each lookup table.
	// Labels: table (rules, rules_for_loop_unhappy_path)
	MemorizedRules *prometheus.GaugeVec

	// TrainingDurationSeconds measures complete training runs.
	// Labels: status (success, error)
	TrainingDurationSeconds *prometheus.HistogramVec
}

// New registers the instruments on a fresh private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		PredictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: predictionSubsystem,
			Name:      "total",
			Help:      "Predictions made by the rule policy, by source",
		}, []string{"source"}),

		LoopInterruptionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: predictionSubsystem,
			Name:      "loop_interruptions_total",
			Help:      "Predictions that interrupted an active loop without validation",
		}),

		ContradictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: trainingSubsystem,
			Name:      "contradictions_total",
			Help:      "Training steps contradicted by the memorized tables",
		}),

		RuleRestrictionViolationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: trainingSubsystem,
			Name:      "rule_restriction_violations_total",
			Help:      "Rule trackers rejected for containing too many user turns",
		}),

		MemorizedRules: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: trainingSubsystem,
			Name:      "memorized_rules",
			Help:      "Entries in each lookup table after the last successful training",
		}, []string{"table"}),

		TrainingDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: trainingSubsystem,
			Name:      "duration_seconds",
			Help:      "Duration of training runs",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"status"}),
	}
}

// Registry returns the private registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// =============================================================================
// Recording Functions
// =============================================================================

// RecordPrediction counts one prediction from source.
func (m *Metrics) RecordPrediction(source string) {
	if m == nil {
		return
	}
	if source == "" {
		source = "none"
	}
	m.PredictionsTotal.WithLabelValues(source).Inc()
}

// RecordLoopInterruption counts one loop interruption.
func (m *Metrics) RecordLoopInterruption() {
	if m == nil {
		return
	}
	m.LoopInterruptionsTotal.Inc()
}

// RecordContradictions adds n contradicting steps.
func (m *Metrics) RecordContradictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ContradictionsTotal.Add(float64(n))
}

// RecordRuleRestrictionViolations adds n offending rule trackers.
func (m *Metrics) RecordRuleRestrictionViolations(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RuleRestrictionViolationsTotal.Add(float64(n))
}

// SetTableSize records the size of a lookup table.
func (m *Metrics) SetTableSize(table string, size int) {
	if m == nil {
		return
	}
	m.MemorizedRules.WithLabelValues(table).Set(float64(size))
}

// RecordTraining observes one training run.
func (m *Metrics) RecordTraining(seconds float64, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.TrainingDurationSeconds.WithLabelValues(status).Observe(seconds)
}

// WriteTextfile writes the registry in the text exposition format to path,
// creating parent directories as needed.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
