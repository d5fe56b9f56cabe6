package internal

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Randomization outcomes recorded by Telemetry.RandomizationOutcome.
const (
	outcomeAssigned        = "assigned"
	outcomeDepleted        = "depleted"
	outcomeMismatch        = "mismatch"
	outcomeRestart         = "restart"
	outcomeChallengeFailed = "challenge_failed"
)

// Telemetry holds the Prometheus collectors of the core. A nil *Telemetry
// is valid and records nothing.
type Telemetry struct {
	reportLatency  *prometheus.HistogramVec
	reportRows     *prometheus.CounterVec
	randomizations *prometheus.CounterVec
	treeMutations  *prometheus.CounterVec
}

// NewTelemetry registers the collectors with reg under namespace.
func NewTelemetry(reg prometheus.Registerer, namespace string) *Telemetry {
	factory := promauto.With(reg)
	return &Telemetry{
		reportLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "report",
			Name:      "build_seconds",
			Help:      "Report build latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"schema"}),
		reportRows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "report",
			Name:      "rows_total",
			Help:      "Rows emitted by report builds",
		}, []string{"schema"}),
		randomizations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "randomization",
			Name:      "outcomes_total",
			Help:      "Randomization steps by outcome",
		}, []string{"outcome"}),
		treeMutations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schema",
			Name:      "tree_mutations_total",
			Help:      "Attribute tree mutations by operation",
		}, []string{"op"}),
	}
}

// ReportBuilt records one report build.
func (t *Telemetry) ReportBuilt(schema string, elapsed time.Duration, rows int) {
	if t == nil {
		return
	}
	t.reportLatency.WithLabelValues(schema).Observe(elapsed.Seconds())
	t.reportRows.WithLabelValues(schema).Add(float64(rows))
}

// RandomizationOutcome counts one randomization step result.
func (t *Telemetry) RandomizationOutcome(outcome string) {
	if t == nil {
		return
	}
	t.randomizations.WithLabelValues(outcome).Inc()
}

// TreeMutation counts one structural change to an attribute tree.
func (t *Telemetry) TreeMutation(op string) {
	if t == nil {
		return
	}
	t.treeMutations.WithLabelValues(op).Inc()
}
