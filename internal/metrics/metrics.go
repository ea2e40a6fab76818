// Package metrics exposes pipeline counters for the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for the processed-transactions counter.
const (
	OutcomeSaved     = "saved"
	OutcomeDuplicate = "duplicate"
	OutcomeBlocked   = "blocked"
	OutcomeError     = "error"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	Processed *prometheus.CounterVec
	Parsed    *prometheus.CounterVec
	Pending   prometheus.Gauge
	Sweeps    prometheus.Counter
}

// New registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Processed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smsledger_transactions_processed_total",
			Help: "Transactions run through the save pipeline, by outcome.",
		}, []string{"outcome"}),
		Parsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smsledger_messages_parsed_total",
			Help: "SMS messages parsed, by parser name.",
		}, []string{"parser"}),
		Pending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "smsledger_pending_transactions",
			Help: "Pending transactions awaiting confirmation.",
		}),
		Sweeps: factory.NewCounter(prometheus.CounterOpts{
			Name: "smsledger_autosave_sweeps_total",
			Help: "Auto-save sweep runs.",
		}),
	}
}

// NewNop returns metrics backed by a throwaway registry. Used by tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
