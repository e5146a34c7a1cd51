// Package metrics exposes escrow engine counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"escrowline/internal/domain"
)

const namespace = "escrow"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	operations *prometheus.CounterVec
	conflicts  *prometheus.CounterVec
	moved      *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Escrow operations by name and outcome.",
		}, []string{"op", "outcome"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Optimistic version checks lost, before retry.",
		}, []string{"op"}),
		moved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "funds_moved_total",
			Help:      "Minor currency units recorded in the ledger by entry kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.conflicts, m.moved)
	}
	return m
}

// Outcome classifies an operation result for the outcome label.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindNotFound:
		return "rejected"
	case domain.KindConflict:
		return "conflict"
	}
	return "error"
}

func (m *Metrics) ObserveOperation(op string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, Outcome(err)).Inc()
}

func (m *Metrics) VersionConflict(op string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(op).Inc()
}

func (m *Metrics) FundsMoved(entries []domain.LedgerEntry) {
	if m == nil {
		return
	}
	for _, e := range entries {
		m.moved.WithLabelValues(string(e.Kind)).Add(float64(e.Amount))
	}
}
