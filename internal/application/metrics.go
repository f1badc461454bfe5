package application

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is shared by the services. A nil registerer builds unregistered
// collectors, which is what tests use.
type Metrics struct {
	allocations       *prometheus.CounterVec
	allocationLatency prometheus.Histogram
	proposals         *prometheus.CounterVec
	votes             *prometheus.CounterVec
	executions        *prometheus.CounterVec
	ledgerCalls       *prometheus.CounterVec
	ledgerRetries     prometheus.Counter
	ledgerDrift       *prometheus.CounterVec
	notifyFailures    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		allocations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "organledger_allocations_total",
			Help: "auto-match attempts by outcome",
		}, []string{"outcome"}),
		allocationLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "organledger_allocation_duration_seconds",
			Help:    "time spent ranking and committing one auto-match",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		proposals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "organledger_proposal_transitions_total",
			Help: "proposal status transitions",
		}, []string{"status"}),
		votes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "organledger_votes_total",
			Help: "votes recorded by choice",
		}, []string{"choice"}),
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "organledger_executions_total",
			Help: "proposal executions by result",
		}, []string{"result"}),
		ledgerCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "organledger_ledger_calls_total",
			Help: "ledger submits and queries by function and result",
		}, []string{"function", "result"}),
		ledgerRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "organledger_ledger_query_retries_total",
			Help: "ledger queries repeated because the ledger lagged or failed",
		}),
		ledgerDrift: f.NewCounterVec(prometheus.CounterOpts{
			Name: "organledger_ledger_drift_total",
			Help: "local records found to disagree with the ledger",
		}, []string{"kind"}),
		notifyFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "organledger_notification_failures_total",
			Help: "notifications that could not be delivered",
		}),
	}
}

func (m *Metrics) ledgerResult(function string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ledgerCalls.WithLabelValues(function, result).Inc()
}
