// Package metrics instruments the bundler executor with Prometheus
// counters and histograms, following the same promauto-constructor
// shape used throughout the donor AVS codebase's metrics package.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bundler_executor"

// ExecutorMetrics contains every metric emitted by the executor
// manager.
type ExecutorMetrics struct {
	bundlesSubmitted          *prometheus.CounterVec
	userOperationsSubmitted   *prometheus.CounterVec
	userOperationsResubmitted prometheus.Counter
	userOperationsOnChain     *prometheus.CounterVec
	userOperationInclusionDur prometheus.Histogram
	replacedTransactions      *prometheus.CounterVec
}

// New builds and registers the executor's metrics against reg.
func New(reg prometheus.Registerer) *ExecutorMetrics {
	return &ExecutorMetrics{
		bundlesSubmitted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bundles_submitted_total",
				Help:      "Bundles dispatched to the executor, labeled by overall status",
			}, []string{"status"}),

		userOperationsSubmitted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "user_operations_submitted_total",
				Help:      "User operations dispatched to the executor, labeled by per-op outcome",
			}, []string{"status"}),

		userOperationsResubmitted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "user_operations_resubmitted_total",
				Help:      "User operations returned to the mempool for resubmission",
			}),

		userOperationsOnChain: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "user_operations_onchain_total",
				Help:      "User operations whose transaction status was resolved on chain",
			}, []string{"status"}),

		userOperationInclusionDur: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "user_operation_inclusion_duration_seconds",
				Help:      "Time from first submission to on-chain inclusion",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			}),

		replacedTransactions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replaced_transactions_total",
				Help:      "Replace-by-fee attempts, labeled by reason and outcome",
			}, []string{"reason", "status"}),
	}
}

func (m *ExecutorMetrics) IncBundlesSubmitted(status string) {
	m.bundlesSubmitted.WithLabelValues(status).Inc()
}

func (m *ExecutorMetrics) AddUserOperationsSubmitted(status string, n float64) {
	if n <= 0 {
		return
	}
	m.userOperationsSubmitted.WithLabelValues(status).Add(n)
}

func (m *ExecutorMetrics) IncUserOperationsResubmitted() {
	m.userOperationsResubmitted.Inc()
}

func (m *ExecutorMetrics) AddUserOperationsOnChain(status string, n float64) {
	if n <= 0 {
		return
	}
	m.userOperationsOnChain.WithLabelValues(status).Add(n)
}

func (m *ExecutorMetrics) ObserveUserOperationInclusionDuration(seconds float64) {
	m.userOperationInclusionDur.Observe(seconds)
}

func (m *ExecutorMetrics) IncReplacedTransactions(reason, status string) {
	m.replacedTransactions.WithLabelValues(reason, status).Inc()
}
