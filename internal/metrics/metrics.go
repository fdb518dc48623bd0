// Package metrics exposes the prometheus collectors for the transaction core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry              *prometheus.Registry
	transactionsProcessed *prometheus.CounterVec
	transactionsFailed    *prometheus.CounterVec
	transactionDuration   *prometheus.HistogramVec
	fraudFailures         *prometheus.CounterVec
	fraudDuration         prometheus.Histogram
	fraudRiskScore        prometheus.Histogram
	invariantViolations   prometheus.Counter
	reconciled            *prometheus.CounterVec
	outboxPublished       prometheus.Counter
	outboxFailed          prometheus.Counter
}

// New registers every collector on a private registry so tests can build
// as many as they like.
func New() *Collector {
	registry := prometheus.NewRegistry()
	f := promauto.With(registry)

	return &Collector{
		registry: registry,
		transactionsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "transactions_processed_total",
			Help: "Total number of completed transactions",
		}, []string{"type"}),
		transactionsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "transactions_failed_total",
			Help: "Total number of rejected or failed transactions",
		}, []string{"type", "reason"}),
		transactionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transaction_processing_duration_seconds",
			Help:    "Time taken to process a transaction",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		fraudFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_check_failures_total",
			Help: "Fraud checks that did not return a decision and failed open",
		}, []string{"type", "reason"}),
		fraudDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fraud_check_duration_seconds",
			Help:    "Latency of the fraud service call",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5},
		}),
		fraudRiskScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "transaction_risk_score_distribution",
			Help:    "Distribution of fraud risk scores",
			Buckets: []float64{0, 20, 40, 60, 80, 100},
		}),
		invariantViolations: f.NewCounter(prometheus.CounterOpts{
			Name: "invariant_violations_total",
			Help: "Ledger or balance invariant violations. Any increase needs a human",
		}),
		reconciled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "transactions_reconciled_total",
			Help: "Stuck transactions force-failed by the reconciler",
		}, []string{"status"}),
		outboxPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Outbox events delivered to Kafka",
		}),
		outboxFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Failed outbox publish attempts",
		}),
	}
}

func (c *Collector) TransactionCompleted(txType string, d time.Duration) {
	c.transactionsProcessed.WithLabelValues(txType).Inc()
	c.transactionDuration.WithLabelValues(txType).Observe(d.Seconds())
}

func (c *Collector) TransactionFailed(txType, reason string) {
	c.transactionsFailed.WithLabelValues(txType, reason).Inc()
}

// FraudCheckFailed counts a fail-open fraud evaluation.
func (c *Collector) FraudCheckFailed(txType, reason string) {
	c.fraudFailures.WithLabelValues(txType, reason).Inc()
}

func (c *Collector) FraudCheckObserved(d time.Duration, riskScore int) {
	c.fraudDuration.Observe(d.Seconds())
	c.fraudRiskScore.Observe(float64(riskScore))
}

func (c *Collector) InvariantViolation() { c.invariantViolations.Inc() }

func (c *Collector) Reconciled(status string) { c.reconciled.WithLabelValues(status).Inc() }

func (c *Collector) OutboxPublished() { c.outboxPublished.Inc() }

func (c *Collector) OutboxFailed() { c.outboxFailed.Inc() }

// Registry is exposed for tests and for composing with other collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
