// Package metrics exposes Prometheus collectors for the payment flows.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the service's Prometheus metrics.
type Collector struct {
	collections   *prometheus.CounterVec
	disbursements *prometheus.CounterVec
	mutations     *prometheus.CounterVec
	driftDetected *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
}

// NewCollector creates the collectors under the given namespace.
func NewCollector(namespace string) *Collector {
	return &Collector{
		collections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collections_total",
				Help:      "Inbound payment events by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		disbursements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "disbursements_total",
				Help:      "Disbursement requests by terminal outcome",
			},
			[]string{"outcome"},
		),
		mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wallet_mutations_total",
				Help:      "Ledger writes by transaction type and replay flag",
			},
			[]string{"type", "replayed"},
		),
		driftDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliation_drift_total",
				Help:      "Reconciliation runs that found cached/recomputed drift",
			},
			[]string{"wallet_id"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status class",
			},
			[]string{"route", "status"},
		),
		httpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
			},
			[]string{"route"},
		),
	}
}

// Register registers all collectors with the registry.
func (c *Collector) Register(registry *prometheus.Registry) error {
	for _, col := range []prometheus.Collector{
		c.collections,
		c.disbursements,
		c.mutations,
		c.driftDetected,
		c.httpRequests,
		c.httpLatency,
	} {
		if err := registry.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// RecordCollection counts one inbound payment outcome
// (credited | replayed | parked | error).
func (c *Collector) RecordCollection(channel, outcome string) {
	c.collections.WithLabelValues(channel, outcome).Inc()
}

// RecordDisbursement counts one disbursement outcome.
func (c *Collector) RecordDisbursement(outcome string) {
	c.disbursements.WithLabelValues(outcome).Inc()
}

// RecordMutation counts one ledger write.
func (c *Collector) RecordMutation(txType string, replayed bool) {
	label := "false"
	if replayed {
		label = "true"
	}
	c.mutations.WithLabelValues(txType, label).Inc()
}

// RecordDrift counts a reconciliation run that found drift.
func (c *Collector) RecordDrift(walletID string) {
	c.driftDetected.WithLabelValues(walletID).Inc()
}

// RecordHTTP counts one handled request.
func (c *Collector) RecordHTTP(route, status string, took time.Duration) {
	c.httpRequests.WithLabelValues(route, status).Inc()
	c.httpLatency.WithLabelValues(route).Observe(took.Seconds())
}
