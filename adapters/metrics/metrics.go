// Package metrics provides Prometheus metrics collection for credmeter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for credmeter.
type Collector struct {
	// Charge metrics
	ChargesTotal       *prometheus.CounterVec // by usage_type
	ChargeFailures     *prometheus.CounterVec // by reason
	CreditsCharged     prometheus.Counter
	TxConflictRetries  prometheus.Counter

	// Refund metrics
	RefundsTotal     *prometheus.CounterVec // by kind: whole|partial
	DuplicateRefunds prometheus.Counter
	CreditsRefunded  prometheus.Counter
	RefundFailures   prometheus.Counter

	// Quota metrics
	QuotaDenials   *prometheus.CounterVec // by quota_type
	QuotaResets    prometheus.Counter
	SweepRuns      *prometheus.CounterVec // by kind: quota|subscription
	SweepFailures  *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
}

// New creates a new metrics collector registered on the default registry.
func New() *Collector {
	return newWith(promauto.With(prometheus.DefaultRegisterer))
}

// NewWithRegistry creates a collector on a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	return newWith(promauto.With(reg))
}

func newWith(factory promauto.Factory) *Collector {
	return &Collector{
		ChargesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "credmeter",
				Name:      "charges_total",
				Help:      "Total successful charges by usage type",
			},
			[]string{"usage_type"},
		),
		ChargeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "credmeter",
				Name:      "charge_failures_total",
				Help:      "Total failed charges by reason",
			},
			[]string{"reason"},
		),
		CreditsCharged: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "credmeter",
				Name:      "credits_charged_total",
				Help:      "Total credits deducted from ledgers",
			},
		),
		TxConflictRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "credmeter",
				Name:      "tx_conflict_retries_total",
				Help:      "Total charge retries after transaction conflicts",
			},
		),
		RefundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "credmeter",
				Name:      "refunds_total",
				Help:      "Total refunds issued by kind",
			},
			[]string{"kind"},
		),
		DuplicateRefunds: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "credmeter",
				Name:      "duplicate_refunds_total",
				Help:      "Total refund calls deduplicated by reference id",
			},
		),
		CreditsRefunded: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "credmeter",
				Name:      "credits_refunded_total",
				Help:      "Total credits returned to ledgers",
			},
		),
		RefundFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "credmeter",
				Name:      "refund_failures_total",
				Help:      "Total refund failures requiring manual reconciliation",
			},
		),
		QuotaDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "credmeter",
				Name:      "quota_denials_total",
				Help:      "Total denials for exhausted quota",
			},
			[]string{"quota_type"},
		),
		QuotaResets: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "credmeter",
				Name:      "quota_resets_total",
				Help:      "Total counters rolled into a new period",
			},
		),
		SweepRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "credmeter",
				Name:      "sweep_runs_total",
				Help:      "Total period sweep runs by kind",
			},
			[]string{"kind"},
		),
		SweepFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "credmeter",
				Name:      "sweep_failures_total",
				Help:      "Total period sweep failures by kind",
			},
			[]string{"kind"},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "credmeter",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "credmeter",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "credmeter",
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being processed",
			},
		),
	}
}
