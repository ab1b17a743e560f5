// Package metrics holds the Prometheus collectors for the ledger and the
// payment paths. They register on the default registry and are served at
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peachcredit_notifications_total",
		Help: "Payment notifications handled, by gateway and outcome.",
	}, []string{"gateway", "outcome"})

	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peachcredit_settlements_total",
		Help: "Settle calls, by gateway, path and result (settled, duplicate, error).",
	}, []string{"gateway", "path", "result"})

	CreditsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peachcredit_credits_granted_total",
		Help: "Credits granted for settled payments.",
	}, []string{"gateway"})

	LateSuccess = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peachcredit_late_success_total",
		Help: "Success reports for orders already terminally failed; needs operator review.",
	}, []string{"gateway"})

	RejectedOrders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peachcredit_rejected_orders_total",
		Help: "Settled payments whose order did not match the package catalogue.",
	}, []string{"gateway", "reason"})

	StatusQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peachcredit_status_queries_total",
		Help: "Outbound payment status queries, by gateway and result.",
	}, []string{"gateway", "result"})

	Debits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peachcredit_debits_total",
		Help: "Priced operation debits, by tier and result (ok, insufficient, error).",
	}, []string{"tier", "result"})

	Refunds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peachcredit_refunds_total",
		Help: "Refunds after failed operations, by tier.",
	}, []string{"tier"})

	// RefundFailures is the alerting signal for balance drift.
	RefundFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peachcredit_refund_failures_total",
		Help: "Refunds that could not be written after a failed operation.",
	}, []string{"tier"})

	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "peachcredit_operation_duration_seconds",
		Help:    "Duration of priced operations.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"tier", "result"})

	FeedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peachcredit_feed_clients",
		Help: "Connected balance feed websockets.",
	})
)
