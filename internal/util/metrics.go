package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkouts_total",
		Help: "Total number of checkout attempts by outcome",
	}, []string{"outcome"})

	CheckoutLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "checkout_latency_seconds",
		Help:    "Latency of the checkout unit of work",
		Buckets: prometheus.DefBuckets,
	})

	StockShortfallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_stock_shortfalls_total",
		Help: "Total number of reservations rejected for insufficient stock",
	})

	StockReleasedUnitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_released_units_total",
		Help: "Total number of stock units returned to products",
	})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Total number of applied order status transitions",
	}, []string{"from", "to"})

	OrdersPaidAfterCancelTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_paid_after_cancel_total",
		Help: "Payments that succeeded for orders that were already cancelled",
	})

	PaymentTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_transitions_total",
		Help: "Total number of applied payment status transitions",
	}, []string{"from", "to"})

	PaymentTransitionsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_transitions_skipped_total",
		Help: "Payment transitions ignored as duplicate or out of order",
	}, []string{"reason"})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Total number of gateway webhook deliveries by outcome",
	}, []string{"kind", "outcome"})

	DisputesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_disputes_total",
		Help: "Total number of disputes opened against payments",
	})

	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refunds_total",
		Help: "Total number of refunds by status",
	}, []string{"status"})

	GatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	GatewayErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_errors_total",
		Help: "Total number of failed payment gateway calls",
	}, []string{"op"})

	ReconciledPaymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciled_payments_total",
		Help: "Payments whose status was corrected by the reconciler",
	}, []string{"to"})

	EventPublishErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_publish_errors_total",
		Help: "Domain events that could not be written to Kafka",
	}, []string{"topic"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
