package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StockReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_reservations_total",
		Help: "Stock reserve attempts by result",
	}, []string{"result"})

	StockReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stock_reserve_latency_seconds",
		Help:    "Latency of stock reserve operations",
		Buckets: prometheus.DefBuckets,
	})

	StockReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_released_units_total",
		Help: "Units moved from reserved back to available",
	})

	StockCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_committed_units_total",
		Help: "Units moved from reserved to sold",
	})

	StockAnomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_anomalies_total",
		Help: "Release or commit calls clamped to the reserved quantity",
	}, []string{"operation"})

	CheckoutSessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_sessions_started_total",
		Help: "Checkout sessions opened with the payment provider",
	})

	CheckoutSessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_sessions_finished_total",
		Help: "Checkout sessions reaching a terminal status",
	}, []string{"status"})

	ProviderFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_provider_failures_total",
		Help: "Failed payment provider session requests",
	})

	ProviderLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_provider_latency_seconds",
		Help:    "Latency of payment provider session requests",
		Buckets: prometheus.DefBuckets,
	})

	WebhooksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_received_total",
		Help: "Webhook deliveries by result",
	}, []string{"result"})

	FulfillmentOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_events_total",
		Help: "Fulfillment processing outcomes",
	}, []string{"outcome"})

	FulfillmentRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fulfillment_retries_total",
		Help: "Fulfillment messages requeued after a failure",
	})

	FulfillmentDeadLettersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fulfillment_dead_letters_total",
		Help: "Fulfillment messages moved to the dead-letter queue",
	})

	FulfillmentLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fulfillment_processing_latency_seconds",
		Help:    "Latency of a single fulfillment attempt",
		Buckets: prometheus.DefBuckets,
	})

	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	LatePaymentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "late_payments_total",
		Help: "Payments completed for sessions that had already expired or been cancelled",
	})

	PaymentMismatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_amount_mismatches_total",
		Help: "Completed payments whose amount or currency did not match the snapshot",
	})

	ReaperSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reaper_sweep_items_total",
		Help: "Items handled by the reservation reaper by kind",
	}, []string{"kind"})

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
