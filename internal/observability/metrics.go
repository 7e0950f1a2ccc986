package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "delivery_dispatch"

var (
	OffersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_total", Help: "Order offers by outcome"},
		[]string{"outcome"},
	)
	AcceptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accepts_total", Help: "Accept attempts by result"},
		[]string{"result"},
	)
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "order_transitions_total", Help: "Successful order transitions by target status"},
		[]string{"to"},
	)
	ReassignmentsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "reassignments_total", Help: "Orders reverted to pending after a driver went offline"})
	OfferLatency       = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "offer_to_accept_seconds", Help: "Time from offer to accepted"})

	Connections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "connections", Help: "Connected channels by role"},
		[]string{"role"},
	)
	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notifications_dropped_total", Help: "Outbound messages dropped because a channel queue was full or closed"})
	EventsDropped        = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Internal bus events a subscriber missed"},
		[]string{"bus"},
	)
	EarningsCreditedCents = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "earnings_credited_cents_total", Help: "Driver compensation credited, in cents"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
