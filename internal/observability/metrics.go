package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_coordinator"

var (
	RidesCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_created_total", Help: "Ride requests created"})

	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Successful ride status transitions by target status"},
		[]string{"status"},
	)

	AcceptConflicts    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_conflicts_total", Help: "Accept attempts that lost the claim race"})
	IllegalTransitions = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "illegal_transitions_total", Help: "Rejected status transitions"})
	AcceptLatency      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "accept_latency_seconds", Help: "Time from ride creation to acceptance", Buckets: prometheus.ExponentialBuckets(1, 2, 10)})

	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})
	LocationReports = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_reports_total", Help: "Driver position reports accepted"})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Events published on the bus by type"},
		[]string{"type"},
	)
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Events dropped because a subscriber buffer was full"})
	Subscribers   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "bus_subscribers", Help: "Active bus subscriptions"})

	ReconcileRuns  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "reconcile_runs_total", Help: "Reconciliation sweeps executed"})
	PendingExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "pending_expired_total", Help: "Pending requests cancelled by expiry"})
	TripsRepaired  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_repaired_total", Help: "Completed rides whose trip was closed by the reconciler"})

	KafkaWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "kafka_write_errors_total", Help: "Failed Kafka writes by topic"},
		[]string{"topic"},
	)

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
