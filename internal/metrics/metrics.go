package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reservation metrics
	ReservationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parking_reservation_outcomes_total",
			Help: "Terminal reservation session outcomes",
		},
		[]string{"outcome", "reason"},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parking_reservation_commit_duration_seconds",
			Help:    "Time spent in the atomic reservation commit",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	ReleasesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parking_reservation_releases_total",
			Help: "Reservations released by their owner",
		},
	)

	// Reconciliation metrics
	Reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parking_reconciliations_total",
			Help: "Expired reservation reconciliation attempts",
		},
		[]string{"result"},
	)

	// Store metrics
	StoreConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parking_store_conflicts_total",
			Help: "Optimistic conditional updates retried after a conflicting write",
		},
	)

	MalformedRecords = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parking_malformed_records_total",
			Help: "Slot records observed violating the slot invariant",
		},
	)

	// Availability metrics
	AvailabilitySubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parking_availability_subscribers",
			Help: "Number of live availability stream subscribers",
		},
	)

	SlotsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "parking_slots",
			Help: "Slots per effective status in the latest snapshot",
		},
		[]string{"status"},
	)

	// Event feed metrics
	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parking_events_dropped_total",
			Help: "Slot events not delivered to the broker",
		},
		[]string{"reason"},
	)

	// HTTP edge metrics
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parking_http_rate_limited_total",
			Help: "Requests refused by the reservation rate limiter",
		},
		[]string{"route"},
	)

	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parking_http_cache_lookups_total",
			Help: "Response cache lookups by result",
		},
		[]string{"result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		ReservationOutcomes,
		CommitDuration,
		ReleasesTotal,
		Reconciliations,
		StoreConflicts,
		MalformedRecords,
		AvailabilitySubscribers,
		SlotsByStatus,
		EventsDropped,
		RateLimited,
		CacheLookups,
	)
}

// Handler exposes the default registry for GET /metrics.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
