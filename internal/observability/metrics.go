package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

// Matching server.
var (
	MatchesTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Total number of rides matched to a driver"})
	MatchLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Time from ride request to driver acceptance"})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of drivers connected to the event channel"})
	OffersTotal   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_total", Help: "Ride offers sent to drivers by outcome"},
		[]string{"outcome"},
	)
	NoDriversTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "no_drivers_total", Help: "Rides that ran out of candidate drivers"})
	CancellationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cancellations_total", Help: "Cancelled rides by initiator"},
		[]string{"cancelled_by"},
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

// Rider and driver clients.
var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "client", Name: "transitions_total", Help: "Ride state transitions applied"},
		[]string{"from", "to"},
	)
	DroppedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "client", Name: "dropped_events_total", Help: "Events dropped as invalid for the current state"},
		[]string{"event", "state"},
	)
	TimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "client", Name: "timeouts_total", Help: "Supervisor timers that fired"},
		[]string{"state"},
	)
	ChannelReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "client", Name: "channel_reconnects_total", Help: "Event channel reconnections"})
	ChannelDialErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "client", Name: "channel_dial_errors_total", Help: "Failed event channel dials"})
)
