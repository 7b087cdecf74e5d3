package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReservationsTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "bus_booking", Name: "reservations_total", Help: "Seat holds created"})
	SeatConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "bus_booking", Name: "seat_conflicts_total", Help: "Reservation attempts rejected on seat conflict"})
	CommitsTotal       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "bus_booking", Name: "commits_total", Help: "Holds committed into bookings"})

	ConnectionsActive   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "bus_booking", Name: "connections_active", Help: "Live websocket connections"})
	BroadcastDropsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "bus_booking", Name: "broadcast_drops_total", Help: "Frames dropped because a session send queue was full"})
	BroadcastsTotal     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "bus_booking", Name: "broadcasts_total", Help: "Room broadcasts published"},
		[]string{"event"},
	)

	MessagesTotal          = promauto.NewCounter(prometheus.CounterOpts{Namespace: "bus_booking", Name: "chat_messages_total", Help: "Chat messages persisted and broadcast"})
	LocationUpdatesTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "bus_booking", Name: "location_updates_total", Help: "Location pings accepted"})
	LocationUpdatesDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "bus_booking", Name: "location_updates_dropped_total", Help: "Location pings dropped (tracking off, bad coordinates or wrong sender)"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "bus_booking", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bus_booking",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
