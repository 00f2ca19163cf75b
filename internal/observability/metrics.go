package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	OrdersRegistered = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "orders_registered_total", Help: "Pending orders placed into rebroadcast rotation"})
	OrdersScheduled  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "orders_scheduled", Help: "Pending orders currently in rotation"})
	Rebroadcasts     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "order_rebroadcasts_total", Help: "order.available publishes, including the initial one"})
	AcceptOutcomes   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accept_attempts_total", Help: "Accept attempts by outcome"},
		[]string{"outcome"},
	)
	AcceptLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "accept_latency_seconds", Help: "Time spent resolving an accept attempt", Buckets: prometheus.DefBuckets})

	SamplesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_samples_total", Help: "Location samples published by channel"},
		[]string{"channel"},
	)
	SamplesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_samples_rejected_total", Help: "Location samples rejected by reason"},
		[]string{"reason"},
	)
	CacheWriteErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_cache_write_errors_total", Help: "Failed location cache writes"})
	MirrorErrors     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_mirror_errors_total", Help: "Failed writes to the location mirror topic"})

	BusDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bus_messages_dropped_total", Help: "Bus messages dropped for a full subscriber queue"},
		[]string{"channel"},
	)

	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_connections", Help: "Authenticated websocket connections"})
	AuthFailures    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ws_auth_failures_total", Help: "Websocket connections closed for failed authentication"})
	PushesDropped   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ws_pushes_dropped_total", Help: "Pushes dropped for a full connection send queue"})
	ClientEvents    = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ws_client_events_total", Help: "Client events handled by event and status"},
		[]string{"event", "status"},
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
