package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "alert_dispatch", Name: "alerts_created_total", Help: "Alerts created, by type"},
		[]string{"type"},
	)
	AssignmentsTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "alert_dispatch", Name: "assignments_total", Help: "Responder assignments written"})
	NoRespondersTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "alert_dispatch", Name: "no_responders_total", Help: "Alerts created with no responders available"})
	GeofenceSuppressed  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "alert_dispatch", Name: "geofence_suppressed_total", Help: "Automatic alerts suppressed inside a trusted zone"})
	ProximityNotices    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "alert_dispatch", Name: "proximity_notices_total", Help: "Proximity notifications emitted"})
	LocationPingsTotal  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "alert_dispatch", Name: "location_pings_total", Help: "Location pings ingested, by role"},
		[]string{"role"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "alert_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "alert_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
