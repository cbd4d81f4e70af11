// Package metrics exposes Prometheus instruments for the ingestion pipeline.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capproxy_events_received_total",
			Help: "Events received, by entry path",
		},
		[]string{"source"}, // "frontend", "webhook"
	)

	EventsBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capproxy_events_blocked_total",
			Help: "Events dropped before forwarding, by reason",
		},
		[]string{"reason"}, // "duplicate", "bot"
	)

	EventsForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capproxy_events_forwarded_total",
			Help: "Events sent to the Conversions API",
		},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capproxy_rate_limited_total",
			Help: "Requests rejected by the per-IP rate limiter",
		},
	)

	GeoResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capproxy_geo_resolutions_total",
			Help: "Geo resolutions by the source that answered",
		},
		[]string{"source"}, // "cache", "remote", "maxmind", "heuristic", "none"
	)

	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capproxy_upstream_requests_total",
			Help: "Conversions API calls by HTTP status (0 for transport errors)",
		},
		[]string{"status"},
	)

	UpstreamDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "capproxy_upstream_duration_seconds",
			Help:    "Conversions API call latency",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// RecordUpstream records one Conversions API call.
func RecordUpstream(status int, elapsed time.Duration) {
	UpstreamRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	UpstreamDuration.Observe(elapsed.Seconds())
}
