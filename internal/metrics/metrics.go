package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crmsync_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Push channel metrics
	PushConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crmsync_push_connections",
			Help: "Open push channel connections",
		},
	)

	HubPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_hub_publishes_total",
			Help: "Events published to conversation rooms",
		},
		[]string{"type"},
	)

	HubDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crmsync_hub_deliveries_total",
			Help: "Events queued to subscriber connections",
		},
	)

	HubDroppedSubscribers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crmsync_hub_dropped_subscribers_total",
			Help: "Subscribers removed after a failed write",
		},
	)

	// Hot cache metrics
	HotCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_hotcache_lookups_total",
			Help: "Hot cache lookups by result",
		},
		[]string{"result"}, // "hit" or "miss"
	)

	HotCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crmsync_hotcache_evictions_total",
			Help: "Hot cache entries evicted to stay under the size bound",
		},
	)

	// Infrastructure metrics
	GatewayLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crmsync_gateway_latency_seconds",
			Help:    "Persistence gateway operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"driver", "op"},
	)

	WebhookMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_webhook_messages_total",
			Help: "Channel webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)
)
