package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghostroom_http_requests_total",
			Help: "Total number of HTTP requests processed by the group API.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ghostroom_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	groupsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ghostroom_groups_created_total",
			Help: "Groups created.",
		},
	)
	groupsDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghostroom_groups_deleted_total",
			Help: "Groups deleted, by reason (leave|sweep).",
		},
		[]string{"reason"},
	)
	membershipFallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghostroom_membership_fallback_total",
			Help: "Join/leave calls served by the read-modify-write fallback.",
		},
		[]string{"action"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ghostroom_ws_active_connections",
			Help: "Number of open realtime websocket connections.",
		},
	)
	broadcastsRelayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghostroom_broadcasts_relayed_total",
			Help: "Broadcast frames relayed through the gateway, by event.",
		},
		[]string{"event"},
	)
	leaveQueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghostroom_leave_queued_total",
			Help: "Leaves produced for server-observed disconnects, by path (kafka|direct).",
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		groupsCreatedTotal,
		groupsDeletedTotal,
		membershipFallbackTotal,
		wsActiveConnections,
		broadcastsRelayedTotal,
		leaveQueuedTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncGroupCreated() { groupsCreatedTotal.Inc() }

func AddGroupsDeleted(reason string, n int) {
	if n > 0 {
		groupsDeletedTotal.WithLabelValues(reason).Add(float64(n))
	}
}

func IncMembershipFallback(action string) { membershipFallbackTotal.WithLabelValues(action).Inc() }

func IncWSActive() { wsActiveConnections.Inc() }

func DecWSActive() { wsActiveConnections.Dec() }

func IncBroadcastRelayed(event string) { broadcastsRelayedTotal.WithLabelValues(event).Inc() }

func IncLeaveQueued(path string) { leaveQueuedTotal.WithLabelValues(path).Inc() }
