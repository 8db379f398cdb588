// internal/realtime/metrics.go

package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_active_connections",
			Help: "Number of websocket connections held by this process",
		},
	)

	onlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_online_users",
			Help: "Number of users whose first connection registered on this process",
		},
	)

	relayEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_relay_events_total",
			Help: "Total number of frames queued to connections",
		},
		[]string{"event"},
	)

	relayDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_relay_drops_total",
			Help: "Total number of relay deliveries dropped",
		},
		[]string{"reason"},
	)

	inboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_inbound_events_total",
			Help: "Total number of inbound events handled",
		},
		[]string{"event"},
	)

	rateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_rate_limited_total",
			Help: "Total number of inbound events rejected by the per-connection limiter",
		},
	)

	callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_calls_total",
			Help: "Total number of call lifecycle outcomes",
		},
		[]string{"outcome"},
	)
)
