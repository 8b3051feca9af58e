// Package metrics defines the Prometheus metrics the reactor and its
// control plane expose.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive tracks the number of live sessions per app_id.
	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proxy_sessions_active",
		Help: "Number of active sessions per app_id",
	}, []string{"app_id"})

	// SessionsTotal counts sessions by terminal outcome: connected,
	// capacity (accept dropped, reactor at max_connections), or
	// backend_error (connect_to_backend failed).
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_sessions_total",
		Help: "Total sessions by outcome",
	}, []string{"app_id", "outcome"})

	// BytesTotal counts relayed bytes per app_id and direction.
	BytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_bytes_total",
		Help: "Total bytes relayed per app_id and direction",
	}, []string{"app_id", "direction"})

	// ListenersActive tracks the number of bound front-end listeners.
	ListenersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proxy_listeners_active",
		Help: "Number of currently bound TCP front listeners",
	})

	// CommandsTotal counts control-plane commands by kind and outcome.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_commands_total",
		Help: "Total control-plane commands processed",
	}, []string{"command", "outcome"})

	// InstanceHeartbeat tracks peer liveness in cluster mode (1 = alive,
	// 0 = presumed dead).
	InstanceHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proxy_instance_heartbeat",
		Help: "Instance heartbeat (1 = alive, 0 = dead)",
	}, []string{"instance_id"})

	// RedisOperations counts cluster control-plane relay operations
	// against Redis, when cluster mode is enabled.
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_redis_operations_total",
		Help: "Total Redis operations",
	}, []string{"operation", "status"})
)
