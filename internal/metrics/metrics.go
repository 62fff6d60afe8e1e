package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "discord_gateway_session_state",
		Help: "Current session state (0=disconnected, 1=connecting, 2=identifying, 3=resuming, 4=ready, 5=failed)",
	})

	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "discord_gateway_sessions_started_total",
		Help: "Total number of connection attempts",
	})

	SessionResumes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "discord_gateway_session_resumes_total",
		Help: "Total number of resume attempts",
	}, []string{"outcome"})

	ReconnectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "discord_gateway_reconnect_failures_total",
		Help: "Total number of connection attempts that did not reach ready",
	})

	// Event metrics
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "discord_gateway_events_received_total",
		Help: "Total number of dispatch events received",
	}, []string{"event_type"})

	EventsDroppedStale = promauto.NewCounter(prometheus.CounterOpts{
		Name: "discord_gateway_events_dropped_stale_total",
		Help: "Total number of dispatch events dropped for stale sequence numbers",
	})

	SinkDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "discord_gateway_sink_drops_total",
		Help: "Total number of events dropped by a lagging sink",
	}, []string{"sink"})

	// Heartbeat metrics
	HeartbeatLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "discord_gateway_heartbeat_latency_seconds",
		Help:    "Latency between heartbeat send and acknowledgement",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to 4s
	})

	HeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "discord_gateway_heartbeat_timeouts_total",
		Help: "Total number of connections declared dead for missed heartbeat acks",
	})

	// Outbound command metrics
	CommandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "discord_gateway_commands_sent_total",
		Help: "Total number of outbound gateway commands sent",
	}, []string{"opcode"})

	CommandsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "discord_gateway_commands_dropped_total",
		Help: "Total number of outbound commands rejected with backpressure",
	})

	// Dispatch mux metrics
	DispatchQueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "discord_gateway_dispatch_queue_drops_total",
		Help: "Total number of events dropped by a full dispatch queue",
	})

	DispatchPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "discord_gateway_dispatch_panics_total",
		Help: "Total number of recovered handler panics",
	})

	// REST metrics
	RestRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "discord_gateway_rest_requests_total",
		Help: "Total number of REST requests",
	}, []string{"route", "status"})

	RestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "discord_gateway_rest_latency_seconds",
		Help:    "REST request latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to 4s
	}, []string{"route"})

	RateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "discord_gateway_rate_limit_waits_total",
		Help: "Total number of requests that waited on a rate limit bucket",
	}, []string{"scope"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "discord_gateway_rate_limited_total",
		Help: "Total number of 429 responses",
	})

	// Circuit breaker metrics
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "discord_gateway_rest_breaker_state",
		Help: "REST circuit breaker state (0=closed, 1=open, 2=half-open)",
	})
)

// ObserveSessionState records the current session state value
func ObserveSessionState(state int) {
	SessionState.Set(float64(state))
}
