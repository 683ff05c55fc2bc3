// Package metrics declares the Prometheus instrumentation shared across
// components.
//
// Naming convention: namespace_subsystem_name
//   - namespace: poker (application-level grouping)
//   - subsystem: websocket, room, voting, export, circuit_breaker, rate_limit, eventbus
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "poker",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "poker",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active room hubs on this node",
	})

	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "poker",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of locally attached participants per room",
	}, []string{"room_id"})

	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "poker",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total inbound WebSocket frames processed",
	}, []string{"type", "status"})

	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "poker",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent routing and handling an inbound frame",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})

	VotesCast = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "poker",
		Subsystem: "voting",
		Name:      "votes_cast_total",
		Help:      "Total votes cast",
	}, []string{"room_id"})

	RoundsRevealed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "poker",
		Subsystem: "voting",
		Name:      "rounds_revealed_total",
		Help:      "Total rounds revealed",
	}, []string{"room_id", "consensus"})

	ExportJobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "poker",
		Subsystem: "export",
		Name:      "jobs_processed_total",
		Help:      "Total export jobs processed by the worker",
	}, []string{"format", "outcome"})

	ExportJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "poker",
		Subsystem: "export",
		Name:      "job_duration_seconds",
		Help:      "Time spent processing an export job end to end",
		Buckets:   prometheus.DefBuckets,
	}, []string{"format"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "poker",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "poker",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "poker",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "poker",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total requests checked against the rate limiter",
	}, []string{"endpoint"})

	EventBusOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "poker",
		Subsystem: "eventbus",
		Name:      "operations_total",
		Help:      "Total EventBus operations (publish, append, ack)",
	}, []string{"operation", "status"})

	EventBusOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "poker",
		Subsystem: "eventbus",
		Name:      "operation_duration_seconds",
		Help:      "Duration of EventBus operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
