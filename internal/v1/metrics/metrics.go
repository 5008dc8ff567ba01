package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the sync fabric.
//
// Naming convention: namespace_subsystem_name
// - namespace: reflect (application-level grouping)
// - subsystem: websocket, room, turn, authfront (feature-level grouping)
// - name: specific metric (connections_active, turns_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, buffer delay)
// - Counter: Cumulative events (turns, mutations, pokes, errors)
// - Histogram: Latency distributions (turn duration, commit retries)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reflect",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of resident room actors
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reflect",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomClients tracks the number of connected clients in each room
	RoomClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reflect",
		Subsystem: "room",
		Name:      "clients_count",
		Help:      "Number of connected clients in each room",
	}, []string{"room_id"})

	// TurnsTotal counts committed and failed turns
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reflect",
		Subsystem: "turn",
		Name:      "turns_total",
		Help:      "Total turns processed",
	}, []string{"status"})

	// TurnDuration tracks time spent inside a single turn
	TurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reflect",
		Subsystem: "turn",
		Name:      "duration_seconds",
		Help:      "Time spent processing a single turn",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// MutationsTotal counts mutation outcomes inside turns
	MutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reflect",
		Subsystem: "turn",
		Name:      "mutations_total",
		Help:      "Total mutations processed, by outcome",
	}, []string{"outcome"})

	// PokesSent counts pokes fanned out to clients
	PokesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reflect",
		Subsystem: "turn",
		Name:      "pokes_sent_total",
		Help:      "Total pokes sent to clients",
	})

	// BufferDelay reports the adaptive buffer window per room
	BufferDelay = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reflect",
		Subsystem: "room",
		Name:      "buffer_delay_ms",
		Help:      "Current adaptive mutation buffer delay in milliseconds",
	}, []string{"room_id"})

	// WebsocketEvents tracks the total number of WebSocket frames processed
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reflect",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket frames processed",
	}, []string{"event_type", "status"})

	// InvalidationsTotal counts auth invalidation requests handled by the front
	InvalidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reflect",
		Subsystem: "authfront",
		Name:      "invalidations_total",
		Help:      "Total auth invalidation requests, by scope and status",
	}, []string{"scope", "status"})

	// RateLimitExceeded counts rejected requests per path and limit type
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reflect",
		Subsystem: "websocket",
		Name:      "rate_limit_exceeded_total",
		Help:      "Total requests rejected by rate limiting",
	}, []string{"path", "limit_type"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
