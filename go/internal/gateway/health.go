package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

type HealthStatus struct {
	Healthy         bool      `json:"healthy"`
	NATSConnected   bool      `json:"nats_connected"`
	EventsProcessed uint64    `json:"events_processed"`
	EventsFailed    uint64    `json:"events_failed"`
	LastEventTime   time.Time `json:"last_event_time"`
	Connections     int       `json:"connections"`
	ActivePolls     int       `json:"active_polls"`
	Errors          []string  `json:"errors"`
}

// HealthChecker reports whether the gateway can deliver updates
type HealthChecker struct {
	handler     *EventHandler
	connected   func() bool
	connections *ConnectionManager
}

func NewHealthChecker(handler *EventHandler, connected func() bool, connections *ConnectionManager) *HealthChecker {
	return &HealthChecker{
		handler:     handler,
		connected:   connected,
		connections: connections,
	}
}

func (h *HealthChecker) Check() HealthStatus {
	status := HealthStatus{
		Healthy: true,
		Errors:  []string{},
	}

	status.EventsProcessed, status.EventsFailed, status.LastEventTime = h.handler.Stats()

	status.NATSConnected = h.connected()
	if !status.NATSConnected {
		status.Healthy = false
		status.Errors = append(status.Errors, "NATS disconnected")
	}

	stats := h.connections.GetConnectionStats()
	status.Connections = stats.TotalConnections
	status.ActivePolls = stats.ActivePolls

	return status
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check()

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error().Err(err).Msg("failed to encode health status")
	}
}
