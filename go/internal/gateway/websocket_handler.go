package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livepoll/go/internal/auth"
)

// CredentialVerifier resolves a bearer credential to a user id
type CredentialVerifier interface {
	Verify(token string) (string, error)
}

// WebSocketHandler handles websocket upgrade requests for poll viewers
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	verifier          CredentialVerifier
}

// NewWebSocketHandler creates a new websocket handler
func NewWebSocketHandler(cm *ConnectionManager, verifier CredentialVerifier) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		verifier:          verifier,
	}
}

// HandlePollConnection upgrades a viewer connection. Viewing is anonymous
// unless a credential is presented, which must then be valid.
func (h *WebSocketHandler) HandlePollConnection(w http.ResponseWriter, r *http.Request) {
	var userID string
	if token := auth.BearerToken(r); token != "" {
		id, err := h.verifier.Verify(token)
		if err != nil {
			log.Debug().Err(err).Msg("rejecting websocket with invalid credential")
			http.Error(w, "invalid credential", http.StatusUnauthorized)
			return
		}
		userID = id
	}

	// Upgrade writes its own error response.
	if err := h.connectionManager.UpgradeConnection(w, r, userID); err != nil {
		log.Error().
			Err(err).
			Str("user_id", userID).
			Msg("failed to upgrade websocket connection")
	}
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.connectionManager.GetConnectionStats()); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

// RegisterRoutes registers websocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/polls", h.HandlePollConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
