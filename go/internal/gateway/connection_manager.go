package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livepoll/go/internal/poll/events"
)

// ConnectionManager manages websocket connections and their poll rooms
type ConnectionManager struct {
	// Connections organized by poll ID
	rooms map[string]map[*Connection]struct{}
	conns map[*Connection]struct{}
	mu    sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan BroadcastMessage
}

// Connection represents a websocket connection to a client
type Connection struct {
	ID      string
	UserID  string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	// rooms is guarded by Manager.mu
	rooms map[string]struct{}

	ConnectedAt time.Time
}

// ConnectionConfig holds configuration for websocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	BroadcastBuffer int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage is a frame for every connection in a poll room
type BroadcastMessage struct {
	PollID   string
	Envelope events.Envelope
}

// DefaultConnectionConfig returns default websocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096, // clients only send room commands
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		BroadcastBuffer: 1000,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a new websocket connection manager
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		rooms: make(map[string]map[*Connection]struct{}),
		conns: make(map[*Connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan BroadcastMessage, config.BroadcastBuffer),
	}
}

// Start processes broadcasts until ctx is done, then closes every connection
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.closeAll()
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP connection to websocket. userID is empty
// for anonymous viewers.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.NewString(),
		UserID:      userID,
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBuffer),
		Manager:     cm,
		rooms:       make(map[string]struct{}),
		ConnectedAt: time.Now(),
	}

	cm.mu.Lock()
	cm.conns[connection] = struct{}{}
	cm.mu.Unlock()

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("user_id", userID).
		Msg("websocket connection established")
	return nil
}

// Join adds the connection to a poll room. Joining twice is a no-op.
func (cm *ConnectionManager) Join(conn *Connection, pollID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, ok := cm.conns[conn]; !ok {
		return
	}
	if cm.rooms[pollID] == nil {
		cm.rooms[pollID] = make(map[*Connection]struct{})
	}
	cm.rooms[pollID][conn] = struct{}{}
	conn.rooms[pollID] = struct{}{}

	log.Debug().
		Str("connection_id", conn.ID).
		Str("poll_id", pollID).
		Int("room_size", len(cm.rooms[pollID])).
		Msg("joined room")
}

// Leave removes the connection from a poll room
func (cm *ConnectionManager) Leave(conn *Connection, pollID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.leaveLocked(conn, pollID)
}

func (cm *ConnectionManager) leaveLocked(conn *Connection, pollID string) {
	delete(conn.rooms, pollID)
	room, ok := cm.rooms[pollID]
	if !ok {
		return
	}
	delete(room, conn)
	if len(room) == 0 {
		delete(cm.rooms, pollID)
	}
}

// unregisterConnection removes a connection from every room and closes its
// send queue
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, ok := cm.conns[conn]; !ok {
		return
	}
	for pollID := range conn.rooms {
		cm.leaveLocked(conn, pollID)
	}
	delete(cm.conns, conn)
	close(conn.Send)

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID).
		Msg("connection unregistered")
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.conns))
	for conn := range cm.conns {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range conns {
		cm.unregisterConnection(conn)
	}
}

// BroadcastToPoll queues a frame for every connection in the poll's room
func (cm *ConnectionManager) BroadcastToPoll(pollID string, env events.Envelope) {
	select {
	case cm.broadcastCh <- BroadcastMessage{PollID: pollID, Envelope: env}:
	default:
		log.Warn().Str("poll_id", pollID).Msg("broadcast channel full, dropping message")
	}
}

func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	data, err := json.Marshal(message.Envelope)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal frame for broadcast")
		return
	}

	var slow []*Connection
	cm.mu.RLock()
	room := cm.rooms[message.PollID]
	delivered := len(room)
	for conn := range room {
		select {
		case conn.Send <- data:
		default:
			slow = append(slow, conn)
		}
	}
	cm.mu.RUnlock()

	// A connection that cannot keep up is closed; its client resyncs on
	// reconnect.
	for _, conn := range slow {
		log.Warn().
			Str("connection_id", conn.ID).
			Str("user_id", conn.UserID).
			Msg("connection send buffer full, closing connection")
		cm.unregisterConnection(conn)
	}

	log.Debug().
		Str("type", string(message.Envelope.Type)).
		Str("poll_id", message.PollID).
		Int("connections", delivered-len(slow)).
		Msg("frame broadcasted")
}

// sendTo queues a frame for a single connection
func (cm *ConnectionManager) sendTo(conn *Connection, env events.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal frame")
		return
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if _, ok := cm.conns[conn]; !ok {
		return
	}
	select {
	case conn.Send <- data:
	default:
		log.Warn().Str("connection_id", conn.ID).Msg("send buffer full, dropping frame")
	}
}

// ConnectionStats summarizes active connections
type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	ActivePolls      int            `json:"active_polls"`
	PollConnections  map[string]int `json:"poll_connections"`
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{
		TotalConnections: len(cm.conns),
		ActivePolls:      len(cm.rooms),
		PollConnections:  make(map[string]int, len(cm.rooms)),
	}
	for pollID, room := range cm.rooms {
		stats.PollConnections[pollID] = len(room)
	}
	return stats
}

// ActivePolls lists the polls with at least one viewer
func (cm *ConnectionManager) ActivePolls() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make([]string, 0, len(cm.rooms))
	for pollID := range cm.rooms {
		out = append(out, pollID)
	}
	sort.Strings(out)
	return out
}

// writePump handles sending messages to the websocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to websocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading room commands from the websocket connection
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close error")
			}
			return
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage processes joinRoom and leaveRoom commands
func (c *Connection) handleClientMessage(message []byte) {
	var env events.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.Manager.sendTo(c, events.NewError("", "malformed message"))
		return
	}

	switch env.Type {
	case events.MessageJoinRoom:
		if env.PollID == "" {
			c.Manager.sendTo(c, events.NewError("", "poll_id is required"))
			return
		}
		c.Manager.Join(c, env.PollID)
	case events.MessageLeaveRoom:
		c.Manager.Leave(c, env.PollID)
	default:
		log.Debug().
			Str("connection_id", c.ID).
			Str("type", string(env.Type)).
			Msg("ignoring unknown client message")
		c.Manager.sendTo(c, events.NewError(env.PollID, fmt.Sprintf("unsupported message type %q", env.Type)))
	}
}
