package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcdev12/livepoll/go/internal/poll/events"
)

// ErrTransportClosed is returned by Receive after Close.
var ErrTransportClosed = errors.New("transport closed")

// Transport is one established connection to the live update channel
type Transport interface {
	// Send writes one message to the server.
	Send(ctx context.Context, env events.Envelope) error
	// Receive blocks until the next server message or a connection failure.
	Receive() (events.Envelope, error)
	Close() error
}

// Dialer establishes transports. credential may be empty for anonymous viewing.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Transport, error)
}

// WebSocketConfig holds configuration for websocket transports
type WebSocketConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
}

// DefaultWebSocketConfig returns default websocket configuration
func DefaultWebSocketConfig(url string) WebSocketConfig {
	return WebSocketConfig{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     30 * time.Second,
		MaxMessageSize:   1 << 20, // vote sets can be large
	}
}

// WebSocketDialer dials the gateway's websocket endpoint
type WebSocketDialer struct {
	config WebSocketConfig
	dialer *websocket.Dialer
}

// NewWebSocketDialer creates a dialer for the given configuration
func NewWebSocketDialer(config WebSocketConfig) *WebSocketDialer {
	return &WebSocketDialer{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
	}
}

// Dial opens a websocket, presenting credential as a bearer token
func (d *WebSocketDialer) Dial(ctx context.Context, credential string) (Transport, error) {
	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}

	conn, resp, err := d.dialer.DialContext(ctx, d.config.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", d.config.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", d.config.URL, err)
	}

	t := &webSocketTransport{
		conn:   conn,
		config: d.config,
		done:   make(chan struct{}),
	}
	conn.SetReadLimit(d.config.MaxMessageSize)
	t.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		t.extendReadDeadline()
		return nil
	})
	go t.pingLoop()

	return t, nil
}

type webSocketTransport struct {
	conn   *websocket.Conn
	config WebSocketConfig

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (t *webSocketTransport) extendReadDeadline() {
	if t.config.ReadTimeout > 0 {
		t.conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
	}
}

func (t *webSocketTransport) write(messageType int, data []byte, deadline time.Time) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(messageType, data)
}

func (t *webSocketTransport) writeDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(t.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

func (t *webSocketTransport) Send(ctx context.Context, env events.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(t.writeDeadline(ctx))
	if err := t.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

func (t *webSocketTransport) Receive() (events.Envelope, error) {
	var env events.Envelope
	if err := t.conn.ReadJSON(&env); err != nil {
		select {
		case <-t.done:
			return events.Envelope{}, ErrTransportClosed
		default:
		}
		return events.Envelope{}, fmt.Errorf("read message: %w", err)
	}
	t.extendReadDeadline()
	return env, nil
}

func (t *webSocketTransport) pingLoop() {
	if t.config.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(t.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.write(websocket.PingMessage, nil, time.Now().Add(t.config.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (t *webSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.write(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}
