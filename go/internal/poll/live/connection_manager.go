// Package live is the client side of the live update channel.
package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livepoll/go/internal/models"
	"github.com/mcdev12/livepoll/go/internal/poll/events"
)

// ErrClosed is the reason carried by the disconnected event emitted by Close.
var ErrClosed = errors.New("connection closed by client")

// State is the lifecycle state of the channel connection
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventType is the type of lifecycle event
type EventType string

const (
	EventConnected       EventType = "connected"
	EventDisconnected    EventType = "disconnected"
	EventReconnecting    EventType = "reconnecting"
	EventReconnected     EventType = "reconnected"
	EventReconnectFailed EventType = "reconnect_failed"
)

// LifecycleEvent is emitted to subscribers on every connection transition
type LifecycleEvent struct {
	Type    EventType
	Attempt int   // reconnecting, reconnected
	Reason  error // disconnected, reconnect_failed
	At      time.Time
}

// ReconnectPolicy bounds automatic reconnection
type ReconnectPolicy struct {
	MaxAttempts int
	Delay       time.Duration // delay before the first attempt
	MaxDelay    time.Duration // cap for the doubling delay; zero keeps the delay fixed
}

// DefaultReconnectPolicy returns the default reconnect bounds
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 10,
		Delay:       500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// Backoff returns the wait before reconnect attempt n (1-based).
func (p ReconnectPolicy) Backoff(attempt int) time.Duration {
	if p.Delay <= 0 || attempt <= 1 || p.MaxDelay <= 0 {
		return p.Delay
	}
	d := p.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Config holds configuration for the connection manager
type Config struct {
	Reconnect     ReconnectPolicy
	MessageBuffer int
	EventBuffer   int
}

// DefaultConfig returns default connection manager configuration
func DefaultConfig() Config {
	return Config{
		Reconnect:     DefaultReconnectPolicy(),
		MessageBuffer: 256,
		EventBuffer:   64,
	}
}

type subscriber struct {
	ch   chan LifecycleEvent
	done chan struct{}
	once sync.Once
}

// ConnectionManager owns the single logical connection to the live update
// channel. It is created once per client and torn down with it.
type ConnectionManager struct {
	dialer Dialer
	config Config
	clock  clockwork.Clock

	mu         sync.Mutex
	state      State
	credential string
	transport  Transport
	cancel     context.CancelFunc
	done       chan struct{}

	subsMu      sync.Mutex
	subscribers map[*subscriber]struct{}

	messages chan events.Envelope
}

// Option configures a ConnectionManager
type Option func(*ConnectionManager)

// WithClock replaces the real clock, for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(cm *ConnectionManager) { cm.clock = clock }
}

// WithCredential sets the credential presented on connect.
func WithCredential(credential string) Option {
	return func(cm *ConnectionManager) { cm.credential = credential }
}

// NewConnectionManager creates a disconnected connection manager
func NewConnectionManager(dialer Dialer, config Config, opts ...Option) *ConnectionManager {
	if config.MessageBuffer <= 0 {
		config.MessageBuffer = DefaultConfig().MessageBuffer
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultConfig().EventBuffer
	}

	cm := &ConnectionManager{
		dialer:      dialer,
		config:      config,
		clock:       clockwork.NewRealClock(),
		state:       StateDisconnected,
		subscribers: make(map[*subscriber]struct{}),
		messages:    make(chan events.Envelope, config.MessageBuffer),
	}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// State returns the current lifecycle state
func (cm *ConnectionManager) State() State {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// SetCredential replaces the credential presented on the next connect or
// reconnect. An empty credential connects anonymously.
func (cm *ConnectionManager) SetCredential(credential string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.credential = credential
}

func (cm *ConnectionManager) currentCredential() string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.credential
}

// Messages returns the stream of server messages across reconnects.
func (cm *ConnectionManager) Messages() <-chan events.Envelope {
	return cm.messages
}

// Subscribe registers for lifecycle events. Events are delivered in order;
// the returned function unsubscribes.
func (cm *ConnectionManager) Subscribe() (<-chan LifecycleEvent, func()) {
	sub := &subscriber{
		ch:   make(chan LifecycleEvent, cm.config.EventBuffer),
		done: make(chan struct{}),
	}

	cm.subsMu.Lock()
	cm.subscribers[sub] = struct{}{}
	cm.subsMu.Unlock()

	return sub.ch, func() {
		sub.once.Do(func() {
			cm.subsMu.Lock()
			delete(cm.subscribers, sub)
			cm.subsMu.Unlock()
			close(sub.done)
		})
	}
}

// emit delivers ev to every subscriber, waiting for slow subscribers until
// ctx is done.
func (cm *ConnectionManager) emit(ctx context.Context, ev LifecycleEvent) {
	ev.At = cm.clock.Now()

	cm.subsMu.Lock()
	subs := make([]*subscriber, 0, len(cm.subscribers))
	for sub := range cm.subscribers {
		subs = append(subs, sub)
	}
	cm.subsMu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-ctx.Done():
			log.Warn().
				Str("event", string(ev.Type)).
				Msg("lifecycle event not delivered before shutdown")
			return
		}
	}
}

// Open establishes the transport with the current credential. Calling Open on
// an open connection is a no-op.
func (cm *ConnectionManager) Open(ctx context.Context) error {
	cm.mu.Lock()
	if cm.state != StateDisconnected {
		cm.mu.Unlock()
		return nil
	}
	cm.state = StateConnecting
	credential := cm.credential
	cm.mu.Unlock()

	log.Info().Bool("anonymous", credential == "").Msg("opening live channel")

	t, err := cm.dialer.Dial(ctx, credential)
	if err != nil {
		cm.mu.Lock()
		if cm.state == StateConnecting {
			cm.state = StateDisconnected
		}
		cm.mu.Unlock()
		return fmt.Errorf("open live channel: %w: %w", models.ErrTransient, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	cm.mu.Lock()
	if cm.state != StateConnecting {
		// closed while dialing
		cm.mu.Unlock()
		cancel()
		t.Close()
		return models.ErrNotConnected
	}
	cm.state = StateConnected
	cm.transport = t
	cm.cancel = cancel
	cm.done = done
	cm.mu.Unlock()

	log.Info().Msg("live channel connected")
	cm.emit(runCtx, LifecycleEvent{Type: EventConnected})

	go cm.run(runCtx, cancel, t, done)
	return nil
}

// Close tears the connection down. Closing a closed connection is a no-op.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.state == StateDisconnected {
		cm.mu.Unlock()
		return nil
	}
	wasConnected := cm.state == StateConnected
	t := cm.transport
	done := cm.done
	if cm.cancel != nil {
		cm.cancel()
	}
	cm.state = StateDisconnected
	cm.transport = nil
	cm.cancel = nil
	cm.done = nil
	cm.mu.Unlock()

	var err error
	if t != nil {
		err = t.Close()
	}
	if done != nil {
		<-done
	}

	if wasConnected {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		cm.emit(ctx, LifecycleEvent{Type: EventDisconnected, Reason: ErrClosed})
		cancel()
	}

	log.Info().Msg("live channel closed")
	return err
}

// Send writes env on the current transport. It fails with
// models.ErrNotConnected while the channel is down.
func (cm *ConnectionManager) Send(ctx context.Context, env events.Envelope) error {
	cm.mu.Lock()
	t := cm.transport
	state := cm.state
	cm.mu.Unlock()

	if state != StateConnected || t == nil {
		return models.ErrNotConnected
	}
	if err := t.Send(ctx, env); err != nil {
		return fmt.Errorf("send %s: %w: %w", env.Type, models.ErrTransient, err)
	}
	return nil
}

// run pumps messages from the transport and reconnects when it fails.
func (cm *ConnectionManager) run(ctx context.Context, cancel context.CancelFunc, t Transport, done chan struct{}) {
	defer close(done)
	defer cancel()

	for {
		err := cm.pump(ctx, t)
		t.Close()

		cm.mu.Lock()
		if ctx.Err() != nil {
			cm.mu.Unlock()
			return
		}
		cm.state = StateReconnecting
		cm.transport = nil
		cm.mu.Unlock()

		log.Warn().Err(err).Msg("live channel disconnected")
		cm.emit(ctx, LifecycleEvent{Type: EventDisconnected, Reason: err})

		t = cm.reconnect(ctx)
		if t == nil {
			return
		}
	}
}

func (cm *ConnectionManager) pump(ctx context.Context, t Transport) error {
	for {
		env, err := t.Receive()
		if err != nil {
			return err
		}

		log.Debug().
			Str("type", string(env.Type)).
			Str("poll_id", env.PollID).
			Msg("received channel message")

		select {
		case cm.messages <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reconnect dials until it succeeds or the policy is exhausted. It returns nil
// when the manager was closed or gave up.
func (cm *ConnectionManager) reconnect(ctx context.Context) Transport {
	policy := cm.config.Reconnect
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		cm.emit(ctx, LifecycleEvent{Type: EventReconnecting, Attempt: attempt})

		if d := policy.Backoff(attempt); d > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-cm.clock.After(d):
			}
		}

		t, err := cm.dialer.Dial(ctx, cm.currentCredential())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			lastErr = err
			log.Warn().
				Err(err).
				Int("attempt", attempt).
				Int("max_attempts", policy.MaxAttempts).
				Msg("reconnect attempt failed")
			continue
		}

		cm.mu.Lock()
		if ctx.Err() != nil {
			cm.mu.Unlock()
			t.Close()
			return nil
		}
		cm.state = StateConnected
		cm.transport = t
		cm.mu.Unlock()

		log.Info().Int("attempt", attempt).Msg("live channel reconnected")
		cm.emit(ctx, LifecycleEvent{Type: EventReconnected, Attempt: attempt})
		return t
	}

	cm.mu.Lock()
	if ctx.Err() != nil {
		cm.mu.Unlock()
		return nil
	}
	cm.state = StateDisconnected
	cm.cancel = nil
	cm.done = nil
	cm.mu.Unlock()

	reason := models.ErrReconnectExhausted
	if lastErr != nil {
		reason = fmt.Errorf("%w: %w", models.ErrReconnectExhausted, lastErr)
	}
	log.Error().Err(reason).Int("max_attempts", policy.MaxAttempts).Msg("giving up on live channel")
	cm.emit(ctx, LifecycleEvent{Type: EventReconnectFailed, Reason: reason})
	return nil
}
