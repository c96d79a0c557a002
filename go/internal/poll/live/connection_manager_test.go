package live

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/livepoll/go/internal/models"
	"github.com/mcdev12/livepoll/go/internal/poll/events"
)

type fakeTransport struct {
	incoming  chan events.Envelope
	fail      chan error
	closed    chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	sent []events.Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan events.Envelope, 16),
		fail:     make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (t *fakeTransport) Send(_ context.Context, env events.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, env)
	return nil
}

func (t *fakeTransport) Receive() (events.Envelope, error) {
	select {
	case env := <-t.incoming:
		return env, nil
	case err := <-t.fail:
		return events.Envelope{}, err
	case <-t.closed:
		return events.Envelope{}, ErrTransportClosed
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) Sent() []events.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]events.Envelope(nil), t.sent...)
}

// fakeDialer hands out fresh transports, failing while failures > 0.
type fakeDialer struct {
	mu          sync.Mutex
	failures    int
	credentials []string
	dialed      chan *fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeTransport, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, credential string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.credentials = append(d.credentials, credential)
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	t := newFakeTransport()
	d.dialed <- t
	return t, nil
}

func (d *fakeDialer) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
}

func (d *fakeDialer) Credentials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.credentials...)
}

func nextTransport(t *testing.T, d *fakeDialer) *fakeTransport {
	t.Helper()
	select {
	case tr := <-d.dialed:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
	}
	return nil
}

func nextEvent(t *testing.T, ch <-chan LifecycleEvent) LifecycleEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lifecycle event")
	}
	return LifecycleEvent{}
}

func testConfig(maxAttempts int) Config {
	cfg := DefaultConfig()
	cfg.Reconnect = ReconnectPolicy{
		MaxAttempts: maxAttempts,
		Delay:       100 * time.Millisecond,
		MaxDelay:    time.Second,
	}
	return cfg
}

func TestReconnectPolicy_Backoff(t *testing.T) {
	p := ReconnectPolicy{MaxAttempts: 10, Delay: 500 * time.Millisecond, MaxDelay: 3 * time.Second}

	assert.Equal(t, 500*time.Millisecond, p.Backoff(1))
	assert.Equal(t, time.Second, p.Backoff(2))
	assert.Equal(t, 2*time.Second, p.Backoff(3))
	assert.Equal(t, 3*time.Second, p.Backoff(4))
	assert.Equal(t, 3*time.Second, p.Backoff(9))

	fixed := ReconnectPolicy{MaxAttempts: 3, Delay: 250 * time.Millisecond}
	assert.Equal(t, 250*time.Millisecond, fixed.Backoff(3))

	none := ReconnectPolicy{MaxAttempts: 3}
	assert.Zero(t, none.Backoff(2))
}

func TestConnectionManager_OpenSendReceive(t *testing.T) {
	dialer := newFakeDialer()
	cm := NewConnectionManager(dialer, testConfig(3), WithCredential("token-a"), WithClock(clockwork.NewFakeClock()))
	lifecycle, unsubscribe := cm.Subscribe()
	defer unsubscribe()

	require.ErrorIs(t, cm.Send(context.Background(), events.JoinRoom("p1")), models.ErrNotConnected)

	require.NoError(t, cm.Open(context.Background()))
	defer cm.Close()
	tr := nextTransport(t, dialer)

	assert.Equal(t, EventConnected, nextEvent(t, lifecycle).Type)
	assert.Equal(t, StateConnected, cm.State())
	assert.Equal(t, []string{"token-a"}, dialer.Credentials())

	// second open is a no-op
	require.NoError(t, cm.Open(context.Background()))
	assert.Len(t, dialer.Credentials(), 1)

	require.NoError(t, cm.Send(context.Background(), events.JoinRoom("p1")))
	require.Len(t, tr.Sent(), 1)
	assert.Equal(t, events.MessageJoinRoom, tr.Sent()[0].Type)

	update, err := events.NewVoteUpdate("p1", nil, time.Unix(10, 0))
	require.NoError(t, err)
	tr.incoming <- update

	select {
	case env := <-cm.Messages():
		assert.Equal(t, events.MessageVoteUpdate, env.Type)
		assert.Equal(t, "p1", env.PollID)
	case <-time.After(2 * time.Second):
		t.Fatal("message not forwarded")
	}
}

func TestConnectionManager_ReconnectPresentsCurrentCredential(t *testing.T) {
	dialer := newFakeDialer()
	clock := clockwork.NewFakeClock()
	cm := NewConnectionManager(dialer, testConfig(3), WithCredential("old"), WithClock(clock))
	lifecycle, unsubscribe := cm.Subscribe()
	defer unsubscribe()

	require.NoError(t, cm.Open(context.Background()))
	defer cm.Close()
	first := nextTransport(t, dialer)
	require.Equal(t, EventConnected, nextEvent(t, lifecycle).Type)

	cm.SetCredential("new")
	first.fail <- errors.New("connection reset")

	ev := nextEvent(t, lifecycle)
	assert.Equal(t, EventDisconnected, ev.Type)
	assert.EqualError(t, ev.Reason, "connection reset")

	ev = nextEvent(t, lifecycle)
	assert.Equal(t, EventReconnecting, ev.Type)
	assert.Equal(t, 1, ev.Attempt)
	assert.Equal(t, StateReconnecting, cm.State())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(100 * time.Millisecond)

	nextTransport(t, dialer)
	ev = nextEvent(t, lifecycle)
	assert.Equal(t, EventReconnected, ev.Type)
	assert.Equal(t, 1, ev.Attempt)
	assert.Equal(t, StateConnected, cm.State())
	assert.Equal(t, []string{"old", "new"}, dialer.Credentials())

	select {
	case <-first.closed:
	default:
		t.Fatal("dropped transport was not closed")
	}
}

func TestConnectionManager_ReconnectExhausted(t *testing.T) {
	dialer := newFakeDialer()
	clock := clockwork.NewFakeClock()
	cm := NewConnectionManager(dialer, testConfig(2), WithClock(clock))
	lifecycle, unsubscribe := cm.Subscribe()
	defer unsubscribe()

	require.NoError(t, cm.Open(context.Background()))
	tr := nextTransport(t, dialer)
	require.Equal(t, EventConnected, nextEvent(t, lifecycle).Type)

	dialer.FailNext(2)
	tr.fail <- errors.New("server went away")
	require.Equal(t, EventDisconnected, nextEvent(t, lifecycle).Type)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ev := nextEvent(t, lifecycle)
	require.Equal(t, EventReconnecting, ev.Type)
	require.Equal(t, 1, ev.Attempt)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(100 * time.Millisecond)

	ev = nextEvent(t, lifecycle)
	require.Equal(t, EventReconnecting, ev.Type)
	require.Equal(t, 2, ev.Attempt)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(200 * time.Millisecond)

	ev = nextEvent(t, lifecycle)
	assert.Equal(t, EventReconnectFailed, ev.Type)
	assert.ErrorIs(t, ev.Reason, models.ErrReconnectExhausted)
	assert.True(t, models.Retryable(ev.Reason))
	assert.Equal(t, StateDisconnected, cm.State())
	assert.ErrorIs(t, cm.Send(context.Background(), events.JoinRoom("p1")), models.ErrNotConnected)

	// a manual reopen after giving up dials again
	require.NoError(t, cm.Open(context.Background()))
	nextTransport(t, dialer)
	assert.Equal(t, EventConnected, nextEvent(t, lifecycle).Type)
	require.NoError(t, cm.Close())
}

func TestConnectionManager_OpenFailure(t *testing.T) {
	dialer := newFakeDialer()
	dialer.FailNext(1)
	cm := NewConnectionManager(dialer, testConfig(3), WithClock(clockwork.NewFakeClock()))

	err := cm.Open(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrTransient)
	assert.Equal(t, StateDisconnected, cm.State())
}

func TestConnectionManager_CloseIsIdempotent(t *testing.T) {
	dialer := newFakeDialer()
	cm := NewConnectionManager(dialer, testConfig(3), WithClock(clockwork.NewFakeClock()))
	lifecycle, unsubscribe := cm.Subscribe()
	defer unsubscribe()

	require.NoError(t, cm.Close())

	require.NoError(t, cm.Open(context.Background()))
	tr := nextTransport(t, dialer)
	require.Equal(t, EventConnected, nextEvent(t, lifecycle).Type)

	require.NoError(t, cm.Close())
	require.NoError(t, cm.Close())

	ev := nextEvent(t, lifecycle)
	assert.Equal(t, EventDisconnected, ev.Type)
	assert.ErrorIs(t, ev.Reason, ErrClosed)
	assert.Equal(t, StateDisconnected, cm.State())

	select {
	case <-tr.closed:
	default:
		t.Fatal("transport was not closed")
	}

	select {
	case ev := <-lifecycle:
		t.Fatalf("unexpected event after close: %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}
