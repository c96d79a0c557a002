package rooms

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/livepoll/go/internal/models"
	"github.com/mcdev12/livepoll/go/internal/poll/events"
)

type recordingSender struct {
	mu        sync.Mutex
	connected bool
	sent      []events.Envelope
}

func (s *recordingSender) Send(_ context.Context, env events.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return models.ErrNotConnected
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *recordingSender) setConnected(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = v
}

func (s *recordingSender) joins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, env := range s.sent {
		if env.Type == events.MessageJoinRoom {
			ids = append(ids, env.PollID)
		}
	}
	return ids
}

func (s *recordingSender) count(t events.MessageType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, env := range s.sent {
		if env.Type == t {
			n++
		}
	}
	return n
}

func TestTracker_SubscribeIsIdempotent(t *testing.T) {
	sender := &recordingSender{connected: true}
	tracker := NewTracker(sender)
	ctx := context.Background()

	require.NoError(t, tracker.Subscribe(ctx, "p1"))
	require.NoError(t, tracker.Subscribe(ctx, "p1"))

	assert.Equal(t, []string{"p1"}, sender.joins())
	assert.True(t, tracker.IsSubscribed("p1"))
	assert.True(t, tracker.IsJoined("p1"))
	assert.Equal(t, []string{"p1"}, tracker.Active())
}

func TestTracker_Unsubscribe(t *testing.T) {
	sender := &recordingSender{connected: true}
	tracker := NewTracker(sender)
	ctx := context.Background()

	require.NoError(t, tracker.Subscribe(ctx, "p1"))
	require.NoError(t, tracker.Unsubscribe(ctx, "p1"))
	require.NoError(t, tracker.Unsubscribe(ctx, "p1"))

	assert.False(t, tracker.IsSubscribed("p1"))
	assert.Empty(t, tracker.Active())
	assert.Equal(t, 1, sender.count(events.MessageLeaveRoom))
}

func TestTracker_SubscribeWhileDisconnectedKeepsInterest(t *testing.T) {
	sender := &recordingSender{}
	tracker := NewTracker(sender)
	ctx := context.Background()

	err := tracker.Subscribe(ctx, "p1")
	require.ErrorIs(t, err, models.ErrNotConnected)
	assert.True(t, tracker.IsSubscribed("p1"))
	assert.False(t, tracker.IsJoined("p1"))

	sender.setConnected(true)
	require.NoError(t, tracker.Resubscribe(ctx))
	assert.Equal(t, []string{"p1"}, sender.joins())
}

func TestTracker_ResubscribeAfterReconnectHasNoDuplicates(t *testing.T) {
	sender := &recordingSender{connected: true}
	tracker := NewTracker(sender)
	ctx := context.Background()

	require.NoError(t, tracker.Subscribe(ctx, "p2"))
	require.NoError(t, tracker.Subscribe(ctx, "p1"))

	// nothing is missing on the live connection
	require.NoError(t, tracker.Resubscribe(ctx))
	assert.Equal(t, []string{"p2", "p1"}, sender.joins())

	tracker.MarkDisconnected()
	assert.False(t, tracker.IsJoined("p1"))

	require.NoError(t, tracker.Resubscribe(ctx))
	require.NoError(t, tracker.Resubscribe(ctx))
	assert.Equal(t, []string{"p2", "p1", "p1", "p2"}, sender.joins())
	assert.True(t, tracker.IsJoined("p1"))
	assert.True(t, tracker.IsJoined("p2"))
}

func TestTracker_UnsubscribedRoomIsNotReplayed(t *testing.T) {
	sender := &recordingSender{connected: true}
	tracker := NewTracker(sender)
	ctx := context.Background()

	require.NoError(t, tracker.Subscribe(ctx, "p1"))
	require.NoError(t, tracker.Subscribe(ctx, "p2"))
	require.NoError(t, tracker.Unsubscribe(ctx, "p1"))

	tracker.MarkDisconnected()
	require.NoError(t, tracker.Resubscribe(ctx))

	assert.Equal(t, []string{"p1", "p2", "p2"}, sender.joins())
	assert.Equal(t, []string{"p2"}, tracker.Active())
}
