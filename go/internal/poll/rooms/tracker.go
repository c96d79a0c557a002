// Package rooms tracks which poll rooms the viewer wants to receive updates
// for and which of them the current connection has actually joined.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livepoll/go/internal/poll/events"
)

// Sender writes a client message to the live update channel
type Sender interface {
	Send(ctx context.Context, env events.Envelope) error
}

// Tracker keeps the desired room set separate from the joined set so a
// reconnect can replay exactly the rooms the new connection is missing.
type Tracker struct {
	sender Sender

	mu      sync.Mutex
	desired map[string]struct{}
	joined  map[string]struct{}
}

// NewTracker creates a tracker that joins rooms through sender
func NewTracker(sender Sender) *Tracker {
	return &Tracker{
		sender:  sender,
		desired: make(map[string]struct{}),
		joined:  make(map[string]struct{}),
	}
}

// Subscribe records interest in pollID and joins its room if the current
// connection has not joined it yet. Interest is kept when the join fails and
// the room is joined on the next Resubscribe.
func (t *Tracker) Subscribe(ctx context.Context, pollID string) error {
	t.mu.Lock()
	t.desired[pollID] = struct{}{}
	if _, ok := t.joined[pollID]; ok {
		t.mu.Unlock()
		return nil
	}
	t.joined[pollID] = struct{}{}
	t.mu.Unlock()

	return t.join(ctx, pollID)
}

// Unsubscribe drops interest in pollID and leaves its room.
func (t *Tracker) Unsubscribe(ctx context.Context, pollID string) error {
	t.mu.Lock()
	delete(t.desired, pollID)
	_, wasJoined := t.joined[pollID]
	delete(t.joined, pollID)
	t.mu.Unlock()

	if !wasJoined {
		return nil
	}
	if err := t.sender.Send(ctx, events.LeaveRoom(pollID)); err != nil {
		return fmt.Errorf("leave room %s: %w", pollID, err)
	}
	log.Debug().Str("poll_id", pollID).Msg("left poll room")
	return nil
}

// IsSubscribed reports whether the viewer is interested in pollID.
func (t *Tracker) IsSubscribed(pollID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.desired[pollID]
	return ok
}

// IsJoined reports whether the current connection has joined pollID's room.
func (t *Tracker) IsJoined(pollID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.joined[pollID]
	return ok
}

// Active returns the desired rooms in sorted order
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.desired))
	for id := range t.desired {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarkDisconnected forgets every join; the server drops rooms with the
// connection.
func (t *Tracker) MarkDisconnected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joined = make(map[string]struct{})
}

// Resubscribe joins every desired room the current connection is missing.
// Rooms already joined are not sent again.
func (t *Tracker) Resubscribe(ctx context.Context) error {
	t.mu.Lock()
	var missing []string
	for id := range t.desired {
		if _, ok := t.joined[id]; !ok {
			t.joined[id] = struct{}{}
			missing = append(missing, id)
		}
	}
	t.mu.Unlock()

	sort.Strings(missing)

	var errs []error
	for _, id := range missing {
		if err := t.join(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	if len(missing) > 0 {
		log.Info().
			Int("rooms", len(missing)).
			Int("failed", len(errs)).
			Msg("resubscribed poll rooms")
	}
	return errors.Join(errs...)
}

func (t *Tracker) join(ctx context.Context, pollID string) error {
	if err := t.sender.Send(ctx, events.JoinRoom(pollID)); err != nil {
		t.mu.Lock()
		delete(t.joined, pollID)
		t.mu.Unlock()
		return fmt.Errorf("join room %s: %w", pollID, err)
	}
	log.Debug().Str("poll_id", pollID).Msg("joined poll room")
	return nil
}
