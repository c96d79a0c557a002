// Package coordinator drives the per-view synchronization state machine: it
// joins the poll room, pulls the snapshot, buffers streamed updates that race
// the snapshot and resyncs after reconnects.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livepoll/go/internal/models"
	"github.com/mcdev12/livepoll/go/internal/poll/aggregation"
	"github.com/mcdev12/livepoll/go/internal/poll/events"
	"github.com/mcdev12/livepoll/go/internal/poll/live"
	"github.com/mcdev12/livepoll/go/internal/poll/rooms"
)

// SnapshotFetcher pulls the current state of a poll
type SnapshotFetcher interface {
	GetPoll(ctx context.Context, pollID string) (models.Poll, error)
}

// Channel is the live update channel as seen by the coordinator
type Channel interface {
	State() live.State
	Subscribe() (<-chan live.LifecycleEvent, func())
	Messages() <-chan events.Envelope
}

type view struct {
	id     ViewID
	pollID string
	state  ViewState
	err    error

	// generation identifies the latest snapshot request; older results are
	// discarded.
	generation     uint64
	cancelFetch    context.CancelFunc
	fetchConnected bool

	buffered []events.VoteUpdatePayload
}

type snapshotResult struct {
	viewID     ViewID
	generation uint64
	poll       models.Poll
	err        error
}

// Coordinator owns every poll view of one client
type Coordinator struct {
	fetcher SnapshotFetcher
	tracker *rooms.Tracker
	store   *aggregation.Store
	channel Channel
	clock   clockwork.Clock

	lifecycle   <-chan live.LifecycleEvent
	unsubscribe func()
	results     chan snapshotResult

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// roomMu orders room joins and leaves against the last-view decision
	roomMu sync.Mutex

	mu        sync.Mutex
	connected bool
	views     map[ViewID]*view
	byPoll    map[string]map[ViewID]struct{}

	watchMu  sync.Mutex
	watchers map[chan Change]struct{}
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithClock replaces the real clock, for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// NewCoordinator creates a coordinator. It subscribes to the channel's
// lifecycle immediately so no transition between construction and Run is lost.
func NewCoordinator(
	fetcher SnapshotFetcher,
	tracker *rooms.Tracker,
	store *aggregation.Store,
	channel Channel,
	opts ...Option,
) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	lifecycle, unsubscribe := channel.Subscribe()

	c := &Coordinator{
		fetcher:     fetcher,
		tracker:     tracker,
		store:       store,
		channel:     channel,
		clock:       clockwork.NewRealClock(),
		lifecycle:   lifecycle,
		unsubscribe: unsubscribe,
		results:     make(chan snapshotResult, 16),
		baseCtx:     ctx,
		baseCancel:  cancel,
		connected:   channel.State() == live.StateConnected,
		views:       make(map[ViewID]*view),
		byPoll:      make(map[string]map[ViewID]struct{}),
		watchers:    make(map[chan Change]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run processes lifecycle events, channel messages and snapshot results
// until ctx is done. Pending snapshot requests are cancelled on return.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.unsubscribe()
	defer c.baseCancel()

	log.Info().Msg("coordinator started")

	messages := c.channel.Messages()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("coordinator stopped")
			return ctx.Err()

		case ev := <-c.lifecycle:
			c.handleLifecycle(ctx, ev)

		case env, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			c.handleMessage(env)

		case res := <-c.results:
			c.handleSnapshot(res)
		}
	}
}

// EnterView opens a view of pollID: it joins the room and requests the
// snapshot concurrently.
func (c *Coordinator) EnterView(ctx context.Context, pollID string) (ViewID, error) {
	if pollID == "" {
		return ViewID{}, fmt.Errorf("%w: empty poll id", models.ErrInvalidPoll)
	}

	v := &view{
		id:     uuid.New(),
		pollID: pollID,
		state:  StateLoading,
	}

	c.mu.Lock()
	c.views[v.id] = v
	if c.byPoll[pollID] == nil {
		c.byPoll[pollID] = make(map[ViewID]struct{})
	}
	c.byPoll[pollID][v.id] = struct{}{}
	c.startFetchLocked(v)
	c.mu.Unlock()

	log.Info().Str("poll_id", pollID).Str("view_id", v.id.String()).Msg("entered poll view")
	c.notify(v.id, pollID, StateLoading)

	c.roomMu.Lock()
	c.subscribeRoom(ctx, pollID)
	c.roomMu.Unlock()
	return v.id, nil
}

// ExitView closes a view, discarding its buffered updates and any pending
// snapshot. The room is left when no other view of the poll remains.
func (c *Coordinator) ExitView(ctx context.Context, id ViewID) error {
	c.roomMu.Lock()
	defer c.roomMu.Unlock()

	c.mu.Lock()
	v, ok := c.views[id]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if v.cancelFetch != nil {
		v.cancelFetch()
	}
	delete(c.views, id)
	pollID := v.pollID
	delete(c.byPoll[pollID], id)
	last := len(c.byPoll[pollID]) == 0
	if last {
		delete(c.byPoll, pollID)
		c.store.Forget(pollID)
	}
	c.mu.Unlock()

	log.Info().Str("poll_id", pollID).Str("view_id", id.String()).Msg("exited poll view")
	c.notify(id, pollID, StateIdle)

	if !last {
		return nil
	}
	if err := c.tracker.Unsubscribe(ctx, pollID); err != nil && !errors.Is(err, models.ErrNotConnected) {
		return err
	}
	return nil
}

// Retry re-enters Loading from the Error state.
func (c *Coordinator) Retry(ctx context.Context, id ViewID) error {
	c.mu.Lock()
	v, ok := c.views[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("view %s: %w", id, models.ErrNotFound)
	}
	if v.state != StateError {
		c.mu.Unlock()
		return nil
	}
	v.state = StateLoading
	v.err = nil
	c.startFetchLocked(v)
	pollID := v.pollID
	c.mu.Unlock()

	log.Info().Str("poll_id", pollID).Str("view_id", id.String()).Msg("retrying poll view")
	c.notify(id, pollID, StateLoading)

	c.roomMu.Lock()
	c.subscribeRoom(ctx, pollID)
	c.roomMu.Unlock()
	return nil
}

// View returns the current projection of a view.
func (c *Coordinator) View(id ViewID) (View, bool) {
	c.mu.Lock()
	v, ok := c.views[id]
	if !ok {
		c.mu.Unlock()
		return View{ID: id, State: StateIdle}, false
	}
	out := View{ID: v.id, PollID: v.pollID, State: v.state, Err: v.err}
	c.mu.Unlock()

	out.Poll, out.HasPoll = c.store.Poll(out.PollID)
	if out.HasPoll {
		out.Tally = out.Poll.Tally()
		out.Expired = out.Poll.Expired(c.clock.Now())
	}
	return out, true
}

// Views returns every open view ordered by poll id.
func (c *Coordinator) Views() []View {
	c.mu.Lock()
	ids := make([]ViewID, 0, len(c.views))
	for id := range c.views {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	out := make([]View, 0, len(ids))
	for _, id := range ids {
		if v, ok := c.View(id); ok {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PollID != out[j].PollID {
			return out[i].PollID < out[j].PollID
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Watch registers for view state changes. Notifications are dropped for a
// watcher that does not keep up; callers re-read the view on every change.
func (c *Coordinator) Watch() (<-chan Change, func()) {
	ch := make(chan Change, 64)

	c.watchMu.Lock()
	c.watchers[ch] = struct{}{}
	c.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.watchMu.Lock()
			delete(c.watchers, ch)
			c.watchMu.Unlock()
		})
	}
}

func (c *Coordinator) notify(id ViewID, pollID string, state ViewState) {
	change := Change{ViewID: id, PollID: pollID, State: state, At: c.clock.Now()}

	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for ch := range c.watchers {
		select {
		case ch <- change:
		default:
			log.Warn().Str("poll_id", pollID).Msg("view watcher full, dropping change")
		}
	}
}

func (c *Coordinator) subscribeRoom(ctx context.Context, pollID string) {
	if err := c.tracker.Subscribe(ctx, pollID); err != nil {
		if errors.Is(err, models.ErrNotConnected) {
			log.Debug().Str("poll_id", pollID).Msg("room join deferred until connected")
			return
		}
		log.Warn().Err(err).Str("poll_id", pollID).Msg("failed to join poll room")
	}
}

// startFetchLocked supersedes any pending snapshot request of v. Callers hold
// c.mu.
func (c *Coordinator) startFetchLocked(v *view) {
	if v.cancelFetch != nil {
		v.cancelFetch()
	}
	v.generation++
	v.buffered = nil
	v.fetchConnected = c.connected

	ctx, cancel := context.WithCancel(c.baseCtx)
	v.cancelFetch = cancel

	id, pollID, generation := v.id, v.pollID, v.generation
	go func() {
		poll, err := c.fetcher.GetPoll(ctx, pollID)
		select {
		case c.results <- snapshotResult{viewID: id, generation: generation, poll: poll, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (c *Coordinator) handleSnapshot(res snapshotResult) {
	c.mu.Lock()
	v, ok := c.views[res.viewID]
	if !ok || v.generation != res.generation {
		c.mu.Unlock()
		log.Debug().Str("view_id", res.viewID.String()).Msg("discarding snapshot for superseded view")
		return
	}
	v.cancelFetch = nil

	if res.err != nil {
		v.state = StateError
		v.err = res.err
		v.buffered = nil
		pollID := v.pollID
		c.mu.Unlock()

		log.Error().Err(res.err).Str("poll_id", pollID).Msg("failed to load poll snapshot")
		c.notify(res.viewID, pollID, StateError)
		return
	}

	buffered := v.buffered
	v.buffered = nil

	c.store.ApplySnapshot(res.poll)
	for _, update := range buffered {
		c.store.ApplyDelta(update.PollID, update.Votes, update.Timestamp)
	}

	if c.connected {
		v.state = StateLive
	} else {
		v.state = StateStale
	}
	state, pollID := v.state, v.pollID
	c.mu.Unlock()

	log.Info().
		Str("poll_id", pollID).
		Int("buffered", len(buffered)).
		Str("state", state.String()).
		Msg("applied poll snapshot")
	c.notify(res.viewID, pollID, state)
}

func (c *Coordinator) handleMessage(env events.Envelope) {
	switch env.Type {
	case events.MessageVoteUpdate:
		update, err := events.ParseVoteUpdate(env)
		if err != nil {
			log.Warn().Err(err).Str("poll_id", env.PollID).Msg("dropping malformed vote update")
			return
		}
		c.handleVoteUpdate(update)
	case events.MessagePollDeleted:
		c.handlePollDeleted(env.PollID)
	case events.MessageError:
		log.Warn().Str("poll_id", env.PollID).Str("data", string(env.Data)).Msg("channel reported an error")
	default:
		log.Debug().Str("type", string(env.Type)).Msg("ignoring channel message")
	}
}

func (c *Coordinator) handleVoteUpdate(update events.VoteUpdatePayload) {
	if !c.tracker.IsSubscribed(update.PollID) {
		log.Debug().Str("poll_id", update.PollID).Msg("dropping update for unsubscribed poll")
		return
	}

	c.mu.Lock()
	apply := false
	var changed []ViewID
	for id := range c.byPoll[update.PollID] {
		v := c.views[id]
		switch v.state {
		case StateLoading, StateResyncing:
			v.buffered = append(v.buffered, update)
		case StateLive, StateStale:
			apply = true
			changed = append(changed, id)
		}
	}
	applied := apply && c.store.ApplyDelta(update.PollID, update.Votes, update.Timestamp)
	states := make(map[ViewID]ViewState, len(changed))
	for _, id := range changed {
		states[id] = c.views[id].state
	}
	c.mu.Unlock()

	if !applied {
		return
	}
	for _, id := range changed {
		c.notify(id, update.PollID, states[id])
	}
}

// handlePollDeleted moves every view of a deleted poll to the not-found error
// state.
func (c *Coordinator) handlePollDeleted(pollID string) {
	if !c.tracker.IsSubscribed(pollID) {
		return
	}

	c.mu.Lock()
	var changed []ViewID
	for id := range c.byPoll[pollID] {
		v := c.views[id]
		if v.cancelFetch != nil {
			v.cancelFetch()
			v.cancelFetch = nil
		}
		v.generation++
		v.buffered = nil
		v.state = StateError
		v.err = fmt.Errorf("poll %s deleted: %w", pollID, models.ErrPollNotFound)
		changed = append(changed, id)
	}
	c.mu.Unlock()

	log.Info().Str("poll_id", pollID).Int("views", len(changed)).Msg("poll deleted while viewed")
	for _, id := range changed {
		c.notify(id, pollID, StateError)
	}
}

func (c *Coordinator) handleLifecycle(ctx context.Context, ev live.LifecycleEvent) {
	log.Debug().Str("event", string(ev.Type)).Int("attempt", ev.Attempt).Msg("channel lifecycle event")

	switch ev.Type {
	case live.EventConnected, live.EventReconnected:
		c.onConnected(ctx)
	case live.EventDisconnected:
		c.onDisconnected()
	case live.EventReconnectFailed:
		c.onReconnectFailed(ev.Reason)
	}
}

func (c *Coordinator) onConnected(ctx context.Context) {
	c.mu.Lock()
	c.connected = true
	var resynced []*view
	for _, v := range c.views {
		switch {
		case v.state == StateStale:
			v.state = StateResyncing
			c.startFetchLocked(v)
			resynced = append(resynced, v)
		case (v.state == StateLoading || v.state == StateResyncing) && !v.fetchConnected:
			c.startFetchLocked(v)
		}
	}
	changes := make([]Change, 0, len(resynced))
	for _, v := range resynced {
		changes = append(changes, Change{ViewID: v.id, PollID: v.pollID, State: v.state})
	}
	c.mu.Unlock()

	if err := c.tracker.Resubscribe(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to rejoin some poll rooms")
	}

	for _, ch := range changes {
		c.notify(ch.ViewID, ch.PollID, ch.State)
	}
	if len(changes) > 0 {
		log.Info().Int("views", len(changes)).Msg("resyncing poll views")
	}
}

func (c *Coordinator) onDisconnected() {
	c.tracker.MarkDisconnected()

	c.mu.Lock()
	c.connected = false
	var changes []Change
	for _, v := range c.views {
		switch v.state {
		case StateLive:
			v.state = StateStale
			changes = append(changes, Change{ViewID: v.id, PollID: v.pollID, State: v.state})
		case StateLoading, StateResyncing:
			// a pending snapshot may miss votes broadcast while down
			v.fetchConnected = false
		}
	}
	c.mu.Unlock()

	for _, ch := range changes {
		c.notify(ch.ViewID, ch.PollID, ch.State)
	}
}

func (c *Coordinator) onReconnectFailed(reason error) {
	if reason == nil {
		reason = models.ErrReconnectExhausted
	}
	c.tracker.MarkDisconnected()

	c.mu.Lock()
	c.connected = false
	var changes []Change
	for _, v := range c.views {
		if v.state == StateError {
			continue
		}
		if v.cancelFetch != nil {
			v.cancelFetch()
			v.cancelFetch = nil
		}
		v.generation++
		v.buffered = nil
		v.state = StateError
		v.err = reason
		changes = append(changes, Change{ViewID: v.id, PollID: v.pollID, State: v.state})
	}
	c.mu.Unlock()

	for _, ch := range changes {
		c.notify(ch.ViewID, ch.PollID, ch.State)
	}
}
