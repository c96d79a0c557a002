package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/livepoll/go/internal/auth"
	"github.com/mcdev12/livepoll/go/internal/clientconfig"
	"github.com/mcdev12/livepoll/go/internal/directory"
	"github.com/mcdev12/livepoll/go/internal/gateway"
	"github.com/mcdev12/livepoll/go/internal/models"
	"github.com/mcdev12/livepoll/go/internal/poll/coordinator"
	"github.com/mcdev12/livepoll/go/internal/poll/events"
)

// eventBridge hands directory events straight to the gateway handler in
// place of JetStream.
type eventBridge struct {
	handler *gateway.EventHandler
}

func (b *eventBridge) forward(ctx context.Context, eventType string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.handler.Handle(ctx, eventType, data)
}

func (b *eventBridge) PublishVoteRecorded(ctx context.Context, event events.VoteRecordedEvent) error {
	return b.forward(ctx, events.EventTypeVoteRecorded, event)
}

func (b *eventBridge) PublishPollDeleted(ctx context.Context, event events.PollDeletedEvent) error {
	return b.forward(ctx, events.EventTypePollDeleted, event)
}

type stack struct {
	app       *directory.App
	rooms     *gateway.ConnectionManager
	tokens    *auth.TokenService
	directory *httptest.Server
	channel   *httptest.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()
	clock := clockwork.NewRealClock()
	tokens := auth.NewTokenService("test-secret", clock)

	cm := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())
	bridge := &eventBridge{}
	app := directory.NewApp(directory.NewMemoryRepository(), bridge, clock, directory.AppConfig{})
	bridge.handler = gateway.NewEventHandler(app, cm, clock)

	dirServer := httptest.NewServer(directory.NewService(app, tokens).Routes())
	mux := http.NewServeMux()
	gateway.NewWebSocketHandler(cm, tokens).RegisterRoutes(mux)
	chanServer := httptest.NewServer(mux)

	ctx, cancel := context.WithCancel(context.Background())
	go cm.Start(ctx)
	t.Cleanup(func() {
		cancel()
		chanServer.Close()
		dirServer.Close()
	})

	return &stack{app: app, rooms: cm, tokens: tokens, directory: dirServer, channel: chanServer}
}

func (s *stack) token(t *testing.T, user string) string {
	t.Helper()
	token, err := s.tokens.Issue(user, time.Hour)
	require.NoError(t, err)
	return token
}

func (s *stack) newClient(t *testing.T, user string) *Client {
	t.Helper()
	cfg := clientconfig.Default()
	cfg.DirectoryURL = s.directory.URL
	cfg.ChannelURL = "ws" + strings.TrimPrefix(s.channel.URL, "http") + "/ws/polls"
	cfg.Reconnect.InitialDelay = 10 * time.Millisecond
	if user != "" {
		cfg.Credential = s.token(t, user)
	}

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, c.Shutdown(ctx))
	})
	return c
}

func waitView(t *testing.T, c *Client, id coordinator.ViewID, cond func(coordinator.View) bool) coordinator.View {
	t.Helper()
	var last coordinator.View
	require.Eventually(t, func() bool {
		v, ok := c.Coordinator.View(id)
		last = v
		return ok && cond(v)
	}, 5*time.Second, 10*time.Millisecond, "view never reached the expected state")
	return last
}

func TestClient_WatchAndVote(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	pollID, err := s.app.CreatePoll(ctx, "owner", models.CreatePollInput{
		Question:  "Favourite colour?",
		Options:   []string{"Red", "Blue"},
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	alice := s.newClient(t, "alice")
	viewer := s.newClient(t, "")

	aliceView, err := alice.Watch(ctx, pollID)
	require.NoError(t, err)
	viewerView, err := viewer.Watch(ctx, pollID)
	require.NoError(t, err)

	waitView(t, alice, aliceView, func(v coordinator.View) bool { return v.State == coordinator.StateLive })
	waitView(t, viewer, viewerView, func(v coordinator.View) bool { return v.State == coordinator.StateLive })
	require.Eventually(t, func() bool {
		return s.rooms.GetConnectionStats().PollConnections[pollID] == 2
	}, 5*time.Second, 10*time.Millisecond)

	receipt, err := alice.Vote(ctx, pollID, 1)
	require.NoError(t, err)
	assert.Equal(t, "alice", receipt.UserID)

	v := waitView(t, alice, aliceView, func(v coordinator.View) bool { return v.Tally.Total == 1 })
	assert.Equal(t, 1, v.Tally.Counts[1])
	assert.True(t, alice.Store.HasVoted(pollID, "alice"))

	v = waitView(t, viewer, viewerView, func(v coordinator.View) bool { return v.Tally.Total == 1 })
	assert.Equal(t, 1, v.Tally.Counts[1], "anonymous viewer sees the streamed vote")

	_, err = alice.Vote(ctx, pollID, 0)
	assert.ErrorIs(t, err, models.ErrAlreadyVoted)

	_, err = viewer.Vote(ctx, pollID, 0)
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)
}

func TestClient_DeletedPollEndsView(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	owner := s.newClient(t, "owner")
	pollID, err := owner.CreatePoll(ctx, models.CreatePollInput{
		Question:  "Lunch?",
		Options:   []string{"Pizza", "Salad"},
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	id, err := owner.Watch(ctx, pollID)
	require.NoError(t, err)
	waitView(t, owner, id, func(v coordinator.View) bool { return v.State == coordinator.StateLive })
	require.Eventually(t, func() bool {
		return s.rooms.GetConnectionStats().PollConnections[pollID] == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, owner.DeletePoll(ctx, pollID))
	v := waitView(t, owner, id, func(v coordinator.View) bool { return v.State == coordinator.StateError })
	assert.ErrorIs(t, v.Err, models.ErrPollNotFound)
}

func TestClient_ListPolls(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	c := s.newClient(t, "owner")

	first, err := c.CreatePoll(ctx, models.CreatePollInput{
		Question: "One?", Options: []string{"a", "b"}, ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	second, err := c.CreatePoll(ctx, models.CreatePollInput{
		Question: "Two?", Options: []string{"a", "b"}, ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	polls, err := c.ListPolls(ctx)
	require.NoError(t, err)
	require.Len(t, polls, 2)

	next, ok := NextPollID(polls, first)
	require.True(t, ok)
	assert.Equal(t, second, next)
}

func TestClient_RejectsMalformedCredential(t *testing.T) {
	cfg := clientconfig.Default()
	cfg.Credential = "not-a-jwt"
	_, err := New(cfg)
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)
}

func TestNextPollID(t *testing.T) {
	polls := []models.Poll{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	next, ok := NextPollID(polls, "a")
	assert.True(t, ok)
	assert.Equal(t, "b", next)

	next, _ = NextPollID(polls, "c")
	assert.Equal(t, "a", next)

	next, _ = NextPollID(polls, "unknown")
	assert.Equal(t, "a", next)

	_, ok = NextPollID(nil, "a")
	assert.False(t, ok)
}
