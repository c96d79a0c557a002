// Package client wires the poll engine for one viewer. The client owns the
// live channel connection; it is created once and torn down with Shutdown.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livepoll/go/clients/directory_client"
	"github.com/mcdev12/livepoll/go/internal/auth"
	"github.com/mcdev12/livepoll/go/internal/clientconfig"
	"github.com/mcdev12/livepoll/go/internal/models"
	"github.com/mcdev12/livepoll/go/internal/poll/aggregation"
	"github.com/mcdev12/livepoll/go/internal/poll/coordinator"
	"github.com/mcdev12/livepoll/go/internal/poll/live"
	"github.com/mcdev12/livepoll/go/internal/poll/rooms"
	"github.com/mcdev12/livepoll/go/internal/poll/submission"
)

// Client is one viewer's poll engine
type Client struct {
	Directory   *directory_client.DirectoryClient
	Conn        *live.ConnectionManager
	Rooms       *rooms.Tracker
	Store       *aggregation.Store
	Coordinator *coordinator.Coordinator
	Votes       *submission.Gateway

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

type options struct {
	clock  clockwork.Clock
	dialer live.Dialer
}

// Option configures a Client
type Option func(*options)

// WithClock replaces the real clock, for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithDialer replaces the websocket dialer.
func WithDialer(dialer live.Dialer) Option {
	return func(o *options) { o.dialer = dialer }
}

// New builds every component from cfg. Nothing connects until Start.
func New(cfg clientconfig.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		o.dialer = live.NewWebSocketDialer(live.DefaultWebSocketConfig(cfg.ChannelURL))
	}

	liveCfg := live.DefaultConfig()
	liveCfg.Reconnect = cfg.ReconnectPolicy()

	c := &Client{
		Directory: directory_client.NewDirectoryClient(cfg.DirectoryURL, o.clock),
		Conn:      live.NewConnectionManager(o.dialer, liveCfg, live.WithClock(o.clock)),
		Store:     aggregation.NewStore(),
	}
	c.Rooms = rooms.NewTracker(c.Conn)
	c.Coordinator = coordinator.NewCoordinator(c.Directory, c.Rooms, c.Store, c.Conn, coordinator.WithClock(o.clock))
	c.Votes = submission.NewGateway(c.Directory, c.Store, o.clock)

	if err := c.SetCredential(cfg.Credential); err != nil {
		return nil, err
	}
	return c, nil
}

// SetCredential switches the viewer identity. The directory uses it on the
// next request and the channel on its next connect.
func (c *Client) SetCredential(token string) error {
	userID := ""
	if token != "" {
		var err error
		userID, err = auth.SubjectUnverified(token)
		if err != nil {
			return fmt.Errorf("%w: %w", models.ErrNotAuthenticated, err)
		}
	}

	c.Directory.SetCredential(token)
	c.Conn.SetCredential(token)
	c.Votes.SetUser(userID)

	log.Info().Bool("anonymous", userID == "").Str("user_id", userID).Msg("viewer credential set")
	return nil
}

// Start runs the coordinator and opens the live channel.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("client already started")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.started = true
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		if err := c.Coordinator.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("coordinator stopped")
		}
	}()

	if err := c.Conn.Open(ctx); err != nil {
		return fmt.Errorf("failed to open live channel: %w", err)
	}
	return nil
}

// Shutdown closes the channel and stops the coordinator.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	cancel, done := c.cancel, c.done
	c.started = false
	c.mu.Unlock()

	closeErr := c.Conn.Close()
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("client shutdown: %w", ctx.Err())
	}
	return closeErr
}

// Watch enters a live view of pollID.
func (c *Client) Watch(ctx context.Context, pollID string) (coordinator.ViewID, error) {
	return c.Coordinator.EnterView(ctx, pollID)
}

// Unwatch exits a view.
func (c *Client) Unwatch(ctx context.Context, id coordinator.ViewID) error {
	return c.Coordinator.ExitView(ctx, id)
}

// Retry reopens the channel if it gave up and reloads the view.
func (c *Client) Retry(ctx context.Context, id coordinator.ViewID) error {
	if c.Conn.State() == live.StateDisconnected {
		if err := c.Conn.Open(ctx); err != nil {
			log.Warn().Err(err).Msg("live channel still unavailable")
		}
	}
	return c.Coordinator.Retry(ctx, id)
}

// Vote submits the viewer's choice once.
func (c *Client) Vote(ctx context.Context, pollID string, optionIndex int) (models.VoteReceipt, error) {
	return c.Votes.Submit(ctx, pollID, optionIndex)
}

func (c *Client) ListPolls(ctx context.Context) ([]models.Poll, error) {
	return c.Directory.ListPolls(ctx)
}

func (c *Client) CreatePoll(ctx context.Context, input models.CreatePollInput) (string, error) {
	return c.Directory.CreatePoll(ctx, input)
}

func (c *Client) DeletePoll(ctx context.Context, pollID string) error {
	return c.Directory.DeletePoll(ctx, pollID)
}

// NextPollID returns the poll after current in list order, wrapping to the
// first. ok is false when polls is empty.
func NextPollID(polls []models.Poll, current string) (string, bool) {
	if len(polls) == 0 {
		return "", false
	}
	for i, p := range polls {
		if p.ID == current {
			return polls[(i+1)%len(polls)].ID, true
		}
	}
	return polls[0].ID, true
}
