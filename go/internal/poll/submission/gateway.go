// Package submission sends the viewer's vote at most once per user action.
package submission

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livepoll/go/internal/models"
	"github.com/mcdev12/livepoll/go/internal/poll/aggregation"
)

// VoteSubmitter records a vote with the poll directory
type VoteSubmitter interface {
	SubmitVote(ctx context.Context, pollID string, optionIndex int) (models.VoteReceipt, error)
}

// Gateway guards submissions with the locally known poll state. A failed
// submission is never retried and leaves the store untouched.
type Gateway struct {
	submitter VoteSubmitter
	store     *aggregation.Store
	clock     clockwork.Clock

	mu       sync.Mutex
	userID   string
	inFlight map[string]struct{}
}

// NewGateway creates a submission gateway
func NewGateway(submitter VoteSubmitter, store *aggregation.Store, clock clockwork.Clock) *Gateway {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Gateway{
		submitter: submitter,
		store:     store,
		clock:     clock,
		inFlight:  make(map[string]struct{}),
	}
}

// SetUser sets the identity votes are attributed to. An empty id means the
// viewer is anonymous and cannot vote.
func (g *Gateway) SetUser(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.userID = userID
}

// User returns the current viewer identity
func (g *Gateway) User() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.userID
}

// CanVote runs the local checks Submit applies to any option, without
// contacting the directory.
func (g *Gateway) CanVote(pollID string) error {
	_, _, err := g.check(pollID, 0)
	return err
}

func (g *Gateway) check(pollID string, optionIndex int) (models.Poll, string, error) {
	poll, ok := g.store.Poll(pollID)
	if !ok {
		return models.Poll{}, "", fmt.Errorf("poll %s: %w", pollID, models.ErrPollNotLoaded)
	}
	if !poll.ValidOption(optionIndex) {
		return models.Poll{}, "", fmt.Errorf("option %d of %d: %w", optionIndex, len(poll.Options), models.ErrInvalidOption)
	}

	userID := g.User()
	if userID == "" {
		return models.Poll{}, "", models.ErrNotAuthenticated
	}
	if g.store.HasVoted(pollID, userID) {
		return models.Poll{}, "", models.ErrAlreadyVoted
	}
	if poll.Expired(g.clock.Now()) {
		return models.Poll{}, "", models.ErrPollExpired
	}
	return poll, userID, nil
}

// Submit sends a vote for optionIndex. Local validation failures are returned
// before any request is made. On success the vote is recorded in the store
// until an authoritative update supersedes it.
func (g *Gateway) Submit(ctx context.Context, pollID string, optionIndex int) (models.VoteReceipt, error) {
	_, userID, err := g.check(pollID, optionIndex)
	if err != nil {
		return models.VoteReceipt{}, err
	}

	g.mu.Lock()
	if _, busy := g.inFlight[pollID]; busy {
		g.mu.Unlock()
		return models.VoteReceipt{}, models.ErrSubmissionInFlight
	}
	g.inFlight[pollID] = struct{}{}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.inFlight, pollID)
		g.mu.Unlock()
	}()

	// a concurrent submission may have completed since check
	if g.store.HasVoted(pollID, userID) {
		return models.VoteReceipt{}, models.ErrAlreadyVoted
	}

	receipt, err := g.submitter.SubmitVote(ctx, pollID, optionIndex)
	if err != nil {
		log.Warn().
			Err(err).
			Str("poll_id", pollID).
			Int("option_index", optionIndex).
			Str("kind", string(models.KindOf(err))).
			Msg("vote submission failed")
		return models.VoteReceipt{}, fmt.Errorf("submit vote for poll %s: %w", pollID, err)
	}

	if receipt.UserID == "" {
		receipt.UserID = userID
	}
	if receipt.PollID == "" {
		receipt.PollID = pollID
	}
	g.store.RecordOwnVote(pollID, receipt.UserID, receipt.OptionIndex, receipt.RecordedAt)

	log.Info().
		Str("poll_id", pollID).
		Str("user_id", receipt.UserID).
		Int("option_index", receipt.OptionIndex).
		Msg("vote recorded")
	return receipt, nil
}
