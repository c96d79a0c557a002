// Package directory is the reference Poll Directory Service: the
// authoritative store of polls and votes and the source of vote events for
// the live update gateway.
package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livepoll/go/internal/models"
	"github.com/mcdev12/livepoll/go/internal/poll/events"
)

// PollRepository defines what the app layer needs from storage
type PollRepository interface {
	CreatePoll(ctx context.Context, poll models.Poll) error
	ListPolls(ctx context.Context) ([]models.Poll, error)
	GetPoll(ctx context.Context, id string) (models.Poll, error)
	InsertVote(ctx context.Context, vote models.Vote) error
	DeletePoll(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// EventPublisher announces committed changes
type EventPublisher interface {
	PublishVoteRecorded(ctx context.Context, event events.VoteRecordedEvent) error
	PublishPollDeleted(ctx context.Context, event events.PollDeletedEvent) error
}

type AppConfig struct {
	PublishRetries    int
	PublishRetryDelay time.Duration
}

func DefaultAppConfig() AppConfig {
	return AppConfig{
		PublishRetries:    3,
		PublishRetryDelay: 200 * time.Millisecond,
	}
}

// App handles poll business logic
type App struct {
	repo      PollRepository
	publisher EventPublisher
	clock     clockwork.Clock
	cfg       AppConfig
}

// NewApp creates a new directory App
func NewApp(repo PollRepository, publisher EventPublisher, clock clockwork.Clock, cfg AppConfig) *App {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &App{
		repo:      repo,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
	}
}

// now is truncated to the storage precision so receipts match stored votes.
func (a *App) now() time.Time {
	return a.clock.Now().UTC().Truncate(time.Microsecond)
}

// ListPolls returns every poll with its vote set
func (a *App) ListPolls(ctx context.Context) ([]models.Poll, error) {
	asOf := a.now()
	polls, err := a.repo.ListPolls(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list polls: %w", err)
	}
	for i := range polls {
		a.stamp(&polls[i], asOf)
	}
	return polls, nil
}

// GetPoll returns a poll with its full vote set. AsOf is taken before the
// read, so the vote set is at least as new as AsOf.
func (a *App) GetPoll(ctx context.Context, id string) (models.Poll, error) {
	asOf := a.now()
	poll, err := a.repo.GetPoll(ctx, id)
	if err != nil {
		return models.Poll{}, fmt.Errorf("failed to get poll: %w", err)
	}
	a.stamp(&poll, asOf)
	return poll, nil
}

func (a *App) stamp(poll *models.Poll, asOf time.Time) {
	poll.AsOf = asOf
	poll.IsExpired = poll.Expired(asOf)
	if poll.Votes == nil {
		poll.Votes = []models.Vote{}
	}
}

// CreatePoll validates and stores a new poll owned by userID
func (a *App) CreatePoll(ctx context.Context, userID string, input models.CreatePollInput) (string, error) {
	if userID == "" {
		return "", models.ErrNotAuthenticated
	}
	now := a.now()
	if err := input.Validate(now); err != nil {
		return "", err
	}

	poll := models.Poll{
		ID:        uuid.NewString(),
		Question:  input.Question,
		Options:   input.Options,
		ExpiresAt: input.ExpiresAt.UTC(),
		CreatedBy: userID,
		CreatedAt: now,
	}
	if err := a.repo.CreatePoll(ctx, poll); err != nil {
		return "", fmt.Errorf("failed to create poll: %w", err)
	}

	log.Info().
		Str("poll_id", poll.ID).
		Str("created_by", userID).
		Int("options", len(poll.Options)).
		Msg("created poll")
	return poll.ID, nil
}

// SubmitVote records userID's single vote and announces it
func (a *App) SubmitVote(ctx context.Context, userID, pollID string, optionIndex int) (models.VoteReceipt, error) {
	if userID == "" {
		return models.VoteReceipt{}, models.ErrNotAuthenticated
	}

	poll, err := a.repo.GetPoll(ctx, pollID)
	if err != nil {
		return models.VoteReceipt{}, fmt.Errorf("failed to get poll: %w", err)
	}

	now := a.now()
	if poll.Expired(now) {
		return models.VoteReceipt{}, models.ErrPollExpired
	}
	if !poll.ValidOption(optionIndex) {
		return models.VoteReceipt{}, models.ErrInvalidOption
	}

	vote := models.Vote{
		PollID:      pollID,
		UserID:      userID,
		OptionIndex: optionIndex,
		ReceivedAt:  now,
	}
	if err := a.repo.InsertVote(ctx, vote); err != nil {
		return models.VoteReceipt{}, fmt.Errorf("failed to record vote: %w", err)
	}

	log.Info().
		Str("poll_id", pollID).
		Str("user_id", userID).
		Int("option_index", optionIndex).
		Msg("recorded vote")

	event := events.VoteRecordedEvent{
		EventID:     uuid.NewString(),
		PollID:      pollID,
		UserID:      userID,
		OptionIndex: optionIndex,
		RecordedAt:  now,
	}
	// The vote is committed; a lost event only delays live viewers until the
	// next vote or resync.
	if err := a.publishWithRetry(ctx, event.EventID, func(ctx context.Context) error {
		return a.publisher.PublishVoteRecorded(ctx, event)
	}); err != nil {
		log.Error().Err(err).Str("poll_id", pollID).Msg("failed to publish vote event")
	}

	return models.VoteReceipt{
		PollID:      pollID,
		UserID:      userID,
		OptionIndex: optionIndex,
		RecordedAt:  now,
	}, nil
}

// DeletePoll removes a poll created by userID
func (a *App) DeletePoll(ctx context.Context, userID, pollID string) error {
	if userID == "" {
		return models.ErrNotAuthenticated
	}

	poll, err := a.repo.GetPoll(ctx, pollID)
	if err != nil {
		return fmt.Errorf("failed to get poll: %w", err)
	}
	if poll.CreatedBy != userID {
		return fmt.Errorf("%w: only the creator may delete poll %s", models.ErrForbidden, pollID)
	}

	if err := a.repo.DeletePoll(ctx, pollID); err != nil {
		return fmt.Errorf("failed to delete poll: %w", err)
	}
	log.Info().Str("poll_id", pollID).Str("deleted_by", userID).Msg("deleted poll")

	event := events.PollDeletedEvent{
		EventID:   uuid.NewString(),
		PollID:    pollID,
		DeletedAt: a.now(),
	}
	if err := a.publishWithRetry(ctx, event.EventID, func(ctx context.Context) error {
		return a.publisher.PublishPollDeleted(ctx, event)
	}); err != nil {
		log.Error().Err(err).Str("poll_id", pollID).Msg("failed to publish poll deleted event")
	}
	return nil
}

// Ping checks storage
func (a *App) Ping(ctx context.Context) error {
	return a.repo.Ping(ctx)
}

// publishWithRetry attempts to publish an event with a growing delay between
// attempts. The event id keeps retries idempotent in the stream.
func (a *App) publishWithRetry(ctx context.Context, eventID string, publish func(context.Context) error) error {
	if a.publisher == nil {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= a.cfg.PublishRetries; attempt++ {
		if delay := a.cfg.PublishRetryDelay * time.Duration(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-a.clock.After(delay):
			}
		}

		if err := publish(ctx); err != nil {
			lastErr = err
			log.Error().
				Err(err).
				Int("attempt", attempt+1).
				Str("event_id", eventID).
				Msg("failed to publish, retrying")
			continue
		}

		if attempt > 0 {
			log.Info().
				Int("attempt", attempt+1).
				Str("event_id", eventID).
				Msg("publish succeeded after retry")
		}
		return nil
	}

	return fmt.Errorf("publish failed after %d attempts: %w", a.cfg.PublishRetries+1, lastErr)
}
