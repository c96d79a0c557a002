package models

import (
	"fmt"
	"strings"
	"time"
)

// MinPollOptions is the smallest number of options a poll may carry.
const MinPollOptions = 2

// Poll represents a poll together with the vote set known at AsOf.
type Poll struct {
	ID        string    `json:"id"`
	Question  string    `json:"question"`
	Options   []string  `json:"options"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	IsExpired bool      `json:"is_expired"`
	Votes     []Vote    `json:"votes"`
	// AsOf is the server time the vote set was read. Snapshots and streamed
	// updates are ordered by it.
	AsOf time.Time `json:"as_of"`
}

// Expired reports whether the poll is closed for voting at now.
func (p *Poll) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// ValidOption reports whether idx addresses one of the poll's options.
func (p *Poll) ValidOption(idx int) bool {
	return idx >= 0 && idx < len(p.Options)
}

// Tally returns the per-option counts of the poll's vote set.
func (p *Poll) Tally() Tally {
	return TallyVotes(len(p.Options), p.Votes)
}

// CreatePollInput holds the fields needed to create a poll.
type CreatePollInput struct {
	Question  string    `json:"question"`
	Options   []string  `json:"options"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Validate checks the input before a poll is created at now.
func (in CreatePollInput) Validate(now time.Time) error {
	if strings.TrimSpace(in.Question) == "" {
		return fmt.Errorf("%w: question is required", ErrInvalidPoll)
	}
	if len(in.Options) < MinPollOptions {
		return fmt.Errorf("%w: at least %d options are required", ErrInvalidPoll, MinPollOptions)
	}
	for i, opt := range in.Options {
		if strings.TrimSpace(opt) == "" {
			return fmt.Errorf("%w: option %d is empty", ErrInvalidPoll, i)
		}
	}
	if in.ExpiresAt.IsZero() || !in.ExpiresAt.After(now) {
		return fmt.Errorf("%w: expiry must be in the future", ErrInvalidPoll)
	}
	return nil
}
