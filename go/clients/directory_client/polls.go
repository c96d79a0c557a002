package directory_client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/mcdev12/livepoll/go/internal/models"
)

type ListPollsResponse struct {
	Polls []models.Poll `json:"polls"`
}

type CreatePollResponse struct {
	ID string `json:"id"`
}

type SubmitVoteRequest struct {
	OptionIndex int `json:"option_index"`
}

// ListPolls returns every poll with its vote set
func (c *DirectoryClient) ListPolls(ctx context.Context) ([]models.Poll, error) {
	body, err := c.Get(ctx, PollsEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to list polls: %w", classify(err))
	}

	var response ListPollsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}
	return response.Polls, nil
}

// GetPoll returns the poll with its full vote set as of the directory's read
// time.
func (c *DirectoryClient) GetPoll(ctx context.Context, pollID string) (models.Poll, error) {
	body, err := c.Get(ctx, pollEndpoint(pollID))
	if err != nil {
		return models.Poll{}, fmt.Errorf("failed to get poll %s: %w", pollID, classify(err))
	}

	var poll models.Poll
	if err := json.Unmarshal(body, &poll); err != nil {
		return models.Poll{}, fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}
	return poll, nil
}

// CreatePoll validates the input locally and creates the poll
func (c *DirectoryClient) CreatePoll(ctx context.Context, input models.CreatePollInput) (string, error) {
	if err := input.Validate(c.clock.Now()); err != nil {
		return "", err
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to marshal poll: %w", err)
	}

	body, err := c.Post(ctx, PollsEndpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create poll: %w", classify(err))
	}

	var response CreatePollResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}
	return response.ID, nil
}

// DeletePoll removes a poll owned by the caller
func (c *DirectoryClient) DeletePoll(ctx context.Context, pollID string) error {
	if _, err := c.Delete(ctx, pollEndpoint(pollID)); err != nil {
		return fmt.Errorf("failed to delete poll %s: %w", pollID, classify(err))
	}
	return nil
}

// SubmitVote records the caller's vote. It is sent exactly once; callers must
// not retry on failure.
func (c *DirectoryClient) SubmitVote(ctx context.Context, pollID string, optionIndex int) (models.VoteReceipt, error) {
	payload, err := json.Marshal(SubmitVoteRequest{OptionIndex: optionIndex})
	if err != nil {
		return models.VoteReceipt{}, fmt.Errorf("failed to marshal vote: %w", err)
	}

	body, err := c.Post(ctx, voteEndpoint(pollID), bytes.NewReader(payload))
	if err != nil {
		return models.VoteReceipt{}, fmt.Errorf("failed to submit vote for poll %s: %w", pollID, classify(err))
	}

	var receipt models.VoteReceipt
	if err := json.Unmarshal(body, &receipt); err != nil {
		return models.VoteReceipt{}, fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}
	return receipt, nil
}

// Health checks that the directory is reachable
func (c *DirectoryClient) Health(ctx context.Context) error {
	if _, err := c.Get(ctx, HealthEndpoint); err != nil {
		return classify(err)
	}
	return nil
}
