package directory

import (
	"context"
	"sort"
	"sync"

	"github.com/mcdev12/livepoll/go/internal/models"
)

// MemoryRepository keeps polls in process. It backs the directory when no
// database is configured and in tests.
type MemoryRepository struct {
	mu    sync.RWMutex
	polls map[string]models.Poll
	votes map[string]map[string]models.Vote
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		polls: make(map[string]models.Poll),
		votes: make(map[string]map[string]models.Vote),
	}
}

func (r *MemoryRepository) CreatePoll(_ context.Context, poll models.Poll) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	poll.Options = append([]string(nil), poll.Options...)
	poll.Votes = nil
	r.polls[poll.ID] = poll
	r.votes[poll.ID] = make(map[string]models.Vote)
	return nil
}

func (r *MemoryRepository) ListPolls(_ context.Context) ([]models.Poll, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Poll, 0, len(r.polls))
	for id := range r.polls {
		out = append(out, r.pollLocked(id))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryRepository) GetPoll(_ context.Context, id string) (models.Poll, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.polls[id]; !ok {
		return models.Poll{}, models.ErrPollNotFound
	}
	return r.pollLocked(id), nil
}

func (r *MemoryRepository) pollLocked(id string) models.Poll {
	p := r.polls[id]
	p.Options = append([]string(nil), p.Options...)
	p.Votes = make([]models.Vote, 0, len(r.votes[id]))
	for _, v := range r.votes[id] {
		p.Votes = append(p.Votes, v)
	}
	sort.Slice(p.Votes, func(i, j int) bool { return p.Votes[i].UserID < p.Votes[j].UserID })
	return p
}

func (r *MemoryRepository) InsertVote(_ context.Context, vote models.Vote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	votes, ok := r.votes[vote.PollID]
	if !ok {
		return models.ErrPollNotFound
	}
	if _, dup := votes[vote.UserID]; dup {
		return models.ErrAlreadyVoted
	}
	votes[vote.UserID] = vote
	return nil
}

func (r *MemoryRepository) DeletePoll(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.polls[id]; !ok {
		return models.ErrPollNotFound
	}
	delete(r.polls, id)
	delete(r.votes, id)
	return nil
}

func (r *MemoryRepository) Ping(context.Context) error {
	return nil
}
