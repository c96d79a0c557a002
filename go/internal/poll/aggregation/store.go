// Package aggregation holds the client's view of each poll's vote set.
//
// Both snapshots and streamed updates carry the complete vote set of a poll and
// are applied by wholesale replacement, ordered by their server timestamp.
// An update whose timestamp is not newer than the one currently applied for the
// poll is discarded, so replays and out-of-order delivery converge on the state
// of the newest update.
package aggregation

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livepoll/go/internal/models"
)

// pollState is the known state of one poll
type pollState struct {
	poll      models.Poll // metadata; Votes is unused
	hasPoll   bool
	votes     map[string]models.Vote
	appliedAt time.Time

	// optimistic holds the viewer's acknowledged votes not yet reflected in an
	// authoritative update.
	optimistic map[string]models.Vote
}

// Store is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	polls map[string]*pollState
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{polls: make(map[string]*pollState)}
}

func (s *Store) state(pollID string) *pollState {
	st, ok := s.polls[pollID]
	if !ok {
		st = &pollState{
			votes:      make(map[string]models.Vote),
			optimistic: make(map[string]models.Vote),
		}
		s.polls[pollID] = st
	}
	return st
}

// ApplySnapshot replaces the poll's metadata and vote set with the snapshot,
// stamped with poll.AsOf. It reports whether the snapshot was applied.
func (s *Store) ApplySnapshot(poll models.Poll) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(poll.ID)
	meta := poll
	meta.Votes = nil

	if !s.replaceLocked(st, poll.ID, poll.Votes, poll.AsOf) {
		if !st.hasPoll {
			st.poll = meta
			st.hasPoll = true
		}
		log.Debug().
			Str("poll_id", poll.ID).
			Time("as_of", poll.AsOf).
			Time("applied_at", st.appliedAt).
			Msg("discarding stale snapshot")
		return false
	}

	st.poll = meta
	st.hasPoll = true
	return true
}

// ApplyDelta replaces the poll's vote set with a streamed full vote set
// stamped with ts. It reports whether the update was applied.
func (s *Store) ApplyDelta(pollID string, votes []models.Vote, ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(pollID)
	if !s.replaceLocked(st, pollID, votes, ts) {
		log.Debug().
			Str("poll_id", pollID).
			Time("timestamp", ts).
			Time("applied_at", st.appliedAt).
			Msg("discarding stale vote update")
		return false
	}
	return true
}

// replaceLocked applies the last-writer-wins rule. Callers hold s.mu.
func (s *Store) replaceLocked(st *pollState, pollID string, votes []models.Vote, ts time.Time) bool {
	if !st.appliedAt.IsZero() && !ts.After(st.appliedAt) {
		return false
	}

	next := make(map[string]models.Vote, len(votes))
	for _, v := range models.DedupeVotes(votes) {
		v.PollID = pollID
		next[v.UserID] = v
	}
	st.votes = next
	st.appliedAt = ts

	// An optimistic vote survives only updates read before the server
	// recorded it. Without a recorded time any newer update supersedes it.
	for userID, v := range st.optimistic {
		if _, ok := next[userID]; ok || v.ReceivedAt.IsZero() || !ts.Before(v.ReceivedAt) {
			delete(st.optimistic, userID)
		}
	}
	return true
}

// RecordOwnVote adds the viewer's acknowledged vote to the poll's known set
// until an authoritative update supersedes it. It is a no-op when the user
// already has a vote in the set.
func (s *Store) RecordOwnVote(pollID, userID string, optionIndex int, recordedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(pollID)
	if _, ok := st.votes[userID]; ok {
		return
	}
	if _, ok := st.optimistic[userID]; ok {
		return
	}
	st.optimistic[userID] = models.Vote{
		PollID:      pollID,
		UserID:      userID,
		OptionIndex: optionIndex,
		ReceivedAt:  recordedAt,
	}
}

// HasVoted reports whether the poll's known vote set contains userID.
func (s *Store) HasVoted(pollID, userID string) bool {
	_, ok := s.OwnVote(pollID, userID)
	return ok
}

// OwnVote returns userID's vote in the poll's known vote set.
func (s *Store) OwnVote(pollID, userID string) (models.Vote, bool) {
	if userID == "" {
		return models.Vote{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.polls[pollID]
	if !ok {
		return models.Vote{}, false
	}
	if v, ok := st.votes[userID]; ok {
		return v, true
	}
	v, ok := st.optimistic[userID]
	return v, ok
}

// Votes returns the poll's known vote set ordered by user id.
func (s *Store) Votes(pollID string) []models.Vote {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.polls[pollID]
	if !ok {
		return nil
	}
	return st.voteSetLocked()
}

func (st *pollState) voteSetLocked() []models.Vote {
	out := make([]models.Vote, 0, len(st.votes)+len(st.optimistic))
	for _, v := range st.votes {
		out = append(out, v)
	}
	for userID, v := range st.optimistic {
		if _, ok := st.votes[userID]; !ok {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Tally returns the per-option counts of the poll's known vote set.
func (s *Store) Tally(pollID string) (models.Tally, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.polls[pollID]
	if !ok {
		return models.Tally{}, false
	}
	votes := st.voteSetLocked()
	return models.TallyVotes(st.optionCountLocked(votes), votes), true
}

func (st *pollState) optionCountLocked(votes []models.Vote) int {
	n := len(st.poll.Options)
	for _, v := range votes {
		if v.OptionIndex >= n {
			n = v.OptionIndex + 1
		}
	}
	return n
}

// Poll returns the poll's metadata with its known vote set. ok is false until
// a snapshot has been applied.
func (s *Store) Poll(pollID string) (models.Poll, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.polls[pollID]
	if !ok || !st.hasPoll {
		return models.Poll{}, false
	}
	p := st.poll
	p.Options = append([]string(nil), st.poll.Options...)
	p.Votes = st.voteSetLocked()
	p.AsOf = st.appliedAt
	return p, true
}

// AppliedAt returns the timestamp of the update currently applied for the poll.
func (s *Store) AppliedAt(pollID string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, ok := s.polls[pollID]; ok {
		return st.appliedAt
	}
	return time.Time{}
}

// Forget drops everything known about the poll.
func (s *Store) Forget(pollID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.polls, pollID)
}
