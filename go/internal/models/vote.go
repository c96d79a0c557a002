package models

import (
	"sort"
	"time"
)

// Vote is one user's choice in a poll. (PollID, UserID) is unique.
type Vote struct {
	PollID      string    `json:"poll_id"`
	UserID      string    `json:"user_id"`
	OptionIndex int       `json:"option_index"`
	ReceivedAt  time.Time `json:"received_at"`
}

// VoteReceipt is the directory's acknowledgment of a recorded vote.
type VoteReceipt struct {
	PollID      string    `json:"poll_id"`
	UserID      string    `json:"user_id"`
	OptionIndex int       `json:"option_index"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Vote converts the receipt into the vote it acknowledges.
func (r VoteReceipt) Vote() Vote {
	return Vote{
		PollID:      r.PollID,
		UserID:      r.UserID,
		OptionIndex: r.OptionIndex,
		ReceivedAt:  r.RecordedAt,
	}
}

// Tally is the per-option vote count derived from a vote set.
type Tally struct {
	Counts map[int]int `json:"counts"`
	Total  int         `json:"total"`
}

// TallyVotes groups votes by option index. Every option below optionCount is
// present in Counts, and Total always equals len(votes).
func TallyVotes(optionCount int, votes []Vote) Tally {
	t := Tally{Counts: make(map[int]int, optionCount)}
	for i := 0; i < optionCount; i++ {
		t.Counts[i] = 0
	}
	for _, v := range votes {
		t.Counts[v.OptionIndex]++
		t.Total++
	}
	return t
}

// Percentage returns the share of votes for option idx in the range [0, 100].
func (t Tally) Percentage(idx int) float64 {
	if t.Total == 0 {
		return 0
	}
	return float64(t.Counts[idx]) / float64(t.Total) * 100
}

// DedupeVotes keeps one vote per user, preferring the latest ReceivedAt, and
// returns the result ordered by user id.
func DedupeVotes(votes []Vote) []Vote {
	byUser := make(map[string]Vote, len(votes))
	for _, v := range votes {
		if prev, ok := byUser[v.UserID]; ok && prev.ReceivedAt.After(v.ReceivedAt) {
			continue
		}
		byUser[v.UserID] = v
	}

	out := make([]Vote, 0, len(byUser))
	for _, v := range byUser {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
