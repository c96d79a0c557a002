package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTallyVotes(t *testing.T) {
	votes := []Vote{
		{PollID: "p1", UserID: "a", OptionIndex: 1},
		{PollID: "p1", UserID: "b", OptionIndex: 0},
		{PollID: "p1", UserID: "c", OptionIndex: 1},
	}

	tally := TallyVotes(3, votes)

	assert.Equal(t, map[int]int{0: 1, 1: 2, 2: 0}, tally.Counts)
	assert.Equal(t, len(votes), tally.Total)
	assert.InDelta(t, 66.67, tally.Percentage(1), 0.01)
}

func TestTallyVotes_Empty(t *testing.T) {
	tally := TallyVotes(2, nil)

	assert.Equal(t, map[int]int{0: 0, 1: 0}, tally.Counts)
	assert.Zero(t, tally.Total)
	assert.Zero(t, tally.Percentage(0))
}

func TestDedupeVotes_LatestWins(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	votes := []Vote{
		{UserID: "b", OptionIndex: 0, ReceivedAt: t0},
		{UserID: "a", OptionIndex: 0, ReceivedAt: t0},
		{UserID: "a", OptionIndex: 1, ReceivedAt: t0.Add(time.Second)},
		{UserID: "b", OptionIndex: 1, ReceivedAt: t0.Add(-time.Second)},
	}

	got := DedupeVotes(votes)

	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].UserID)
	assert.Equal(t, 1, got[0].OptionIndex)
	assert.Equal(t, "b", got[1].UserID)
	assert.Equal(t, 0, got[1].OptionIndex)
}

func TestPollExpired(t *testing.T) {
	expiry := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	p := Poll{ExpiresAt: expiry, Options: []string{"Red", "Blue"}}

	assert.False(t, p.Expired(expiry.Add(-time.Nanosecond)))
	assert.True(t, p.Expired(expiry))
	assert.True(t, p.ValidOption(1))
	assert.False(t, p.ValidOption(2))
	assert.False(t, p.ValidOption(-1))
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{ErrAlreadyVoted, KindConflict},
		{ErrPollExpired, KindConflict},
		{ErrInvalidOption, KindValidation},
		{fmt.Errorf("get poll: %w", ErrPollNotFound), KindNotFound},
		{ErrReconnectExhausted, KindTransient},
		{ErrNotAuthenticated, KindForbidden},
		{errors.New("boom"), KindUnknown},
		{nil, KindUnknown},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, KindOf(tc.err), "error: %v", tc.err)
	}
	assert.True(t, Retryable(ErrNotConnected))
	assert.False(t, Retryable(ErrAlreadyVoted))
}

func TestErrorCodeRoundTrip(t *testing.T) {
	for _, err := range []error{ErrAlreadyVoted, ErrPollExpired, ErrInvalidOption, ErrPollNotFound, ErrNotAuthenticated} {
		back := ErrorForCode(ErrorCode(err), err.Error())
		assert.ErrorIs(t, back, err)
	}
	assert.ErrorIs(t, ErrorForCode(CodeInternal, "db down"), ErrTransient)
}

func TestCreatePollInputValidate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	valid := CreatePollInput{
		Question:  "Lunch?",
		Options:   []string{"Pizza", "Sushi"},
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, valid.Validate(now))

	cases := map[string]func(in *CreatePollInput){
		"blank question": func(in *CreatePollInput) { in.Question = "  " },
		"one option":     func(in *CreatePollInput) { in.Options = []string{"Pizza"} },
		"empty option":   func(in *CreatePollInput) { in.Options = []string{"Pizza", ""} },
		"past expiry":    func(in *CreatePollInput) { in.ExpiresAt = now.Add(-time.Minute) },
		"no expiry":      func(in *CreatePollInput) { in.ExpiresAt = time.Time{} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := valid
			in.Options = append([]string(nil), valid.Options...)
			mutate(&in)
			err := in.Validate(now)
			require.ErrorIs(t, err, ErrInvalidPoll)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
}
