package submission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/livepoll/go/internal/models"
	"github.com/mcdev12/livepoll/go/internal/poll/aggregation"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	calls int
	err   error
	at    time.Time
	block chan struct{}
}

func (f *fakeSubmitter) SubmitVote(ctx context.Context, pollID string, optionIndex int) (models.VoteReceipt, error) {
	f.mu.Lock()
	f.calls++
	block, err, at := f.block, f.err, f.at
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return models.VoteReceipt{}, ctx.Err()
		}
	}
	if err != nil {
		return models.VoteReceipt{}, err
	}
	return models.VoteReceipt{PollID: pollID, UserID: "userA", OptionIndex: optionIndex, RecordedAt: at}, nil
}

func (f *fakeSubmitter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Gateway, *fakeSubmitter, *aggregation.Store, *clockwork.FakeClock) {
	t.Helper()
	store := aggregation.NewStore()
	store.ApplySnapshot(models.Poll{
		ID:        "p1",
		Question:  "Favourite colour?",
		Options:   []string{"Red", "Blue"},
		ExpiresAt: base.Add(time.Hour),
		AsOf:      base,
	})

	clock := clockwork.NewFakeClockAt(base)
	submitter := &fakeSubmitter{at: base.Add(time.Second)}
	gw := NewGateway(submitter, store, clock)
	gw.SetUser("userA")
	return gw, submitter, store, clock
}

func TestGateway_SubmitRecordsOwnVote(t *testing.T) {
	gw, submitter, store, _ := setup(t)

	receipt, err := gw.Submit(context.Background(), "p1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, receipt.OptionIndex)
	assert.Equal(t, 1, submitter.Calls())

	assert.True(t, store.HasVoted("p1", "userA"))
	tally, ok := store.Tally("p1")
	require.True(t, ok)
	assert.Equal(t, map[int]int{0: 0, 1: 1}, tally.Counts)
	assert.Equal(t, 1, tally.Total)

	// a concurrent voter arrives in a newer full-state update
	applied := store.ApplyDelta("p1", []models.Vote{
		{UserID: "userA", OptionIndex: 1, ReceivedAt: base.Add(time.Second)},
		{UserID: "userB", OptionIndex: 0, ReceivedAt: base.Add(2 * time.Second)},
	}, base.Add(2*time.Second))
	require.True(t, applied)

	tally, _ = store.Tally("p1")
	assert.Equal(t, map[int]int{0: 1, 1: 1}, tally.Counts)
	assert.Equal(t, 2, tally.Total)
	assert.True(t, store.HasVoted("p1", "userA"))
}

func TestGateway_OutOfRangeOptionIsRejectedLocally(t *testing.T) {
	gw, submitter, _, _ := setup(t)

	for _, idx := range []int{2, -1} {
		_, err := gw.Submit(context.Background(), "p1", idx)
		require.ErrorIs(t, err, models.ErrInvalidOption)
		assert.Equal(t, models.KindValidation, models.KindOf(err))
	}
	assert.Zero(t, submitter.Calls())
}

func TestGateway_SecondSubmissionIsAlreadyVoted(t *testing.T) {
	gw, submitter, _, _ := setup(t)

	_, err := gw.Submit(context.Background(), "p1", 0)
	require.NoError(t, err)

	_, err = gw.Submit(context.Background(), "p1", 1)
	require.ErrorIs(t, err, models.ErrAlreadyVoted)
	assert.Equal(t, models.KindConflict, models.KindOf(err))
	assert.Equal(t, 1, submitter.Calls())
}

func TestGateway_FailureLeavesStoreUntouched(t *testing.T) {
	gw, submitter, store, _ := setup(t)
	submitter.err = models.ErrPollExpired

	_, err := gw.Submit(context.Background(), "p1", 0)
	require.ErrorIs(t, err, models.ErrPollExpired)
	assert.False(t, store.HasVoted("p1", "userA"))
	tally, _ := store.Tally("p1")
	assert.Zero(t, tally.Total)

	submitter.err = errors.Join(models.ErrTransient, errors.New("connection reset"))
	_, err = gw.Submit(context.Background(), "p1", 0)
	require.Error(t, err)
	assert.Equal(t, models.KindTransient, models.KindOf(err))
	assert.Equal(t, 2, submitter.Calls(), "failed submissions are not retried")
	assert.False(t, store.HasVoted("p1", "userA"))
}

func TestGateway_LocalGuards(t *testing.T) {
	gw, submitter, _, clock := setup(t)

	_, err := gw.Submit(context.Background(), "unknown", 0)
	assert.ErrorIs(t, err, models.ErrPollNotLoaded)

	gw.SetUser("")
	_, err = gw.Submit(context.Background(), "p1", 0)
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)
	gw.SetUser("userA")

	require.NoError(t, gw.CanVote("p1"))
	clock.Advance(time.Hour)
	_, err = gw.Submit(context.Background(), "p1", 0)
	assert.ErrorIs(t, err, models.ErrPollExpired)
	assert.ErrorIs(t, gw.CanVote("p1"), models.ErrPollExpired)

	assert.Zero(t, submitter.Calls())
}

func TestGateway_InFlightGuard(t *testing.T) {
	gw, submitter, store, _ := setup(t)
	submitter.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := gw.Submit(context.Background(), "p1", 1)
		done <- err
	}()

	require.Eventually(t, func() bool { return submitter.Calls() == 1 }, time.Second, 5*time.Millisecond)

	_, err := gw.Submit(context.Background(), "p1", 0)
	assert.ErrorIs(t, err, models.ErrSubmissionInFlight)

	close(submitter.block)
	require.NoError(t, <-done)
	assert.True(t, store.HasVoted("p1", "userA"))
	assert.Equal(t, 1, submitter.Calls())
}

func TestGateway_ConcurrentSubmitsSendOnce(t *testing.T) {
	for round := 0; round < 20; round++ {
		gw, submitter, store, _ := setup(t)

		start := make(chan struct{})
		errs := make(chan error, 32)
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func(option int) {
				defer wg.Done()
				<-start
				_, err := gw.Submit(context.Background(), "p1", option)
				errs <- err
			}(i % 2)
		}
		close(start)
		wg.Wait()
		close(errs)

		succeeded := 0
		for err := range errs {
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, models.ErrAlreadyVoted), errors.Is(err, models.ErrSubmissionInFlight):
			default:
				t.Fatalf("round %d: unexpected error %v", round, err)
			}
		}
		assert.Equal(t, 1, succeeded, "round %d", round)
		assert.Equal(t, 1, submitter.Calls(), "round %d sent a duplicate vote", round)
		assert.True(t, store.HasVoted("p1", "userA"))
	}
}
