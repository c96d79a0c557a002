package directory

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mcdev12/livepoll/go/internal/models"
)

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("livepoll"),
		postgres.WithUsername("livepoll"),
		postgres.WithPassword("livepoll"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, EnsureSchema(ctx, pool))
	return pool
}

func TestRepository_PollsAndVotes(t *testing.T) {
	pool := setupPostgres(t)
	repo := NewRepository(pool)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	poll := models.Poll{
		ID:        "poll-1",
		Question:  "Favourite colour?",
		Options:   []string{"Red", "Blue"},
		ExpiresAt: created.Add(time.Hour),
		CreatedBy: "owner",
		CreatedAt: created,
	}
	require.NoError(t, repo.CreatePoll(ctx, poll))
	require.NoError(t, repo.Ping(ctx))

	vote := models.Vote{PollID: poll.ID, UserID: "userA", OptionIndex: 1, ReceivedAt: created.Add(time.Minute)}
	require.NoError(t, repo.InsertVote(ctx, vote))

	err := repo.InsertVote(ctx, vote)
	assert.ErrorIs(t, err, models.ErrAlreadyVoted)

	err = repo.InsertVote(ctx, models.Vote{PollID: "missing", UserID: "userA", ReceivedAt: created})
	assert.ErrorIs(t, err, models.ErrPollNotFound)

	got, err := repo.GetPoll(ctx, poll.ID)
	require.NoError(t, err)
	assert.Equal(t, poll.Question, got.Question)
	assert.Equal(t, poll.Options, got.Options)
	assert.True(t, poll.ExpiresAt.Equal(got.ExpiresAt))
	require.Len(t, got.Votes, 1)
	assert.Equal(t, "userA", got.Votes[0].UserID)
	assert.Equal(t, 1, got.Votes[0].OptionIndex)

	polls, err := repo.ListPolls(ctx)
	require.NoError(t, err)
	require.Len(t, polls, 1)
	assert.Len(t, polls[0].Votes, 1)

	require.NoError(t, repo.DeletePoll(ctx, poll.ID))
	_, err = repo.GetPoll(ctx, poll.ID)
	assert.ErrorIs(t, err, models.ErrPollNotFound)
	assert.ErrorIs(t, repo.DeletePoll(ctx, poll.ID), models.ErrPollNotFound)

	votes, err := repo.ListVotes(ctx, poll.ID)
	require.NoError(t, err)
	assert.Empty(t, votes)
}
