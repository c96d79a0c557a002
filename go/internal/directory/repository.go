package directory

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mcdev12/livepoll/go/internal/models"
)

//go:embed schema.sql
var schemaSQL string

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// EnsureSchema creates the directory tables if they do not exist
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Repository stores polls and votes in Postgres
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new poll repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreatePoll inserts a poll
func (r *Repository) CreatePoll(ctx context.Context, poll models.Poll) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO polls (id, question, options, expires_at, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		poll.ID, poll.Question, poll.Options, poll.ExpiresAt, poll.CreatedBy, poll.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert poll: %w", err)
	}
	return nil
}

// ListPolls returns every poll with its vote set, read from one snapshot
func (r *Repository) ListPolls(ctx context.Context) ([]models.Poll, error) {
	var polls []models.Poll
	err := r.readTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, question, options, expires_at, created_by, created_at
			FROM polls
			ORDER BY created_at, id`)
		if err != nil {
			return fmt.Errorf("failed to query polls: %w", err)
		}
		polls, err = pgx.CollectRows(rows, scanPoll)
		if err != nil {
			return fmt.Errorf("failed to scan polls: %w", err)
		}

		rows, err = tx.Query(ctx, `
			SELECT poll_id, user_id, option_index, received_at
			FROM votes
			ORDER BY poll_id, user_id`)
		if err != nil {
			return fmt.Errorf("failed to query votes: %w", err)
		}
		votes, err := pgx.CollectRows(rows, scanVote)
		if err != nil {
			return fmt.Errorf("failed to scan votes: %w", err)
		}

		byPoll := make(map[string][]models.Vote, len(polls))
		for _, v := range votes {
			byPoll[v.PollID] = append(byPoll[v.PollID], v)
		}
		for i := range polls {
			polls[i].Votes = byPoll[polls[i].ID]
			if polls[i].Votes == nil {
				polls[i].Votes = []models.Vote{}
			}
		}
		return nil
	})
	return polls, err
}

// GetPoll returns a poll with its full vote set
func (r *Repository) GetPoll(ctx context.Context, id string) (models.Poll, error) {
	var poll models.Poll
	err := r.readTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, question, options, expires_at, created_by, created_at
			FROM polls
			WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to query poll: %w", err)
		}
		poll, err = pgx.CollectExactlyOneRow(rows, scanPoll)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrPollNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to scan poll: %w", err)
		}

		poll.Votes, err = listVotes(ctx, tx, id)
		return err
	})
	return poll, err
}

// ListVotes returns the vote set of a poll
func (r *Repository) ListVotes(ctx context.Context, pollID string) ([]models.Vote, error) {
	return listVotes(ctx, r.pool, pollID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listVotes(ctx context.Context, q querier, pollID string) ([]models.Vote, error) {
	rows, err := q.Query(ctx, `
		SELECT poll_id, user_id, option_index, received_at
		FROM votes
		WHERE poll_id = $1
		ORDER BY user_id`, pollID)
	if err != nil {
		return nil, fmt.Errorf("failed to query votes: %w", err)
	}
	votes, err := pgx.CollectRows(rows, scanVote)
	if err != nil {
		return nil, fmt.Errorf("failed to scan votes: %w", err)
	}
	if votes == nil {
		votes = []models.Vote{}
	}
	return votes, nil
}

// InsertVote records a vote. A second vote by the same user fails with
// models.ErrAlreadyVoted.
func (r *Repository) InsertVote(ctx context.Context, vote models.Vote) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO votes (poll_id, user_id, option_index, received_at)
		VALUES ($1, $2, $3, $4)`,
		vote.PollID, vote.UserID, vote.OptionIndex, vote.ReceivedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgUniqueViolation:
				return models.ErrAlreadyVoted
			case pgForeignKeyViolation:
				return models.ErrPollNotFound
			}
		}
		return fmt.Errorf("failed to insert vote: %w", err)
	}
	return nil
}

// DeletePoll removes a poll and its votes
func (r *Repository) DeletePoll(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM polls WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete poll: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrPollNotFound
	}
	return nil
}

// Ping checks the database connection
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Repository) readTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanPoll(row pgx.CollectableRow) (models.Poll, error) {
	var p models.Poll
	err := row.Scan(&p.ID, &p.Question, &p.Options, &p.ExpiresAt, &p.CreatedBy, &p.CreatedAt)
	p.ExpiresAt = p.ExpiresAt.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	return p, err
}

func scanVote(row pgx.CollectableRow) (models.Vote, error) {
	var v models.Vote
	err := row.Scan(&v.PollID, &v.UserID, &v.OptionIndex, &v.ReceivedAt)
	v.ReceivedAt = v.ReceivedAt.UTC()
	return v, err
}
