package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	internal_store "github.com/tallyhq/tally-backend/internal/store"
	"github.com/tallyhq/tally-backend/types"
)

var _ internal_store.VoteStore = (*VoteStore)(nil)

// VoteStore is the Postgres implementation of store.VoteStore. Its mutating
// primitives are only reachable through the vote engine's transaction.
type VoteStore struct {
	db PgxIface
}

func NewVoteStore(db PgxIface) *VoteStore {
	return &VoteStore{db: db}
}

const voteColumns = `id, poll_id, option_id, voter_name, voter_email, user_id, voter_key,
	response, comment, voter_edit_token, is_test_data, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVoteFromRows(row rowScanner) (*types.Vote, error) {
	var v types.Vote
	err := row.Scan(
		&v.ID, &v.PollID, &v.OptionID, &v.VoterName, &v.VoterEmail, &v.UserID, &v.VoterKey,
		&v.Response, &v.Comment, &v.VoterEditToken, &v.IsTestData, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning vote: %w", err)
	}
	return &v, nil
}

func (s *VoteStore) ListVotesByPoll(ctx context.Context, pollID string) ([]*types.Vote, error) {
	return s.listVotesWhere(ctx, `poll_id = $1`, pollID)
}

func (s *VoteStore) ListVotesByEmail(ctx context.Context, pollID, email string) ([]*types.Vote, error) {
	return s.listVotesWhere(ctx, `poll_id = $1 AND voter_email = LOWER($2)`, pollID, email)
}

func (s *VoteStore) ListVotesByEditToken(ctx context.Context, editToken string) ([]*types.Vote, error) {
	return s.listVotesWhere(ctx, `voter_edit_token = $1`, editToken)
}

func (s *VoteStore) ListVotesByVoterKey(ctx context.Context, pollID, voterKey string) ([]*types.Vote, error) {
	return s.listVotesWhere(ctx, `poll_id = $1 AND voter_key = $2`, pollID, voterKey)
}

func (s *VoteStore) ListVotesByUserID(ctx context.Context, pollID, userID string) ([]*types.Vote, error) {
	return s.listVotesWhere(ctx, `poll_id = $1 AND user_id = $2`, pollID, userID)
}

func (s *VoteStore) listVotesWhere(ctx context.Context, where string, args ...any) ([]*types.Vote, error) {
	rows, err := s.db.Query(ctx, `SELECT `+voteColumns+` FROM votes WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var votes []*types.Vote
	for rows.Next() {
		v, err := scanVoteFromRows(rows)
		if err != nil {
			return nil, err
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

// Transaction implements store.VoteStore.
func (s *VoteStore) Transaction(ctx context.Context, fn func(tx internal_store.VoteTx) error) error {
	return WithTx(ctx, s.db, func(tx pgx.Tx) error {
		return fn(&voteTx{tx: tx})
	})
}

// voteTx is the transaction-bound view handed to the vote engine.
type voteTx struct {
	tx pgx.Tx
}

var _ internal_store.VoteTx = (*voteTx)(nil)

// AdvisoryLock takes a transaction-scoped advisory lock, released at
// commit/rollback. The engine uses it with two key families: per-voter for
// the whole mutation, per-option around capacity counting.
func (t *voteTx) AdvisoryLock(ctx context.Context, key int64) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
		return fmt.Errorf("acquiring advisory lock: %w", err)
	}
	return nil
}

// ListVotesForVoter finds the voter's existing rows by email, falling back
// to the voter key when no email is known.
func (t *voteTx) ListVotesForVoter(ctx context.Context, pollID, email, voterKey string) ([]*types.Vote, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+voteColumns+` FROM votes
		WHERE poll_id = $1 AND (voter_email = LOWER($2) OR voter_key = $3)
		ORDER BY id`,
		pollID, email, voterKey)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var votes []*types.Vote
	for rows.Next() {
		v, err := scanVoteFromRows(rows)
		if err != nil {
			return nil, err
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

// CountYesVotes counts committed yes votes on an option. Callers hold the
// option advisory lock, so the count cannot race a concurrent insert on the
// same option.
func (t *voteTx) CountYesVotes(ctx context.Context, pollID string, optionID int64) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM votes
		WHERE poll_id = $1 AND option_id = $2 AND response = 'yes'`,
		pollID, optionID).Scan(&count)
	if err != nil {
		return 0, mapPgError(err)
	}
	return count, nil
}

func (t *voteTx) InsertVote(ctx context.Context, v *types.Vote) (*types.Vote, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO votes (poll_id, option_id, voter_name, voter_email, user_id, voter_key,
			response, comment, voter_edit_token, is_test_data)
		VALUES ($1, $2, $3, LOWER($4), $5, $6, $7, $8, $9, $10)
		RETURNING `+voteColumns,
		v.PollID, v.OptionID, v.VoterName, v.VoterEmail, v.UserID, v.VoterKey,
		v.Response, v.Comment, v.VoterEditToken, v.IsTestData,
	)
	inserted, err := scanVoteFromRows(row)
	if err != nil {
		return nil, mapPgError(err)
	}
	return inserted, nil
}

func (t *voteTx) UpdateVote(ctx context.Context, id int64, response types.VoteResponseValue, comment *string) (*types.Vote, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE votes SET response = $1, comment = COALESCE($2, comment), updated_at = NOW()
		WHERE id = $3
		RETURNING `+voteColumns,
		response, comment, id,
	)
	updated, err := scanVoteFromRows(row)
	if err != nil {
		return nil, mapPgError(err)
	}
	return updated, nil
}

func (t *voteTx) DeleteVotes(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx, `DELETE FROM votes WHERE id = ANY($1)`, ids)
	return mapPgError(err)
}
