package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	internal_store "github.com/tallyhq/tally-backend/internal/store"
	"github.com/tallyhq/tally-backend/logger"
	"github.com/tallyhq/tally-backend/types"
)

var _ internal_store.PollStore = (*PollStore)(nil)

// PollStore is the Postgres implementation of store.PollStore.
type PollStore struct {
	db PgxIface
}

func NewPollStore(db PgxIface) *PollStore {
	return &PollStore{db: db}
}

const pollColumns = `id, kind, title, description, creator_user_id, creator_email,
	admin_token, public_token, is_active, expires_at,
	allow_vote_edit, allow_vote_withdrawal, allow_multiple_slots, allow_maybe, results_public,
	final_option_id, enable_expiry_reminder, expiry_reminder_hours, expiry_reminder_sent,
	is_test_data, created_at, updated_at`

func scanPoll(row pgx.Row) (*types.Poll, error) {
	var p types.Poll
	err := row.Scan(
		&p.ID, &p.Kind, &p.Title, &p.Description, &p.CreatorUserID, &p.CreatorEmail,
		&p.AdminToken, &p.PublicToken, &p.IsActive, &p.ExpiresAt,
		&p.AllowVoteEdit, &p.AllowVoteWithdrawal, &p.AllowMultipleSlots, &p.AllowMaybe, &p.ResultsPublic,
		&p.FinalOptionID, &p.EnableExpiryReminder, &p.ExpiryReminderHours, &p.ExpiryReminderSent,
		&p.IsTestData, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &p, nil
}

// CreatePollWithOptions implements store.PollStore. The poll row and all its
// options are inserted in one transaction.
func (s *PollStore) CreatePollWithOptions(ctx context.Context, poll *types.Poll, options []*types.PollOption) (*types.Poll, error) {
	log := logger.GetLogger()

	var created *types.Poll
	err := WithTx(ctx, s.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO polls (
				kind, title, description, creator_user_id, creator_email,
				admin_token, public_token, is_active, expires_at,
				allow_vote_edit, allow_vote_withdrawal, allow_multiple_slots, allow_maybe, results_public,
				enable_expiry_reminder, expiry_reminder_hours, is_test_data
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			RETURNING `+pollColumns,
			poll.Kind, poll.Title, poll.Description, poll.CreatorUserID, poll.CreatorEmail,
			poll.AdminToken, poll.PublicToken, true, poll.ExpiresAt,
			poll.AllowVoteEdit, poll.AllowVoteWithdrawal, poll.AllowMultipleSlots, poll.AllowMaybe, poll.ResultsPublic,
			poll.EnableExpiryReminder, poll.ExpiryReminderHours, poll.IsTestData,
		)

		p, err := scanPoll(row)
		if err != nil {
			log.Errorw("Failed to insert poll", "error", err)
			return fmt.Errorf("inserting poll: %w", err)
		}

		for _, opt := range options {
			var o types.PollOption
			err := tx.QueryRow(ctx, `
				INSERT INTO poll_options (poll_id, text, image_url, alt_text, start_time, end_time, max_capacity, position)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				RETURNING id, poll_id, text, image_url, alt_text, start_time, end_time, max_capacity, position, created_at`,
				p.ID, opt.Text, opt.ImageURL, opt.AltText, opt.StartTime, opt.EndTime, opt.MaxCapacity, opt.Position,
			).Scan(&o.ID, &o.PollID, &o.Text, &o.ImageURL, &o.AltText, &o.StartTime, &o.EndTime, &o.MaxCapacity, &o.Position, &o.CreatedAt)
			if err != nil {
				return fmt.Errorf("inserting option: %w", err)
			}
			p.Options = append(p.Options, &o)
		}

		created = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *PollStore) GetPollByID(ctx context.Context, id string) (*types.Poll, error) {
	return s.getPollWhere(ctx, "id = $1", id)
}

func (s *PollStore) GetPollByPublicToken(ctx context.Context, token string) (*types.Poll, error) {
	return s.getPollWhere(ctx, "public_token = $1", token)
}

func (s *PollStore) GetPollByAdminToken(ctx context.Context, token string) (*types.Poll, error) {
	return s.getPollWhere(ctx, "admin_token = $1", token)
}

// getPollWhere loads the poll with options and votes eagerly: one poll read
// is one object, not per-query round trips.
func (s *PollStore) getPollWhere(ctx context.Context, where string, arg any) (*types.Poll, error) {
	p, err := scanPoll(s.db.QueryRow(ctx, `SELECT `+pollColumns+` FROM polls WHERE `+where, arg))
	if err != nil {
		return nil, err
	}

	if err := s.loadOptions(ctx, p); err != nil {
		return nil, err
	}
	if err := s.loadVotes(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PollStore) loadOptions(ctx context.Context, p *types.Poll) error {
	rows, err := s.db.Query(ctx, `
		SELECT id, poll_id, text, image_url, alt_text, start_time, end_time, max_capacity, position, created_at
		FROM poll_options WHERE poll_id = $1 ORDER BY position, id`, p.ID)
	if err != nil {
		return fmt.Errorf("loading options: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var o types.PollOption
		if err := rows.Scan(&o.ID, &o.PollID, &o.Text, &o.ImageURL, &o.AltText, &o.StartTime, &o.EndTime, &o.MaxCapacity, &o.Position, &o.CreatedAt); err != nil {
			return fmt.Errorf("scanning option: %w", err)
		}
		p.Options = append(p.Options, &o)
	}
	return rows.Err()
}

func (s *PollStore) loadVotes(ctx context.Context, p *types.Poll) error {
	rows, err := s.db.Query(ctx, `
		SELECT `+voteColumns+`
		FROM votes WHERE poll_id = $1 ORDER BY id`, p.ID)
	if err != nil {
		return fmt.Errorf("loading votes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		v, err := scanVoteFromRows(rows)
		if err != nil {
			return err
		}
		p.Votes = append(p.Votes, v)
	}
	return rows.Err()
}

// UpdatePoll applies the non-nil fields of the patch.
func (s *PollStore) UpdatePoll(ctx context.Context, id string, patch *types.PollUpdate) error {
	sets := []string{}
	args := []any{}
	i := 1

	add := func(col string, val any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, val)
		i++
	}

	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.IsActive != nil {
		add("is_active", *patch.IsActive)
	}
	if patch.ClearExpiresAt {
		sets = append(sets, "expires_at = NULL")
	} else if patch.ExpiresAt != nil {
		add("expires_at", *patch.ExpiresAt)
	}
	if patch.EnableExpiryReminder != nil {
		add("enable_expiry_reminder", *patch.EnableExpiryReminder)
		// Re-arming the reminder resets the sent flag so a new expiry window
		// can fire again.
		if *patch.EnableExpiryReminder {
			sets = append(sets, "expiry_reminder_sent = FALSE")
		}
	}
	if patch.ExpiryReminderHours != nil {
		add("expiry_reminder_hours", *patch.ExpiryReminderHours)
	}
	if patch.AllowVoteEdit != nil {
		add("allow_vote_edit", *patch.AllowVoteEdit)
	}
	if patch.AllowVoteWithdrawal != nil {
		add("allow_vote_withdrawal", *patch.AllowVoteWithdrawal)
	}
	if patch.AllowMultipleSlots != nil {
		add("allow_multiple_slots", *patch.AllowMultipleSlots)
	}
	if patch.AllowMaybe != nil {
		add("allow_maybe", *patch.AllowMaybe)
	}
	if patch.ResultsPublic != nil {
		add("results_public", *patch.ResultsPublic)
	}

	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = NOW()")

	args = append(args, id)
	query := fmt.Sprintf("UPDATE polls SET %s WHERE id = $%d", strings.Join(sets, ", "), i)

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return internal_store.ErrNotFound
	}
	return nil
}

// SetFinalOption locks in (or clears, when optionID is nil) the winning
// option.
func (s *PollStore) SetFinalOption(ctx context.Context, id string, optionID *int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE polls SET final_option_id = $1, updated_at = NOW() WHERE id = $2`,
		optionID, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return internal_store.ErrNotFound
	}
	return nil
}

// DeletePoll removes the poll; options, votes, and notification logs cascade
// via foreign keys.
func (s *PollStore) DeletePoll(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM polls WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return internal_store.ErrNotFound
	}
	return nil
}

func (s *PollStore) ListPollsByCreator(ctx context.Context, userID string) ([]*types.Poll, error) {
	return s.listPollsWhere(ctx, `creator_user_id = $1`, userID)
}

// ListPollsByParticipant returns polls the user has voted in but does not own.
func (s *PollStore) ListPollsByParticipant(ctx context.Context, userID string) ([]*types.Poll, error) {
	return s.listPollsWhere(ctx,
		`id IN (SELECT DISTINCT poll_id FROM votes WHERE user_id = $1)
		 AND (creator_user_id IS NULL OR creator_user_id <> $1)`, userID)
}

func (s *PollStore) listPollsWhere(ctx context.Context, where string, args ...any) ([]*types.Poll, error) {
	rows, err := s.db.Query(ctx, `SELECT `+pollColumns+` FROM polls WHERE `+where+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var polls []*types.Poll
	for rows.Next() {
		var p types.Poll
		if err := rows.Scan(
			&p.ID, &p.Kind, &p.Title, &p.Description, &p.CreatorUserID, &p.CreatorEmail,
			&p.AdminToken, &p.PublicToken, &p.IsActive, &p.ExpiresAt,
			&p.AllowVoteEdit, &p.AllowVoteWithdrawal, &p.AllowMultipleSlots, &p.AllowMaybe, &p.ResultsPublic,
			&p.FinalOptionID, &p.EnableExpiryReminder, &p.ExpiryReminderHours, &p.ExpiryReminderSent,
			&p.IsTestData, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning poll: %w", err)
		}
		polls = append(polls, &p)
	}
	return polls, rows.Err()
}

func (s *PollStore) AddOption(ctx context.Context, pollID string, opt *types.PollOption) (*types.PollOption, error) {
	var o types.PollOption
	err := s.db.QueryRow(ctx, `
		INSERT INTO poll_options (poll_id, text, image_url, alt_text, start_time, end_time, max_capacity, position)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
			COALESCE((SELECT MAX(position) + 1 FROM poll_options WHERE poll_id = $1), 0))
		RETURNING id, poll_id, text, image_url, alt_text, start_time, end_time, max_capacity, position, created_at`,
		pollID, opt.Text, opt.ImageURL, opt.AltText, opt.StartTime, opt.EndTime, opt.MaxCapacity,
	).Scan(&o.ID, &o.PollID, &o.Text, &o.ImageURL, &o.AltText, &o.StartTime, &o.EndTime, &o.MaxCapacity, &o.Position, &o.CreatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &o, nil
}

func (s *PollStore) UpdateOption(ctx context.Context, pollID string, optionID int64, patch *types.OptionUpdate) error {
	sets := []string{}
	args := []any{}
	i := 1

	add := func(col string, val any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, val)
		i++
	}

	if patch.Text != nil {
		add("text", *patch.Text)
	}
	if patch.ImageURL != nil {
		add("image_url", *patch.ImageURL)
	}
	if patch.AltText != nil {
		add("alt_text", *patch.AltText)
	}
	if patch.StartTime != nil {
		add("start_time", *patch.StartTime)
	}
	if patch.EndTime != nil {
		add("end_time", *patch.EndTime)
	}
	if patch.MaxCapacity != nil {
		add("max_capacity", *patch.MaxCapacity)
	}

	if len(sets) == 0 {
		return nil
	}

	args = append(args, pollID, optionID)
	query := fmt.Sprintf("UPDATE poll_options SET %s WHERE poll_id = $%d AND id = $%d", strings.Join(sets, ", "), i, i+1)

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return internal_store.ErrNotFound
	}
	return nil
}

func (s *PollStore) DeleteOption(ctx context.Context, pollID string, optionID int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM poll_options WHERE poll_id = $1 AND id = $2`, pollID, optionID)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return internal_store.ErrNotFound
	}
	return nil
}

// ListPollsDueExpiryReminder implements the scheduler sweep query: active
// polls whose expiry lies within the configured reminder window.
func (s *PollStore) ListPollsDueExpiryReminder(ctx context.Context, now time.Time) ([]*types.Poll, error) {
	return s.listPollsWhere(ctx, `
		enable_expiry_reminder = TRUE
		AND expiry_reminder_sent = FALSE
		AND is_active = TRUE
		AND expires_at IS NOT NULL
		AND expires_at > $1
		AND expires_at <= $1 + (expiry_reminder_hours * INTERVAL '1 hour')`, now)
}

// ClaimExpiryReminder flips expiry_reminder_sent atomically so only one
// sweep sends the reminder.
func (s *PollStore) ClaimExpiryReminder(ctx context.Context, pollID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE polls SET expiry_reminder_sent = TRUE, updated_at = NOW()
		WHERE id = $1 AND expiry_reminder_sent = FALSE`, pollID)
	if err != nil {
		return false, mapPgError(err)
	}
	return tag.RowsAffected() == 1, nil
}
