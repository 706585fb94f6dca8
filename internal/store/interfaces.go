// Package store defines the persistence interfaces of the polling core.
// Implementations live in internal/store/postgres.
package store

import (
	"context"
	"time"

	"github.com/tallyhq/tally-backend/types"
)

// PollStore persists polls, their options, and related notification state.
type PollStore interface {
	// CreatePollWithOptions inserts the poll and all options in one
	// transaction and returns the stored poll.
	CreatePollWithOptions(ctx context.Context, poll *types.Poll, options []*types.PollOption) (*types.Poll, error)

	// The Get* operations return the poll with options and votes eagerly
	// loaded.
	GetPollByID(ctx context.Context, id string) (*types.Poll, error)
	GetPollByPublicToken(ctx context.Context, token string) (*types.Poll, error)
	GetPollByAdminToken(ctx context.Context, token string) (*types.Poll, error)

	UpdatePoll(ctx context.Context, id string, patch *types.PollUpdate) error
	SetFinalOption(ctx context.Context, id string, optionID *int64) error
	DeletePoll(ctx context.Context, id string) error

	ListPollsByCreator(ctx context.Context, userID string) ([]*types.Poll, error)
	ListPollsByParticipant(ctx context.Context, userID string) ([]*types.Poll, error)

	AddOption(ctx context.Context, pollID string, opt *types.PollOption) (*types.PollOption, error)
	UpdateOption(ctx context.Context, pollID string, optionID int64, patch *types.OptionUpdate) error
	// DeleteOption cascades to the option's votes.
	DeleteOption(ctx context.Context, pollID string, optionID int64) error

	// ListPollsDueExpiryReminder finds active polls whose expiry reminder
	// window has opened and whose reminder is still unsent.
	ListPollsDueExpiryReminder(ctx context.Context, now time.Time) ([]*types.Poll, error)
	// ClaimExpiryReminder atomically flips expiry_reminder_sent and reports
	// whether this caller won the claim.
	ClaimExpiryReminder(ctx context.Context, pollID string) (bool, error)
}

// VoteStore exposes the vote primitives. Only the vote engine calls the
// mutating operations; API handlers never touch these directly.
type VoteStore interface {
	ListVotesByPoll(ctx context.Context, pollID string) ([]*types.Vote, error)
	ListVotesByEmail(ctx context.Context, pollID, email string) ([]*types.Vote, error)
	ListVotesByEditToken(ctx context.Context, editToken string) ([]*types.Vote, error)
	ListVotesByVoterKey(ctx context.Context, pollID, voterKey string) ([]*types.Vote, error)
	ListVotesByUserID(ctx context.Context, pollID, userID string) ([]*types.Vote, error)

	// Transaction runs fn inside a database transaction; fn receives a
	// VoteTx bound to that transaction.
	Transaction(ctx context.Context, fn func(tx VoteTx) error) error
}

// VoteTx is the transactional view the vote engine works against.
type VoteTx interface {
	// AdvisoryLock acquires a transaction-scoped advisory lock; it is
	// released automatically at commit or rollback.
	AdvisoryLock(ctx context.Context, key int64) error

	ListVotesForVoter(ctx context.Context, pollID, email, voterKey string) ([]*types.Vote, error)
	CountYesVotes(ctx context.Context, pollID string, optionID int64) (int, error)
	InsertVote(ctx context.Context, v *types.Vote) (*types.Vote, error)
	UpdateVote(ctx context.Context, id int64, response types.VoteResponseValue, comment *string) (*types.Vote, error)
	DeleteVotes(ctx context.Context, ids []int64) error
}

// UserStore is the registered-account projection consumed by the identity
// layer and the scheduler's token purge.
type UserStore interface {
	GetUserByID(ctx context.Context, id string) (*types.User, error)
	GetUserByEmail(ctx context.Context, email string) (*types.User, error)
	GetUserByCalendarToken(ctx context.Context, token string) (*types.User, error)
	PurgeExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// NotificationStore records outbound poll emails and answers the
// reminder-cap queries.
type NotificationStore interface {
	LogNotification(ctx context.Context, log *types.NotificationLog) error
	CountByType(ctx context.Context, pollID string, t types.NotificationType) (int, error)
	LastOfType(ctx context.Context, pollID string, t types.NotificationType) (*time.Time, error)
}

// SettingsStore persists admin-tunable settings such as rate-limit bucket
// overrides.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}
