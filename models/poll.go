// Package models holds the business logic of the polling core: poll
// lifecycle, the vote engine, and the result read model.
package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/tallyhq/tally-backend/errors"
	"github.com/tallyhq/tally-backend/internal/auth"
	"github.com/tallyhq/tally-backend/internal/store"
	"github.com/tallyhq/tally-backend/logger"
	"github.com/tallyhq/tally-backend/types"
)

const (
	maxManualReminders  = 3
	minReminderInterval = 4 * time.Hour

	defaultExpiryReminderHours = 24
)

// Broadcaster publishes live updates on a poll's channel. Implemented by the
// websocket dispatcher through the event service.
type Broadcaster interface {
	Broadcast(ctx context.Context, poll *types.Poll, eventType types.EventType, payload any)
}

// PollModel implements the poll lifecycle: creation, updates, finalization,
// option management, and the manual-reminder guard.
type PollModel struct {
	polls       store.PollStore
	notifs      store.NotificationStore
	broadcaster Broadcaster
}

func NewPollModel(polls store.PollStore, notifs store.NotificationStore, broadcaster Broadcaster) *PollModel {
	return &PollModel{
		polls:       polls,
		notifs:      notifs,
		broadcaster: broadcaster,
	}
}

// CreatePoll validates the request, generates both access tokens, and stores
// the poll with its options atomically.
func (pm *PollModel) CreatePoll(ctx context.Context, req *types.PollCreate, creatorUserID *string, isTestData bool) (*types.PollCreateResponse, error) {
	if err := validatePollCreate(req); err != nil {
		return nil, err
	}

	adminToken, err := auth.GenerateToken()
	if err != nil {
		return nil, apperrors.InternalServerError("Failed to generate poll tokens")
	}
	publicToken, err := auth.GenerateToken()
	if err != nil {
		return nil, apperrors.InternalServerError("Failed to generate poll tokens")
	}

	resultsPublic := true
	if req.ResultsPublic != nil {
		resultsPublic = *req.ResultsPublic
	}

	reminderHours := defaultExpiryReminderHours
	if req.ExpiryReminderHours != nil {
		reminderHours = *req.ExpiryReminderHours
	}

	var creatorEmail *string
	if req.CreatorEmail != nil {
		normalized := auth.NormalizeEmail(*req.CreatorEmail)
		creatorEmail = &normalized
	}

	poll := &types.Poll{
		Kind:                 req.Kind,
		Title:                strings.TrimSpace(req.Title),
		Description:          strings.TrimSpace(req.Description),
		CreatorUserID:        creatorUserID,
		CreatorEmail:         creatorEmail,
		AdminToken:           adminToken,
		PublicToken:          publicToken,
		ExpiresAt:            req.ExpiresAt,
		AllowVoteEdit:        req.AllowVoteEdit,
		AllowVoteWithdrawal:  req.AllowVoteWithdrawal,
		AllowMultipleSlots:   req.AllowMultipleSlots,
		AllowMaybe:           req.AllowMaybe,
		ResultsPublic:        resultsPublic,
		EnableExpiryReminder: req.EnableExpiryReminder,
		ExpiryReminderHours:  reminderHours,
		IsTestData:           isTestData,
	}

	options := make([]*types.PollOption, 0, len(req.Options))
	for i, oc := range req.Options {
		position := i
		if oc.Position != nil {
			position = *oc.Position
		}
		options = append(options, &types.PollOption{
			Text:        strings.TrimSpace(oc.Text),
			ImageURL:    oc.ImageURL,
			AltText:     oc.AltText,
			StartTime:   oc.StartTime,
			EndTime:     oc.EndTime,
			MaxCapacity: oc.MaxCapacity,
			Position:    position,
		})
	}

	created, err := pm.polls.CreatePollWithOptions(ctx, poll, options)
	if err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}

	logger.GetLogger().Infow("Poll created",
		"pollId", created.ID,
		"kind", created.Kind,
		"options", len(created.Options))

	return &types.PollCreateResponse{
		Poll:        created,
		PublicToken: created.PublicToken,
		AdminToken:  created.AdminToken,
	}, nil
}

// GetPublicPoll loads a poll by public token with the admin-only fields
// stripped.
func (pm *PollModel) GetPublicPoll(ctx context.Context, publicToken string) (*types.Poll, error) {
	poll, err := pm.polls.GetPollByPublicToken(ctx, publicToken)
	if err != nil {
		return nil, mapPollLookupError(err)
	}
	return poll.Sanitized(), nil
}

// GetAdminPoll loads the full poll by admin token. When the poll has a
// creator user, the session must match.
func (pm *PollModel) GetAdminPoll(ctx context.Context, adminToken string, sessionUserID string) (*types.Poll, error) {
	poll, err := pm.polls.GetPollByAdminToken(ctx, adminToken)
	if err != nil {
		return nil, mapPollLookupError(err)
	}
	if err := authorizeAdmin(poll, sessionUserID); err != nil {
		return nil, err
	}
	return poll, nil
}

// GetPollByAnyToken resolves a poll from either token, reporting whether the
// caller holds the admin token. Used by export and result reads.
func (pm *PollModel) GetPollByAnyToken(ctx context.Context, token string) (*types.Poll, bool, error) {
	poll, err := pm.polls.GetPollByAdminToken(ctx, token)
	if err == nil {
		return poll, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, apperrors.NewDatabaseError(err)
	}

	poll, err = pm.polls.GetPollByPublicToken(ctx, token)
	if err != nil {
		return nil, false, mapPollLookupError(err)
	}
	return poll, false, nil
}

// UpdatePoll applies an admin patch and broadcasts the change.
func (pm *PollModel) UpdatePoll(ctx context.Context, adminToken string, sessionUserID string, patch *types.PollUpdate) (*types.Poll, error) {
	poll, err := pm.GetAdminPoll(ctx, adminToken, sessionUserID)
	if err != nil {
		return nil, err
	}

	if err := pm.polls.UpdatePoll(ctx, poll.ID, patch); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("Poll")
		}
		return nil, apperrors.NewDatabaseError(err)
	}

	updated, err := pm.polls.GetPollByID(ctx, poll.ID)
	if err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}

	pm.broadcast(ctx, updated, types.EventTypePollUpdated, nil)
	return updated, nil
}

// DeletePoll cascade-deletes the poll and notifies connected viewers first.
func (pm *PollModel) DeletePoll(ctx context.Context, adminToken string, sessionUserID string) error {
	poll, err := pm.GetAdminPoll(ctx, adminToken, sessionUserID)
	if err != nil {
		return err
	}

	// Broadcast before the delete: afterwards the channel tokens are gone.
	pm.broadcast(ctx, poll, types.EventTypePollDeleted, nil)

	if err := pm.polls.DeletePoll(ctx, poll.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NotFound("Poll")
		}
		return apperrors.NewDatabaseError(err)
	}
	return nil
}

// FinalizePoll marks one option as the chosen outcome. OptionID 0 clears the
// finalization.
func (pm *PollModel) FinalizePoll(ctx context.Context, adminToken string, sessionUserID string, optionID int64) (*types.Poll, error) {
	poll, err := pm.GetAdminPoll(ctx, adminToken, sessionUserID)
	if err != nil {
		return nil, err
	}

	var final *int64
	if optionID != 0 {
		if findOption(poll, optionID) == nil {
			return nil, apperrors.ValidationFailed("Invalid option", fmt.Sprintf("option %d does not belong to this poll", optionID))
		}
		final = &optionID
	}

	if err := pm.polls.SetFinalOption(ctx, poll.ID, final); err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}

	updated, err := pm.polls.GetPollByID(ctx, poll.ID)
	if err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}

	pm.broadcast(ctx, updated, types.EventTypePollUpdated, nil)
	return updated, nil
}

// AddOption appends an option to an existing poll.
func (pm *PollModel) AddOption(ctx context.Context, adminToken string, sessionUserID string, req *types.PollOptionCreate) (*types.PollOption, error) {
	poll, err := pm.GetAdminPoll(ctx, adminToken, sessionUserID)
	if err != nil {
		return nil, err
	}

	if err := validateOptionShape(poll.Kind, req.StartTime, req.EndTime, req.MaxCapacity); err != nil {
		return nil, err
	}

	opt := &types.PollOption{
		Text:        strings.TrimSpace(req.Text),
		ImageURL:    req.ImageURL,
		AltText:     req.AltText,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		MaxCapacity: req.MaxCapacity,
	}

	created, err := pm.polls.AddOption(ctx, poll.ID, opt)
	if err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}

	pm.broadcast(ctx, poll, types.EventTypePollUpdated, nil)
	return created, nil
}

// UpdateOption patches a single option.
func (pm *PollModel) UpdateOption(ctx context.Context, adminToken string, sessionUserID string, optionID int64, patch *types.OptionUpdate) error {
	poll, err := pm.GetAdminPoll(ctx, adminToken, sessionUserID)
	if err != nil {
		return err
	}

	if err := pm.polls.UpdateOption(ctx, poll.ID, optionID, patch); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NotFound("Option")
		}
		return apperrors.NewDatabaseError(err)
	}

	pm.broadcast(ctx, poll, types.EventTypePollUpdated, nil)
	return nil
}

// DeleteOption removes an option; its votes cascade.
func (pm *PollModel) DeleteOption(ctx context.Context, adminToken string, sessionUserID string, optionID int64) error {
	poll, err := pm.GetAdminPoll(ctx, adminToken, sessionUserID)
	if err != nil {
		return err
	}

	if err := pm.polls.DeleteOption(ctx, poll.ID, optionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NotFound("Option")
		}
		return apperrors.NewDatabaseError(err)
	}

	pm.broadcast(ctx, poll, types.EventTypePollUpdated, nil)
	return nil
}

// ListPollsByCreator returns the session user's own polls.
func (pm *PollModel) ListPollsByCreator(ctx context.Context, userID string) ([]*types.Poll, error) {
	polls, err := pm.polls.ListPollsByCreator(ctx, userID)
	if err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}
	return polls, nil
}

// ListSharedPolls returns polls the user participated in but does not own.
func (pm *PollModel) ListSharedPolls(ctx context.Context, userID string) ([]*types.Poll, error) {
	polls, err := pm.polls.ListPollsByParticipant(ctx, userID)
	if err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}
	// Shared polls are sanitized: participants never see the admin token.
	out := make([]*types.Poll, len(polls))
	for i, p := range polls {
		out[i] = p.Sanitized()
	}
	return out, nil
}

// CheckManualReminderAllowed enforces the reminder caps: at most
// maxManualReminders per poll, at least minReminderInterval apart.
func (pm *PollModel) CheckManualReminderAllowed(ctx context.Context, pollID string) error {
	count, err := pm.notifs.CountByType(ctx, pollID, types.NotificationManualReminder)
	if err != nil {
		return apperrors.NewDatabaseError(err)
	}
	if count >= maxManualReminders {
		return apperrors.Conflict(apperrors.CodeReminderLimitReached,
			fmt.Sprintf("At most %d manual reminders may be sent per poll", maxManualReminders))
	}

	last, err := pm.notifs.LastOfType(ctx, pollID, types.NotificationManualReminder)
	if err != nil {
		return apperrors.NewDatabaseError(err)
	}
	if last != nil && time.Since(*last) < minReminderInterval {
		return apperrors.Conflict(apperrors.CodeReminderTooSoon,
			"Reminders may be sent at most every 4 hours")
	}
	return nil
}

func (pm *PollModel) broadcast(ctx context.Context, poll *types.Poll, eventType types.EventType, payload any) {
	if pm.broadcaster == nil {
		return
	}
	pm.broadcaster.Broadcast(ctx, poll, eventType, payload)
}

// authorizeAdmin enforces the session binding: a poll owned by a registered
// user may only be administered by that user's session.
func authorizeAdmin(poll *types.Poll, sessionUserID string) error {
	if poll.CreatorUserID == nil {
		return nil
	}
	if sessionUserID == "" {
		e := apperrors.Unauthorized("Authentication required for this poll")
		return e
	}
	if *poll.CreatorUserID != sessionUserID {
		return apperrors.Forbidden("Access denied", "this poll belongs to another account")
	}
	return nil
}

func mapPollLookupError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		// Opaque on purpose: token probing must not distinguish cases.
		return apperrors.NotFound("Poll")
	}
	return apperrors.NewDatabaseError(err)
}

func findOption(poll *types.Poll, optionID int64) *types.PollOption {
	for _, o := range poll.Options {
		if o.ID == optionID {
			return o
		}
	}
	return nil
}

func validatePollCreate(req *types.PollCreate) error {
	if !req.Kind.Valid() {
		return apperrors.ValidationFailed("Invalid poll type",
			"type must be one of schedule, survey, organization")
	}
	if len(req.Options) == 0 {
		return apperrors.ValidationFailed("Missing options", "at least one option is required")
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now()) {
		return apperrors.ValidationFailed("Invalid expiry", "expiresAt must be in the future")
	}

	for i, opt := range req.Options {
		if strings.TrimSpace(opt.Text) == "" {
			return apperrors.ValidationFailed("Invalid option", fmt.Sprintf("option %d has empty text", i))
		}
		if err := validateOptionShape(req.Kind, opt.StartTime, opt.EndTime, opt.MaxCapacity); err != nil {
			return err
		}
	}
	return nil
}

// validateOptionShape enforces the per-kind option rules: schedule options
// are time ranges, survey options are plain labels, organization options may
// carry either times or a capacity.
func validateOptionShape(kind types.PollKind, start, end *time.Time, maxCapacity *int) error {
	switch kind {
	case types.PollKindSchedule:
		if start == nil || end == nil {
			return apperrors.ValidationFailed("Invalid option",
				"schedule options require startTime and endTime")
		}
		if !end.After(*start) {
			return apperrors.ValidationFailed("Invalid option", "endTime must be after startTime")
		}
		if maxCapacity != nil {
			return apperrors.ValidationFailed("Invalid option", "maxCapacity is only allowed for organization polls")
		}
	case types.PollKindSurvey:
		if start != nil || end != nil {
			return apperrors.ValidationFailed("Invalid option", "survey options must not carry times")
		}
		if maxCapacity != nil {
			return apperrors.ValidationFailed("Invalid option", "maxCapacity is only allowed for organization polls")
		}
	case types.PollKindOrganization:
		if start != nil && end != nil && !end.After(*start) {
			return apperrors.ValidationFailed("Invalid option", "endTime must be after startTime")
		}
		if maxCapacity != nil && *maxCapacity < 1 {
			return apperrors.ValidationFailed("Invalid option", "maxCapacity must be at least 1")
		}
	}
	return nil
}
