package models

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	apperrors "github.com/tallyhq/tally-backend/errors"
	"github.com/tallyhq/tally-backend/internal/auth"
	"github.com/tallyhq/tally-backend/internal/store"
	"github.com/tallyhq/tally-backend/logger"
	"github.com/tallyhq/tally-backend/types"
)

// ConfirmationSender enqueues voter-confirmation emails. Implementations are
// fire-and-forget; failures never surface to the voter.
type ConfirmationSender interface {
	SendVoterConfirmation(ctx context.Context, poll *types.Poll, email, name, editToken string)
}

// VoteModel is the vote engine: the only writer of vote rows. All mutations
// run inside a transaction holding the per-voter advisory lock, which
// serialises concurrent submissions by the same voter; capacity checks
// additionally take a per-option lock so distinct voters racing for the same
// slot are serialised too.
type VoteModel struct {
	polls   store.PollStore
	votes   store.VoteStore
	users   store.UserStore
	caster  Broadcaster
	mailer  ConfirmationSender
	metrics *voteMetrics
}

type voteMetrics struct {
	votesTotal     *prometheus.CounterVec
	rejectionTotal *prometheus.CounterVec
}

func NewVoteModel(polls store.PollStore, votes store.VoteStore, users store.UserStore, caster Broadcaster, mailer ConfirmationSender) *VoteModel {
	return NewVoteModelWithRegistry(polls, votes, users, caster, mailer, prometheus.DefaultRegisterer)
}

func NewVoteModelWithRegistry(polls store.PollStore, votes store.VoteStore, users store.UserStore, caster Broadcaster, mailer ConfirmationSender, reg prometheus.Registerer) *VoteModel {
	metrics := &voteMetrics{
		votesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_votes_total",
			Help: "Total vote rows written, by poll kind and operation",
		}, []string{"kind", "op"}),
		rejectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_vote_rejections_total",
			Help: "Vote submissions rejected by the engine, by error code",
		}, []string{"code"}),
	}
	if reg != nil {
		reg.MustRegister(metrics.votesTotal, metrics.rejectionTotal)
	}

	return &VoteModel{
		polls:   polls,
		votes:   votes,
		users:   users,
		caster:  caster,
		mailer:  mailer,
		metrics: metrics,
	}
}

// applyOutcome is the tagged result of one bulk application. A per-item
// rejection does not roll back items that already succeeded.
type applyOutcome struct {
	votes     []*types.Vote
	editToken string
	itemErr   *apperrors.AppError
}

// SubmitBulkVote is the authoritative vote writer behind POST /vote and
// /vote-bulk.
func (vm *VoteModel) SubmitBulkVote(ctx context.Context, publicToken string, ident auth.VoterIdentity, req *types.BulkVoteRequest) (*types.BulkVoteResponse, error) {
	poll, err := vm.polls.GetPollByPublicToken(ctx, publicToken)
	if err != nil {
		return nil, mapPollLookupError(err)
	}

	if err := vm.checkPreconditions(ctx, poll, ident, req.VoterEmail, req.Votes); err != nil {
		vm.countRejection(err)
		return nil, err
	}

	email := auth.NormalizeEmail(req.VoterEmail)
	outcome, err := vm.applyVotes(ctx, poll, ident, req.VoterName, email, req.Votes, false)
	if err != nil {
		vm.countRejection(err)
		return nil, err
	}

	// Side effects run after commit, even on partial success: committed
	// items changed the observable state.
	if len(outcome.votes) > 0 {
		vm.afterCommit(ctx, poll, email, req.VoterName, outcome.editToken)
	}

	if outcome.itemErr != nil {
		vm.countRejection(outcome.itemErr)
		return nil, outcome.itemErr
	}

	return vm.buildResponse(poll, outcome), nil
}

// GetVotesByEditToken returns the voter's votes plus the poll's public
// metadata. No other voters' data is exposed on this path.
func (vm *VoteModel) GetVotesByEditToken(ctx context.Context, editToken string) (*types.VoteEditView, error) {
	votes, err := vm.votes.ListVotesByEditToken(ctx, editToken)
	if err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}
	if len(votes) == 0 {
		return nil, apperrors.NotFound("Votes")
	}

	poll, err := vm.polls.GetPollByID(ctx, votes[0].PollID)
	if err != nil {
		return nil, mapPollLookupError(err)
	}

	view := poll.Sanitized()
	view.Votes = nil
	return &types.VoteEditView{Poll: view, Votes: votes}, nil
}

// UpdateVotesByEditToken re-applies the bulk semantics for the voter behind
// the edit token. The already-voted check is skipped: possession of the
// token is the edit authorization.
func (vm *VoteModel) UpdateVotesByEditToken(ctx context.Context, editToken string, items []types.VoteItem) (*types.BulkVoteResponse, error) {
	existing, err := vm.votes.ListVotesByEditToken(ctx, editToken)
	if err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}
	if len(existing) == 0 {
		return nil, apperrors.NotFound("Votes")
	}

	poll, err := vm.polls.GetPollByID(ctx, existing[0].PollID)
	if err != nil {
		return nil, mapPollLookupError(err)
	}

	if err := vm.checkPollOpen(poll); err != nil {
		vm.countRejection(err)
		return nil, err
	}
	if err := validateVoteItems(poll, items); err != nil {
		return nil, err
	}

	// Rebuild the identity the original submission stored.
	ident := auth.VoterIdentity{Key: existing[0].VoterKey, Source: auth.SourceDevice}
	if existing[0].UserID != nil {
		ident = auth.UserIdentity(*existing[0].UserID)
	}

	outcome, err := vm.applyVotes(ctx, poll, ident, existing[0].VoterName, existing[0].VoterEmail, items, true)
	if err != nil {
		vm.countRejection(err)
		return nil, err
	}

	if len(outcome.votes) > 0 {
		vm.broadcastVoteChange(ctx, poll)
	}
	if outcome.itemErr != nil {
		vm.countRejection(outcome.itemErr)
		return nil, outcome.itemErr
	}

	return vm.buildResponse(poll, outcome), nil
}

// Withdraw removes all the requester's votes in one poll. Authorization
// chain: session email, then edit token, then email bound to a known voter
// key.
func (vm *VoteModel) Withdraw(ctx context.Context, publicToken string, ident auth.VoterIdentity, req *types.WithdrawRequest) error {
	poll, err := vm.polls.GetPollByPublicToken(ctx, publicToken)
	if err != nil {
		return mapPollLookupError(err)
	}

	if !poll.AllowVoteWithdrawal {
		e := apperrors.Forbidden("Vote withdrawal is not allowed for this poll", "")
		e.Code = apperrors.CodeWithdrawalNotAllowed
		return e
	}

	victims, err := vm.resolveWithdrawalVotes(ctx, poll, ident, req)
	if err != nil {
		return err
	}
	if len(victims) == 0 {
		e := apperrors.NotFound("Votes")
		e.Code = apperrors.CodeNoVotesFound
		return e
	}

	ids := make([]int64, len(victims))
	for i, v := range victims {
		ids[i] = v.ID
	}

	// Deletion holds the voter lock so a withdraw cannot interleave with the
	// same voter's in-flight bulk update.
	err = vm.votes.Transaction(ctx, func(tx store.VoteTx) error {
		if err := tx.AdvisoryLock(ctx, auth.VoterLockKey(poll.ID, victims[0].VoterEmail, ident.Key)); err != nil {
			return err
		}
		return tx.DeleteVotes(ctx, ids)
	})
	if err != nil {
		return apperrors.NewDatabaseError(err)
	}

	vm.metrics.votesTotal.WithLabelValues(string(poll.Kind), "withdraw").Add(float64(len(ids)))
	vm.broadcastVoteChange(ctx, poll)
	return nil
}

// MyVotes reports whether the requester has voted on a poll, resolved by
// voter key alone.
func (vm *VoteModel) MyVotes(ctx context.Context, publicToken string, ident auth.VoterIdentity) (*types.MyVotesResponse, error) {
	poll, err := vm.polls.GetPollByPublicToken(ctx, publicToken)
	if err != nil {
		return nil, mapPollLookupError(err)
	}

	votes, err := vm.votes.ListVotesByVoterKey(ctx, poll.ID, ident.Key)
	if err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}

	return &types.MyVotesResponse{HasVoted: len(votes) > 0, Votes: votes}, nil
}

// EmailExists reports whether the email belongs to a registered account.
// Consumed by the pre-vote email check endpoint.
func (vm *VoteModel) EmailExists(ctx context.Context, email string) (bool, error) {
	_, err := vm.users.GetUserByEmail(ctx, auth.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, apperrors.NewDatabaseError(err)
	}
	return true, nil
}

// --- engine internals ---

func (vm *VoteModel) checkPreconditions(ctx context.Context, poll *types.Poll, ident auth.VoterIdentity, voterEmail string, items []types.VoteItem) error {
	if err := vm.checkPollOpen(poll); err != nil {
		return err
	}
	if err := validateVoteItems(poll, items); err != nil {
		return err
	}
	return vm.checkEmailOwnership(ctx, ident, voterEmail)
}

func (vm *VoteModel) checkPollOpen(poll *types.Poll) error {
	if !poll.IsActive {
		return apperrors.BadRequest(apperrors.CodePollInactive, "This poll is no longer active")
	}
	if poll.IsExpired(timeNow()) {
		return apperrors.BadRequest(apperrors.CodePollExpired, "This poll has expired")
	}
	return nil
}

// checkEmailOwnership enforces the registered-email rule: voting with a
// registered user's email requires that user's session.
func (vm *VoteModel) checkEmailOwnership(ctx context.Context, ident auth.VoterIdentity, voterEmail string) error {
	owner, err := vm.users.GetUserByEmail(ctx, auth.NormalizeEmail(voterEmail))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return apperrors.NewDatabaseError(err)
	}

	if !ident.IsUser() {
		return apperrors.Conflict(apperrors.CodeRequiresLogin,
			"This email belongs to a registered account; please log in to vote")
	}
	if ident.UserID != owner.ID {
		e := apperrors.Forbidden("This email belongs to another registered user", "")
		e.Code = apperrors.CodeEmailBelongsToOther
		return e
	}
	return nil
}

func validateVoteItems(poll *types.Poll, items []types.VoteItem) error {
	for i, item := range items {
		if !item.Response.Valid() {
			return apperrors.ValidationFailed("Invalid response",
				fmt.Sprintf("item %d: response must be yes, maybe, or no", i))
		}
		if item.Response == types.VoteMaybe && !poll.AllowMaybe {
			return apperrors.ValidationFailed("Maybe votes are not allowed for this poll", "")
		}
		if findOption(poll, item.OptionID) == nil {
			return apperrors.ValidationFailed("Unknown option",
				fmt.Sprintf("option %d does not belong to this poll", item.OptionID))
		}
	}
	return nil
}

// applyVotes performs the whole mutation inside one transaction under the
// voter's advisory lock. skipAlreadyVoted is set on the edit-token path.
func (vm *VoteModel) applyVotes(ctx context.Context, poll *types.Poll, ident auth.VoterIdentity, name, email string, items []types.VoteItem, skipAlreadyVoted bool) (*applyOutcome, error) {
	outcome := &applyOutcome{}

	err := vm.votes.Transaction(ctx, func(tx store.VoteTx) error {
		if err := tx.AdvisoryLock(ctx, auth.VoterLockKey(poll.ID, email, ident.Key)); err != nil {
			return err
		}

		existing, err := tx.ListVotesForVoter(ctx, poll.ID, email, ident.Key)
		if err != nil {
			return err
		}

		if len(existing) > 0 && !poll.AllowVoteEdit && !skipAlreadyVoted {
			if poll.Kind == types.PollKindSurvey {
				return apperrors.Conflict(apperrors.CodeDuplicateEmailVote,
					"A vote with this email already exists for this poll")
			}
			return apperrors.Conflict(apperrors.CodeAlreadyVoted,
				"You have already voted on this poll")
		}

		byOption := make(map[int64]*types.Vote, len(existing))
		yesOptions := make(map[int64]bool)
		for _, v := range existing {
			byOption[v.OptionID] = v
			if v.Response == types.VoteYes {
				yesOptions[v.OptionID] = true
			}
			outcome.editToken = v.VoterEditToken
		}

		var userID *string
		if ident.IsUser() {
			userID = &ident.UserID
		}

		for _, item := range items {
			opt := findOption(poll, item.OptionID)

			if prev, ok := byOption[item.OptionID]; ok {
				if rejection := vm.checkOrganizationRules(ctx, tx, poll, opt, item, yesOptions, prev); rejection != nil {
					outcome.itemErr = rejection
					break
				}
				updated, err := tx.UpdateVote(ctx, prev.ID, item.Response, item.Comment)
				if err != nil {
					return err
				}
				byOption[item.OptionID] = updated
				delete(yesOptions, item.OptionID)
				if updated.Response == types.VoteYes {
					yesOptions[item.OptionID] = true
				}
				outcome.votes = append(outcome.votes, updated)
				vm.metrics.votesTotal.WithLabelValues(string(poll.Kind), "update").Inc()
				continue
			}

			if rejection := vm.checkOrganizationRules(ctx, tx, poll, opt, item, yesOptions, nil); rejection != nil {
				outcome.itemErr = rejection
				break
			}

			// The first insert mints the edit token; the rest of the bulk
			// reuses it (edit-token cohesion).
			if outcome.editToken == "" {
				token, err := auth.GenerateToken()
				if err != nil {
					return fmt.Errorf("generating edit token: %w", err)
				}
				outcome.editToken = token
			}

			inserted, err := tx.InsertVote(ctx, &types.Vote{
				PollID:         poll.ID,
				OptionID:       item.OptionID,
				VoterName:      name,
				VoterEmail:     email,
				UserID:         userID,
				VoterKey:       ident.Key,
				Response:       item.Response,
				Comment:        item.Comment,
				VoterEditToken: outcome.editToken,
				IsTestData:     poll.IsTestData,
			})
			if err != nil {
				return err
			}
			byOption[item.OptionID] = inserted
			if inserted.Response == types.VoteYes {
				yesOptions[item.OptionID] = true
			}
			outcome.votes = append(outcome.votes, inserted)
			vm.metrics.votesTotal.WithLabelValues(string(poll.Kind), "create").Inc()
		}

		// Commit whatever succeeded; a rejected item keeps prior items.
		return nil
	})
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, apperrors.NewDatabaseError(err)
	}

	return outcome, nil
}

// checkOrganizationRules evaluates capacity and single-slot rules at apply
// time inside the lock. prev is the voter's existing row on this option when
// the item is an update.
func (vm *VoteModel) checkOrganizationRules(ctx context.Context, tx store.VoteTx, poll *types.Poll, opt *types.PollOption, item types.VoteItem, yesOptions map[int64]bool, prev *types.Vote) *apperrors.AppError {
	if poll.Kind != types.PollKindOrganization || item.Response != types.VoteYes {
		return nil
	}

	// Single-slot rule, counting yes votes from earlier items of this bulk.
	if !poll.AllowMultipleSlots {
		for optID := range yesOptions {
			if optID != item.OptionID {
				return apperrors.BadRequest(apperrors.CodeAlreadySignedUp,
					"You have already signed up for a slot in this poll")
			}
		}
	}

	if opt.MaxCapacity == nil {
		return nil
	}
	// Skip the count when the voter already holds a yes on this option; the
	// update does not change occupancy.
	if prev != nil && prev.Response == types.VoteYes {
		return nil
	}

	// The voter lock keys on poll+voter, so distinct voters racing for the
	// same slot never contend on it. The option lock serialises the
	// count-then-insert window between them.
	if err := tx.AdvisoryLock(ctx, auth.OptionLockKey(poll.ID, item.OptionID)); err != nil {
		logger.GetLogger().Errorw("Option lock failed", "error", err, "optionId", item.OptionID)
		return apperrors.NewDatabaseError(err)
	}

	count, err := tx.CountYesVotes(ctx, poll.ID, item.OptionID)
	if err != nil {
		logger.GetLogger().Errorw("Capacity count failed", "error", err, "optionId", item.OptionID)
		return apperrors.NewDatabaseError(err)
	}
	if count >= *opt.MaxCapacity {
		return apperrors.BadRequest(apperrors.CodeSlotFull, "This slot is already full")
	}
	return nil
}

func (vm *VoteModel) resolveWithdrawalVotes(ctx context.Context, poll *types.Poll, ident auth.VoterIdentity, req *types.WithdrawRequest) ([]*types.Vote, error) {
	// 1. Authenticated session: the user's own votes.
	if ident.IsUser() {
		votes, err := vm.votes.ListVotesByUserID(ctx, poll.ID, ident.UserID)
		if err != nil {
			return nil, apperrors.NewDatabaseError(err)
		}
		if len(votes) > 0 {
			return votes, nil
		}
		user, err := vm.users.GetUserByID(ctx, ident.UserID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil
			}
			return nil, apperrors.NewDatabaseError(err)
		}
		votes, err = vm.votes.ListVotesByEmail(ctx, poll.ID, user.Email)
		if err != nil {
			return nil, apperrors.NewDatabaseError(err)
		}
		return votes, nil
	}

	// 2. Edit token.
	if req.VoterEditToken != nil && *req.VoterEditToken != "" {
		votes, err := vm.votes.ListVotesByEditToken(ctx, *req.VoterEditToken)
		if err != nil {
			return nil, apperrors.NewDatabaseError(err)
		}
		var filtered []*types.Vote
		for _, v := range votes {
			if v.PollID == poll.ID {
				filtered = append(filtered, v)
			}
		}
		return filtered, nil
	}

	// 3. Email bound to the requester's device key.
	if req.VoterEmail != nil && *req.VoterEmail != "" {
		votes, err := vm.votes.ListVotesByEmail(ctx, poll.ID, auth.NormalizeEmail(*req.VoterEmail))
		if err != nil {
			return nil, apperrors.NewDatabaseError(err)
		}
		var filtered []*types.Vote
		for _, v := range votes {
			if v.VoterKey == ident.Key {
				filtered = append(filtered, v)
			}
		}
		return filtered, nil
	}

	return nil, nil
}

func (vm *VoteModel) buildResponse(poll *types.Poll, outcome *applyOutcome) *types.BulkVoteResponse {
	resp := &types.BulkVoteResponse{
		Success: true,
		Votes:   outcome.votes,
	}
	if poll.AllowVoteEdit && outcome.editToken != "" {
		resp.VoterEditToken = &outcome.editToken
	}
	return resp
}

func (vm *VoteModel) afterCommit(ctx context.Context, poll *types.Poll, email, name, editToken string) {
	// The votes are committed; a client disconnect must not cancel the
	// confirmation email or the broadcast.
	ctx = context.WithoutCancel(ctx)
	vm.broadcastVoteChange(ctx, poll)
	if vm.mailer != nil {
		vm.mailer.SendVoterConfirmation(ctx, poll, email, name, editToken)
	}
}

// broadcastVoteChange emits the live updates a committed mutation requires:
// fresh slot counts for organization polls, plus the lightweight
// vote_update trigger.
func (vm *VoteModel) broadcastVoteChange(ctx context.Context, poll *types.Poll) {
	if vm.caster == nil {
		return
	}

	if poll.Kind == types.PollKindOrganization {
		slots, err := vm.SlotStatus(ctx, poll)
		if err != nil {
			logger.GetLogger().Warnw("Failed to compute slot status for broadcast",
				"error", err, "pollId", poll.ID)
		} else {
			vm.caster.Broadcast(ctx, poll, types.EventTypeSlotUpdate, types.SlotUpdatePayload{Slots: slots})
		}
	}

	vm.caster.Broadcast(ctx, poll, types.EventTypeVoteUpdate, nil)
}

// SlotStatus computes the post-commit per-option occupancy of an
// organization poll.
func (vm *VoteModel) SlotStatus(ctx context.Context, poll *types.Poll) (map[int64]types.SlotStatus, error) {
	votes, err := vm.votes.ListVotesByPoll(ctx, poll.ID)
	if err != nil {
		return nil, err
	}

	slots := make(map[int64]types.SlotStatus, len(poll.Options))
	for _, opt := range poll.Options {
		slots[opt.ID] = types.SlotStatus{MaxCapacity: opt.MaxCapacity}
	}
	for _, v := range votes {
		if v.Response != types.VoteYes {
			continue
		}
		s := slots[v.OptionID]
		s.CurrentCount++
		slots[v.OptionID] = s
	}
	return slots, nil
}

func (vm *VoteModel) countRejection(err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Code != "" {
		vm.metrics.rejectionTotal.WithLabelValues(appErr.Code).Inc()
	}
}
