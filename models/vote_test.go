package models

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/tallyhq/tally-backend/errors"
	"github.com/tallyhq/tally-backend/internal/auth"
	"github.com/tallyhq/tally-backend/types"
)

type voteTestEnv struct {
	store  *fakeStore
	polls  *PollModel
	votes  *VoteModel
	caster *recordingBroadcaster
	mailer *recordingMailer
}

func newVoteTestEnv(t *testing.T) *voteTestEnv {
	t.Helper()
	fs := newFakeStore()
	caster := &recordingBroadcaster{}
	mailer := &recordingMailer{}
	pm := NewPollModel(fs, fs, caster)
	vm := NewVoteModelWithRegistry(fs, fs, fs, caster, mailer, prometheus.NewRegistry())
	return &voteTestEnv{store: fs, polls: pm, votes: vm, caster: caster, mailer: mailer}
}

func (e *voteTestEnv) createPoll(t *testing.T, req *types.PollCreate) *types.PollCreateResponse {
	t.Helper()
	resp, err := e.polls.CreatePoll(context.Background(), req, nil, false)
	require.NoError(t, err)
	return resp
}

func surveyCreate(mutate ...func(*types.PollCreate)) *types.PollCreate {
	req := &types.PollCreate{
		Title: "Lunch options",
		Kind:  types.PollKindSurvey,
		Options: []types.PollOptionCreate{
			{Text: "Pizza"}, {Text: "Sushi"}, {Text: "Salad"},
		},
		AllowMaybe: true,
	}
	for _, m := range mutate {
		m(req)
	}
	return req
}

func organizationCreate(capacity int, mutate ...func(*types.PollCreate)) *types.PollCreate {
	req := &types.PollCreate{
		Title: "Shift signup",
		Kind:  types.PollKindOrganization,
		Options: []types.PollOptionCreate{
			{Text: "Morning", MaxCapacity: &capacity},
			{Text: "Evening", MaxCapacity: &capacity},
		},
	}
	for _, m := range mutate {
		m(req)
	}
	return req
}

func bulk(name, email string, items ...types.VoteItem) *types.BulkVoteRequest {
	return &types.BulkVoteRequest{VoterName: name, VoterEmail: email, Votes: items}
}

func yes(optionID int64) types.VoteItem {
	return types.VoteItem{OptionID: optionID, Response: types.VoteYes}
}

func appCode(t *testing.T, err error) string {
	t.Helper()
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	return appErr.Code
}

func TestSubmitBulkVoteSurveyHappyPath(t *testing.T) {
	env := newVoteTestEnv(t)
	created := env.createPoll(t, surveyCreate())
	opts := created.Poll.Options
	ident := auth.DeviceIdentity("d1", "hash1")

	resp, err := env.votes.SubmitBulkVote(context.Background(), created.PublicToken, ident, bulk("V1", "v1@x.test",
		yes(opts[0].ID),
		types.VoteItem{OptionID: opts[1].ID, Response: types.VoteNo},
		types.VoteItem{OptionID: opts[2].ID, Response: types.VoteMaybe},
	))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Len(t, resp.Votes, 3)
	assert.Nil(t, resp.VoterEditToken, "edit token is only returned when edits are allowed")

	poll, err := env.store.GetPollByID(context.Background(), created.Poll.ID)
	require.NoError(t, err)
	results := Aggregate(poll)
	assert.Equal(t, 1, results.Stats[opts[0].ID].YesCount)
	assert.Equal(t, 1, results.Stats[opts[1].ID].NoCount)
	assert.Equal(t, 1, results.Stats[opts[2].ID].MaybeCount)
	assert.Equal(t, 1, results.ParticipantCount)

	assert.Equal(t, []string{"v1@x.test"}, env.mailer.sends)
}

func TestSubmitBulkVoteEditTokenCohesion(t *testing.T) {
	env := newVoteTestEnv(t)
	created := env.createPoll(t, surveyCreate(func(r *types.PollCreate) { r.AllowVoteEdit = true }))
	opts := created.Poll.Options

	resp, err := env.votes.SubmitBulkVote(context.Background(), created.PublicToken,
		auth.DeviceIdentity("d1", "h1"),
		bulk("V1", "v1@x.test", yes(opts[0].ID), yes(opts[1].ID), yes(opts[2].ID)))
	require.NoError(t, err)
	require.NotNil(t, resp.VoterEditToken)

	for _, v := range resp.Votes {
		assert.Equal(t, *resp.VoterEditToken, v.VoterEditToken)
		assert.Equal(t, created.Poll.ID, v.PollID)
		assert.Equal(t, "v1@x.test", v.VoterEmail)
	}
}

func TestSubmitBulkVoteDuplicateRejected(t *testing.T) {
	t.Run("survey reports DUPLICATE_EMAIL_VOTE", func(t *testing.T) {
		env := newVoteTestEnv(t)
		created := env.createPoll(t, surveyCreate())
		opt := created.Poll.Options[0]
		ident := auth.DeviceIdentity("d1", "h1")

		_, err := env.votes.SubmitBulkVote(context.Background(), created.PublicToken, ident, bulk("V", "v@x.test", yes(opt.ID)))
		require.NoError(t, err)

		_, err = env.votes.SubmitBulkVote(context.Background(), created.PublicToken, ident, bulk("V", "v@x.test", yes(opt.ID)))
		assert.Equal(t, apperrors.CodeDuplicateEmailVote, appCode(t, err))
	})

	t.Run("organization reports ALREADY_VOTED", func(t *testing.T) {
		env := newVoteTestEnv(t)
		created := env.createPoll(t, organizationCreate(5))
		opt := created.Poll.Options[0]
		ident := auth.DeviceIdentity("d1", "h1")

		_, err := env.votes.SubmitBulkVote(context.Background(), created.PublicToken, ident, bulk("V", "v@x.test", yes(opt.ID)))
		require.NoError(t, err)

		_, err = env.votes.SubmitBulkVote(context.Background(), created.PublicToken, ident, bulk("V", "v@x.test", yes(opt.ID)))
		assert.Equal(t, apperrors.CodeAlreadyVoted, appCode(t, err))
	})
}

func TestSubmitBulkVoteSlotFullPartialSuccess(t *testing.T) {
	env := newVoteTestEnv(t)
	created := env.createPoll(t, organizationCreate(1, func(r *types.PollCreate) {
		r.AllowMultipleSlots = true
	}))
	o1, o2 := created.Poll.Options[0], created.Poll.Options[1]
	ctx := context.Background()

	_, err := env.votes.SubmitBulkVote(ctx, created.PublicToken,
		auth.DeviceIdentity("d1", "h1"), bulk("First", "first@x.test", yes(o2.ID)))
	require.NoError(t, err)

	// Second voter: first item fits, second hits the full slot. The first
	// item must stay committed.
	_, err = env.votes.SubmitBulkVote(ctx, created.PublicToken,
		auth.DeviceIdentity("d2", "h2"), bulk("Second", "second@x.test", yes(o1.ID), yes(o2.ID)))
	assert.Equal(t, apperrors.CodeSlotFull, appCode(t, err))

	votes, err := env.store.ListVotesByEmail(ctx, created.Poll.ID, "second@x.test")
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, o1.ID, votes[0].OptionID)

	// Capacity invariant: never more yes votes than capacity.
	poll, _ := env.store.GetPollByID(ctx, created.Poll.ID)
	stats := Aggregate(poll).Stats
	assert.LessOrEqual(t, stats[o2.ID].YesCount, 1)
}

func TestSubmitBulkVoteSingleSlotRule(t *testing.T) {
	env := newVoteTestEnv(t)
	created := env.createPoll(t, organizationCreate(5))
	o1, o2 := created.Poll.Options[0], created.Poll.Options[1]

	// Both yes items in one bulk: the second violates the single-slot rule.
	_, err := env.votes.SubmitBulkVote(context.Background(), created.PublicToken,
		auth.DeviceIdentity("d1", "h1"), bulk("V", "v@x.test", yes(o1.ID), yes(o2.ID)))
	assert.Equal(t, apperrors.CodeAlreadySignedUp, appCode(t, err))

	votes, err := env.store.ListVotesByEmail(context.Background(), created.Poll.ID, "v@x.test")
	require.NoError(t, err)
	require.Len(t, votes, 1, "first slot signup stays committed")
	assert.Equal(t, o1.ID, votes[0].OptionID)
}

func TestSubmitBulkVoteClosedPoll(t *testing.T) {
	env := newVoteTestEnv(t)
	ctx := context.Background()

	t.Run("inactive", func(t *testing.T) {
		created := env.createPoll(t, surveyCreate())
		inactive := false
		require.NoError(t, env.store.UpdatePoll(ctx, created.Poll.ID, &types.PollUpdate{IsActive: &inactive}))

		_, err := env.votes.SubmitBulkVote(ctx, created.PublicToken,
			auth.DeviceIdentity("d", "h"), bulk("V", "v@x.test", yes(created.Poll.Options[0].ID)))
		assert.Equal(t, apperrors.CodePollInactive, appCode(t, err))
	})

	t.Run("expired", func(t *testing.T) {
		expiry := time.Now().Add(time.Hour)
		created := env.createPoll(t, surveyCreate(func(r *types.PollCreate) { r.ExpiresAt = &expiry }))

		restore := timeNow
		timeNow = func() time.Time { return expiry.Add(time.Minute) }
		defer func() { timeNow = restore }()

		_, err := env.votes.SubmitBulkVote(ctx, created.PublicToken,
			auth.DeviceIdentity("d", "h"), bulk("V", "v@x.test", yes(created.Poll.Options[0].ID)))
		assert.Equal(t, apperrors.CodePollExpired, appCode(t, err))
	})
}

func TestSubmitBulkVoteEmailOwnership(t *testing.T) {
	env := newVoteTestEnv(t)
	env.store.addUser(&types.User{ID: "u-1", Email: "owner@x.test"})
	created := env.createPoll(t, surveyCreate())
	opt := created.Poll.Options[0]
	ctx := context.Background()

	t.Run("anonymous voter with registered email", func(t *testing.T) {
		_, err := env.votes.SubmitBulkVote(ctx, created.PublicToken,
			auth.DeviceIdentity("d", "h"), bulk("V", "Owner@X.Test", yes(opt.ID)))
		assert.Equal(t, apperrors.CodeRequiresLogin, appCode(t, err))
	})

	t.Run("session using another user's email", func(t *testing.T) {
		env.store.addUser(&types.User{ID: "u-2", Email: "other@x.test"})
		_, err := env.votes.SubmitBulkVote(ctx, created.PublicToken,
			auth.UserIdentity("u-2"), bulk("V", "owner@x.test", yes(opt.ID)))
		assert.Equal(t, apperrors.CodeEmailBelongsToOther, appCode(t, err))
	})

	t.Run("owner votes with own email", func(t *testing.T) {
		_, err := env.votes.SubmitBulkVote(ctx, created.PublicToken,
			auth.UserIdentity("u-1"), bulk("Owner", "owner@x.test", yes(opt.ID)))
		assert.NoError(t, err)
	})
}

func TestSubmitBulkVoteMaybeRequiresFlag(t *testing.T) {
	env := newVoteTestEnv(t)
	created := env.createPoll(t, surveyCreate(func(r *types.PollCreate) { r.AllowMaybe = false }))

	_, err := env.votes.SubmitBulkVote(context.Background(), created.PublicToken,
		auth.DeviceIdentity("d", "h"),
		bulk("V", "v@x.test", types.VoteItem{OptionID: created.Poll.Options[0].ID, Response: types.VoteMaybe}))

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ValidationError, appErr.Type)
}

func TestVoteEditFlow(t *testing.T) {
	env := newVoteTestEnv(t)
	created := env.createPoll(t, surveyCreate(func(r *types.PollCreate) { r.AllowVoteEdit = true }))
	opt := created.Poll.Options[0]
	ctx := context.Background()

	resp, err := env.votes.SubmitBulkVote(ctx, created.PublicToken,
		auth.DeviceIdentity("d1", "h1"), bulk("V", "v@x.test", yes(opt.ID)))
	require.NoError(t, err)
	require.NotNil(t, resp.VoterEditToken)
	token := *resp.VoterEditToken

	view, err := env.votes.GetVotesByEditToken(ctx, token)
	require.NoError(t, err)
	assert.Empty(t, view.Poll.AdminToken, "edit view must be sanitized")
	require.Len(t, view.Votes, 1)
	assert.Equal(t, types.VoteYes, view.Votes[0].Response)

	updated, err := env.votes.UpdateVotesByEditToken(ctx, token,
		[]types.VoteItem{{OptionID: opt.ID, Response: types.VoteNo}})
	require.NoError(t, err)
	require.Len(t, updated.Votes, 1)
	assert.Equal(t, types.VoteNo, updated.Votes[0].Response)

	poll, _ := env.store.GetPollByID(ctx, created.Poll.ID)
	stats := Aggregate(poll).Stats
	assert.Equal(t, 0, stats[opt.ID].YesCount)
	assert.Equal(t, 1, stats[opt.ID].NoCount)
}

func TestVoteEditUnknownToken(t *testing.T) {
	env := newVoteTestEnv(t)
	_, err := env.votes.GetVotesByEditToken(context.Background(), "no-such-token")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.NotFoundError, appErr.Type)
}

func TestWithdraw(t *testing.T) {
	env := newVoteTestEnv(t)
	created := env.createPoll(t, surveyCreate(func(r *types.PollCreate) {
		r.AllowVoteWithdrawal = true
		r.AllowVoteEdit = true
	}))
	opt := created.Poll.Options[0]
	ident := auth.DeviceIdentity("d1", "h1")
	ctx := context.Background()

	resp, err := env.votes.SubmitBulkVote(ctx, created.PublicToken, ident, bulk("V", "v@x.test", yes(opt.ID)))
	require.NoError(t, err)
	token := *resp.VoterEditToken

	err = env.votes.Withdraw(ctx, created.PublicToken, ident, &types.WithdrawRequest{VoterEditToken: &token})
	require.NoError(t, err)

	votes, _ := env.store.ListVotesByPoll(ctx, created.Poll.ID)
	assert.Empty(t, votes)

	// Withdraw idempotence: the second attempt finds nothing.
	err = env.votes.Withdraw(ctx, created.PublicToken, ident, &types.WithdrawRequest{VoterEditToken: &token})
	assert.Equal(t, apperrors.CodeNoVotesFound, appCode(t, err))
}

func TestWithdrawNotAllowed(t *testing.T) {
	env := newVoteTestEnv(t)
	created := env.createPoll(t, surveyCreate())

	err := env.votes.Withdraw(context.Background(), created.PublicToken,
		auth.DeviceIdentity("d", "h"), &types.WithdrawRequest{})
	assert.Equal(t, apperrors.CodeWithdrawalNotAllowed, appCode(t, err))
}

func TestWithdrawByEmailRequiresMatchingVoterKey(t *testing.T) {
	env := newVoteTestEnv(t)
	created := env.createPoll(t, surveyCreate(func(r *types.PollCreate) { r.AllowVoteWithdrawal = true }))
	opt := created.Poll.Options[0]
	ctx := context.Background()

	_, err := env.votes.SubmitBulkVote(ctx, created.PublicToken,
		auth.DeviceIdentity("d1", "h1"), bulk("V", "v@x.test", yes(opt.ID)))
	require.NoError(t, err)

	// A different device supplying the same email may not withdraw.
	email := "v@x.test"
	err = env.votes.Withdraw(ctx, created.PublicToken,
		auth.DeviceIdentity("d2", "h2"), &types.WithdrawRequest{VoterEmail: &email})
	assert.Equal(t, apperrors.CodeNoVotesFound, appCode(t, err))

	// The original device can.
	err = env.votes.Withdraw(ctx, created.PublicToken,
		auth.DeviceIdentity("d1", "h1"), &types.WithdrawRequest{VoterEmail: &email})
	assert.NoError(t, err)
}

func TestMyVotes(t *testing.T) {
	env := newVoteTestEnv(t)
	created := env.createPoll(t, surveyCreate())
	ident := auth.DeviceIdentity("d1", "h1")
	ctx := context.Background()

	resp, err := env.votes.MyVotes(ctx, created.PublicToken, ident)
	require.NoError(t, err)
	assert.False(t, resp.HasVoted)

	_, err = env.votes.SubmitBulkVote(ctx, created.PublicToken, ident,
		bulk("V", "v@x.test", yes(created.Poll.Options[0].ID)))
	require.NoError(t, err)

	resp, err = env.votes.MyVotes(ctx, created.PublicToken, ident)
	require.NoError(t, err)
	assert.True(t, resp.HasVoted)
	assert.Len(t, resp.Votes, 1)

	// A different device sees nothing.
	resp, err = env.votes.MyVotes(ctx, created.PublicToken, auth.DeviceIdentity("d2", "h2"))
	require.NoError(t, err)
	assert.False(t, resp.HasVoted)
}

func TestOrganizationVoteBroadcastsSlotUpdate(t *testing.T) {
	env := newVoteTestEnv(t)
	created := env.createPoll(t, organizationCreate(2))
	o1 := created.Poll.Options[0]

	_, err := env.votes.SubmitBulkVote(context.Background(), created.PublicToken,
		auth.DeviceIdentity("d1", "h1"), bulk("V", "v@x.test", yes(o1.ID)))
	require.NoError(t, err)

	slotEvents := env.caster.ofType(types.EventTypeSlotUpdate)
	require.Len(t, slotEvents, 1)
	payload, ok := slotEvents[0].payload.(types.SlotUpdatePayload)
	require.True(t, ok)
	assert.Equal(t, 1, payload.Slots[o1.ID].CurrentCount)

	assert.Len(t, env.caster.ofType(types.EventTypeVoteUpdate), 1)
}

func TestCapacityUnchangedOnYesToYesEdit(t *testing.T) {
	env := newVoteTestEnv(t)
	created := env.createPoll(t, organizationCreate(1, func(r *types.PollCreate) {
		r.AllowVoteEdit = true
	}))
	o1 := created.Poll.Options[0]
	ident := auth.DeviceIdentity("d1", "h1")
	ctx := context.Background()

	_, err := env.votes.SubmitBulkVote(ctx, created.PublicToken, ident, bulk("V", "v@x.test", yes(o1.ID)))
	require.NoError(t, err)

	// Re-submitting yes on the already-held slot is not a capacity violation.
	_, err = env.votes.SubmitBulkVote(ctx, created.PublicToken, ident, bulk("V", "v@x.test", yes(o1.ID)))
	assert.NoError(t, err)
}

func TestOrganizationCapacityUnderConcurrentVoters(t *testing.T) {
	env := newVoteTestEnv(t)
	created := env.createPoll(t, organizationCreate(2))
	o1 := created.Poll.Options[0]
	ctx := context.Background()

	// Widen the count-then-insert window. Without the per-option lock every
	// racing voter counts zero occupancy and all of them commit.
	env.store.beforeCapacityCount = func() { time.Sleep(10 * time.Millisecond) }

	const voters = 5
	errs := make([]error, voters)
	var wg sync.WaitGroup
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ident := auth.DeviceIdentity(fmt.Sprintf("d%d", i), fmt.Sprintf("h%d", i))
			_, errs[i] = env.votes.SubmitBulkVote(ctx, created.PublicToken, ident,
				bulk(fmt.Sprintf("V%d", i), fmt.Sprintf("v%d@x.test", i), yes(o1.ID)))
		}(i)
	}
	wg.Wait()

	var admitted, rejected int
	for _, err := range errs {
		if err == nil {
			admitted++
			continue
		}
		assert.Equal(t, apperrors.CodeSlotFull, appCode(t, err))
		rejected++
	}
	assert.Equal(t, 2, admitted, "exactly capacity voters get the slot")
	assert.Equal(t, 3, rejected)

	poll, err := env.store.GetPollByID(ctx, created.Poll.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, Aggregate(poll).Stats[o1.ID].YesCount)
}

func TestWithdrawHoldsVoterLock(t *testing.T) {
	env := newVoteTestEnv(t)
	created := env.createPoll(t, surveyCreate(func(r *types.PollCreate) { r.AllowVoteWithdrawal = true }))
	opt := created.Poll.Options[0]
	ident := auth.DeviceIdentity("d1", "h1")
	ctx := context.Background()

	_, err := env.votes.SubmitBulkVote(ctx, created.PublicToken, ident, bulk("V", "v@x.test", yes(opt.ID)))
	require.NoError(t, err)

	email := "v@x.test"
	require.NoError(t, env.votes.Withdraw(ctx, created.PublicToken, ident,
		&types.WithdrawRequest{VoterEmail: &email}))

	votes, _ := env.store.ListVotesByPoll(ctx, created.Poll.ID)
	assert.Empty(t, votes)

	// The submission and the withdrawal serialise on the same voter key, so
	// a withdraw cannot interleave with the voter's in-flight update.
	want := auth.VoterLockKey(created.Poll.ID, "v@x.test", ident.Key)
	assert.Equal(t, []int64{want, want}, env.store.lockKeys())
}

func TestConfirmationEmailSurvivesClientDisconnect(t *testing.T) {
	env := newVoteTestEnv(t)
	created := env.createPoll(t, surveyCreate())
	opt := created.Poll.Options[0]

	// The voter's connection drops right after the commit.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.votes.SubmitBulkVote(ctx, created.PublicToken,
		auth.DeviceIdentity("d1", "h1"), bulk("V", "v@x.test", yes(opt.ID)))
	require.NoError(t, err)

	require.Equal(t, []string{"v@x.test"}, env.mailer.sends)
	assert.NoError(t, env.mailer.ctxErrs[0], "post-commit email must not inherit the request cancellation")
}

func TestEmailExists(t *testing.T) {
	env := newVoteTestEnv(t)
	env.store.addUser(&types.User{ID: "u-1", Email: "known@x.test"})

	exists, err := env.votes.EmailExists(context.Background(), "Known@X.Test")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = env.votes.EmailExists(context.Background(), "unknown@x.test")
	require.NoError(t, err)
	assert.False(t, exists)
}
