package models

import (
	"context"
	"sort"
	"strconv"
	"time"

	apperrors "github.com/tallyhq/tally-backend/errors"
	"github.com/tallyhq/tally-backend/types"
)

// Response labels used in exported matrices.
const (
	labelYes   = "Yes"
	labelMaybe = "Maybe"
	labelNo    = "No"
)

// ErrResultsPrivate marks a visibility rejection; the handler shapes the
// dedicated 403 body for it.
var ErrResultsPrivate = func() *apperrors.AppError {
	e := apperrors.Forbidden("Results for this poll are private", "")
	e.Code = "RESULTS_PRIVATE"
	return e
}()

// ResultsModel is the read model over polls and votes. It never mutates
// state.
type ResultsModel struct {
	polls *PollModel
}

func NewResultsModel(polls *PollModel) *ResultsModel {
	return &ResultsModel{polls: polls}
}

// GetResults resolves the poll by either token and enforces the visibility
// rule: private results are only served to the admin-token holder or the
// creator's session.
func (rm *ResultsModel) GetResults(ctx context.Context, token string, sessionUserID string) (*types.PollResults, error) {
	poll, isAdmin, err := rm.polls.GetPollByAnyToken(ctx, token)
	if err != nil {
		return nil, err
	}

	if !poll.ResultsPublic && !isAdmin && !isCreator(poll, sessionUserID) {
		return nil, ErrResultsPrivate
	}

	return Aggregate(poll), nil
}

// GetPollForExport resolves the poll for export sinks under the same
// visibility rule as results.
func (rm *ResultsModel) GetPollForExport(ctx context.Context, token string, sessionUserID string) (*types.Poll, error) {
	poll, isAdmin, err := rm.polls.GetPollByAnyToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !poll.ResultsPublic && !isAdmin && !isCreator(poll, sessionUserID) {
		return nil, ErrResultsPrivate
	}
	return poll, nil
}

func isCreator(poll *types.Poll, sessionUserID string) bool {
	return sessionUserID != "" && poll.CreatorUserID != nil && *poll.CreatorUserID == sessionUserID
}

// Aggregate builds the full result read model from an eagerly loaded poll.
func Aggregate(poll *types.Poll) *types.PollResults {
	votes := DeduplicateVotes(poll.Votes)

	stats := make(map[int64]*types.OptionStats, len(poll.Options))
	for _, opt := range poll.Options {
		stats[opt.ID] = &types.OptionStats{}
	}

	participants := make(map[string]bool)
	for _, v := range votes {
		participants[voterIdentity(v)] = true
		s, ok := stats[v.OptionID]
		if !ok {
			continue
		}
		switch v.Response {
		case types.VoteYes:
			s.YesCount++
		case types.VoteMaybe:
			s.MaybeCount++
		case types.VoteNo:
			s.NoCount++
		}
	}
	for _, s := range stats {
		s.Score = 2*s.YesCount + s.MaybeCount
	}

	// Response rate has no invited-set model yet; it reports full
	// participation whenever anyone voted.
	rate := 0.0
	if len(participants) > 0 {
		rate = 100.0
	}

	return &types.PollResults{
		Options:          poll.Options,
		Votes:            votes,
		Stats:            stats,
		ParticipantCount: len(participants),
		ResponseRate:     rate,
		FinalOptionID:    poll.FinalOptionID,
	}
}

// DeduplicateVotes keeps one vote per (voter identity, option), preferring
// max(updated_at) and breaking ties by max(id). CSV export depends on this
// exact rule.
func DeduplicateVotes(votes []*types.Vote) []*types.Vote {
	type key struct {
		ident    string
		optionID int64
	}

	best := make(map[key]*types.Vote)
	for _, v := range votes {
		k := key{ident: voterIdentity(v), optionID: v.OptionID}
		cur, ok := best[k]
		if !ok {
			best[k] = v
			continue
		}
		if v.UpdatedAt.After(cur.UpdatedAt) || (v.UpdatedAt.Equal(cur.UpdatedAt) && v.ID > cur.ID) {
			best[k] = v
		}
	}

	out := make([]*types.Vote, 0, len(best))
	for _, v := range best {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// voterIdentity prefers the canonical voter key; old rows without one fall
// back to the stored email.
func voterIdentity(v *types.Vote) string {
	if v.VoterKey != "" {
		return v.VoterKey
	}
	return v.VoterEmail
}

// ParticipantMatrix renders the participant x option grid for CSV export:
// one row per participant in insertion order, a totals row summing
// yes + maybe per option, and for schedule polls a leading date row.
func ParticipantMatrix(poll *types.Poll) [][]string {
	votes := DeduplicateVotes(poll.Votes)

	type participant struct {
		name    string
		email   string
		firstID int64
		cells   map[int64]types.VoteResponseValue
	}

	byIdent := make(map[string]*participant)
	var order []*participant
	for _, v := range votes {
		ident := voterIdentity(v)
		p, ok := byIdent[ident]
		if !ok {
			p = &participant{
				name:    v.VoterName,
				email:   v.VoterEmail,
				firstID: v.ID,
				cells:   make(map[int64]types.VoteResponseValue),
			}
			byIdent[ident] = p
			order = append(order, p)
		}
		p.cells[v.OptionID] = v.Response
	}
	sort.Slice(order, func(i, j int) bool { return order[i].firstID < order[j].firstID })

	var rows [][]string

	if poll.Kind == types.PollKindSchedule {
		dateRow := []string{""}
		for _, opt := range poll.Options {
			dateRow = append(dateRow, formatOptionDate(opt))
		}
		rows = append(rows, dateRow)
	}

	header := []string{"Participant"}
	for _, opt := range poll.Options {
		header = append(header, opt.Text)
	}
	rows = append(rows, header)

	for _, p := range order {
		row := []string{p.name}
		for _, opt := range poll.Options {
			row = append(row, responseLabel(p.cells[opt.ID]))
		}
		rows = append(rows, row)
	}

	totals := []string{"Total"}
	stats := Aggregate(poll).Stats
	for _, opt := range poll.Options {
		s := stats[opt.ID]
		totals = append(totals, strconv.Itoa(s.YesCount+s.MaybeCount))
	}
	rows = append(rows, totals)

	return rows
}

func responseLabel(r types.VoteResponseValue) string {
	switch r {
	case types.VoteYes:
		return labelYes
	case types.VoteMaybe:
		return labelMaybe
	case types.VoteNo:
		return labelNo
	}
	return ""
}

func formatOptionDate(opt *types.PollOption) string {
	if opt.StartTime == nil {
		return ""
	}
	if opt.EndTime == nil {
		return opt.StartTime.UTC().Format("2006-01-02 15:04")
	}
	return opt.StartTime.UTC().Format("2006-01-02 15:04") + " - " + opt.EndTime.UTC().Format("15:04")
}

// ScheduleWindow returns the time range a schedule option covers, used by
// the ICS export.
func ScheduleWindow(opt *types.PollOption) (time.Time, time.Time, bool) {
	if opt.StartTime == nil || opt.EndTime == nil {
		return time.Time{}, time.Time{}, false
	}
	return *opt.StartTime, *opt.EndTime, true
}
