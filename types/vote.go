package types

import (
	"time"
)

// VoteResponseValue is a voter's answer for one option.
type VoteResponseValue string

const (
	VoteYes   VoteResponseValue = "yes"
	VoteMaybe VoteResponseValue = "maybe"
	VoteNo    VoteResponseValue = "no"
)

func (v VoteResponseValue) Valid() bool {
	switch v {
	case VoteYes, VoteMaybe, VoteNo:
		return true
	}
	return false
}

// Vote is one voter's answer on one option. All votes a voter casts in one
// poll share the same VoterEditToken.
type Vote struct {
	ID             int64             `json:"id"`
	PollID         string            `json:"pollId"`
	OptionID       int64             `json:"optionId"`
	VoterName      string            `json:"voterName"`
	VoterEmail     string            `json:"voterEmail"`
	UserID         *string           `json:"userId,omitempty"`
	VoterKey       string            `json:"-"`
	Response       VoteResponseValue `json:"response"`
	Comment        *string           `json:"comment,omitempty"`
	VoterEditToken string            `json:"-"`
	IsTestData     bool              `json:"-"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// API request types.

type VoteItem struct {
	OptionID int64             `json:"optionId" binding:"min=0"`
	Response VoteResponseValue `json:"response" binding:"required"`
	Comment  *string           `json:"comment,omitempty" binding:"omitempty,max=500"`
}

type BulkVoteRequest struct {
	VoterName  string     `json:"voterName" binding:"required,min=1,max=100"`
	VoterEmail string     `json:"voterEmail" binding:"required,email"`
	Votes      []VoteItem `json:"votes" binding:"required,min=1,dive"`
}

type WithdrawRequest struct {
	VoterEmail     *string `json:"voterEmail,omitempty" binding:"omitempty,email"`
	VoterEditToken *string `json:"voterEditToken,omitempty"`
}

type VoteEditRequest struct {
	Votes []VoteItem `json:"votes" binding:"required,min=1,dive"`
}

// BulkVoteResponse is the success envelope of the vote endpoints. The edit
// token is only returned when the poll allows later edits.
type BulkVoteResponse struct {
	Success        bool    `json:"success"`
	Votes          []*Vote `json:"votes"`
	VoterEditToken *string `json:"voterEditToken"`
}

// VoteEditView is returned by GET /votes/edit/:token: the voter's own votes
// plus the poll's public metadata. No other voters' data is included.
type VoteEditView struct {
	Poll  *Poll   `json:"poll"`
	Votes []*Vote `json:"votes"`
}

// MyVotesResponse reports whether the requester has voted on a poll.
type MyVotesResponse struct {
	HasVoted bool    `json:"hasVoted"`
	Votes    []*Vote `json:"votes,omitempty"`
}

// OptionStats is the per-option tally of the result read model.
// Score weighs yes twice and maybe once.
type OptionStats struct {
	YesCount   int `json:"yesCount"`
	MaybeCount int `json:"maybeCount"`
	NoCount    int `json:"noCount"`
	Score      int `json:"score"`
}

// PollResults is the aggregated read model for a poll.
type PollResults struct {
	Options          []*PollOption          `json:"options"`
	Votes            []*Vote                `json:"votes"`
	Stats            map[int64]*OptionStats `json:"stats"`
	ParticipantCount int                    `json:"participantCount"`
	ResponseRate     float64                `json:"responseRate"`
	FinalOptionID    *int64                 `json:"finalOptionId,omitempty"`
}

// SlotStatus is the live capacity snapshot of one organization option.
type SlotStatus struct {
	CurrentCount int  `json:"currentCount"`
	MaxCapacity  *int `json:"maxCapacity,omitempty"`
}
