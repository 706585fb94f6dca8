package types

import (
	"time"
)

// PollKind selects the decision-making mode of a poll.
type PollKind string

const (
	PollKindSchedule     PollKind = "schedule"
	PollKindSurvey       PollKind = "survey"
	PollKindOrganization PollKind = "organization"
)

// Valid reports whether the kind is one of the supported modes.
func (k PollKind) Valid() bool {
	switch k {
	case PollKindSchedule, PollKindSurvey, PollKindOrganization:
		return true
	}
	return false
}

// Poll is the aggregate root. Options and Votes are loaded eagerly by the
// store so a poll read is a single object, not per-query round trips.
type Poll struct {
	ID                  string     `json:"id"`
	Kind                PollKind   `json:"type"`
	Title               string     `json:"title"`
	Description         string     `json:"description,omitempty"`
	CreatorUserID       *string    `json:"userId,omitempty"`
	CreatorEmail        *string    `json:"creatorEmail,omitempty"`
	AdminToken          string     `json:"adminToken,omitempty"`
	PublicToken         string     `json:"publicToken"`
	IsActive            bool       `json:"isActive"`
	ExpiresAt           *time.Time `json:"expiresAt,omitempty"`
	AllowVoteEdit       bool       `json:"allowVoteEdit"`
	AllowVoteWithdrawal bool       `json:"allowVoteWithdrawal"`
	AllowMultipleSlots  bool       `json:"allowMultipleSlots"`
	AllowMaybe          bool       `json:"allowMaybe"`
	ResultsPublic       bool       `json:"resultsPublic"`
	FinalOptionID       *int64     `json:"finalOptionId,omitempty"`
	EnableExpiryReminder bool      `json:"enableExpiryReminder"`
	ExpiryReminderHours int        `json:"expiryReminderHours,omitempty"`
	ExpiryReminderSent  bool       `json:"-"`
	IsTestData          bool       `json:"-"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`

	Options []*PollOption `json:"options,omitempty"`
	Votes   []*Vote       `json:"-"`
}

// IsClosed reports whether vote mutations must be rejected.
func (p *Poll) IsClosed(now time.Time) bool {
	if !p.IsActive {
		return true
	}
	return p.IsExpired(now)
}

// IsExpired reports whether the poll's expiry instant has passed.
func (p *Poll) IsExpired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

// PollOption is one votable entry of a poll. Time bounds are required for
// schedule polls, forbidden for surveys, optional for organization polls.
// MaxCapacity only applies to organization polls.
type PollOption struct {
	ID          int64      `json:"id"`
	PollID      string     `json:"pollId"`
	Text        string     `json:"text"`
	ImageURL    *string    `json:"imageUrl,omitempty"`
	AltText     *string    `json:"altText,omitempty"`
	StartTime   *time.Time `json:"startTime,omitempty"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	MaxCapacity *int       `json:"maxCapacity,omitempty"`
	Position    int        `json:"order"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Sanitized returns a copy of the poll suitable for public-token viewers:
// the admin token and creator contact details are stripped.
func (p *Poll) Sanitized() *Poll {
	c := *p
	c.AdminToken = ""
	c.CreatorEmail = nil
	c.CreatorUserID = nil
	return &c
}

// API request types.

type PollOptionCreate struct {
	Text        string     `json:"text" binding:"required,min=1,max=200"`
	ImageURL    *string    `json:"imageUrl,omitempty"`
	AltText     *string    `json:"altText,omitempty"`
	StartTime   *time.Time `json:"startTime,omitempty"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	MaxCapacity *int       `json:"maxCapacity,omitempty" binding:"omitempty,min=1"`
	Position    *int       `json:"order,omitempty"`
}

type PollCreate struct {
	Title                string             `json:"title" binding:"required,min=1,max=200"`
	Description          string             `json:"description,omitempty" binding:"omitempty,max=2000"`
	Kind                 PollKind           `json:"type" binding:"required"`
	CreatorEmail         *string            `json:"creatorEmail,omitempty" binding:"omitempty,email"`
	ExpiresAt            *time.Time         `json:"expiresAt,omitempty"`
	EnableExpiryReminder bool               `json:"enableExpiryReminder,omitempty"`
	ExpiryReminderHours  *int               `json:"expiryReminderHours,omitempty" binding:"omitempty,min=1,max=168"`
	AllowVoteEdit        bool               `json:"allowVoteEdit,omitempty"`
	AllowVoteWithdrawal  bool               `json:"allowVoteWithdrawal,omitempty"`
	AllowMultipleSlots   bool               `json:"allowMultipleSlots,omitempty"`
	AllowMaybe           bool               `json:"allowMaybe,omitempty"`
	ResultsPublic        *bool              `json:"resultsPublic,omitempty"`
	Options              []PollOptionCreate `json:"options" binding:"required,min=1,dive"`
}

type PollUpdate struct {
	Title                *string    `json:"title,omitempty" binding:"omitempty,min=1,max=200"`
	Description          *string    `json:"description,omitempty" binding:"omitempty,max=2000"`
	IsActive             *bool      `json:"isActive,omitempty"`
	ExpiresAt            *time.Time `json:"expiresAt,omitempty"`
	ClearExpiresAt       bool       `json:"clearExpiresAt,omitempty"`
	EnableExpiryReminder *bool      `json:"enableExpiryReminder,omitempty"`
	ExpiryReminderHours  *int       `json:"expiryReminderHours,omitempty" binding:"omitempty,min=1,max=168"`
	AllowVoteEdit        *bool      `json:"allowVoteEdit,omitempty"`
	AllowVoteWithdrawal  *bool      `json:"allowVoteWithdrawal,omitempty"`
	AllowMultipleSlots   *bool      `json:"allowMultipleSlots,omitempty"`
	AllowMaybe           *bool      `json:"allowMaybe,omitempty"`
	ResultsPublic        *bool      `json:"resultsPublic,omitempty"`
}

type OptionUpdate struct {
	Text        *string    `json:"text,omitempty" binding:"omitempty,min=1,max=200"`
	ImageURL    *string    `json:"imageUrl,omitempty"`
	AltText     *string    `json:"altText,omitempty"`
	StartTime   *time.Time `json:"startTime,omitempty"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	MaxCapacity *int       `json:"maxCapacity,omitempty" binding:"omitempty,min=1"`
}

type FinalizeRequest struct {
	// OptionID 0 clears the finalized option.
	OptionID int64 `json:"optionId" binding:"min=0"`
}

// PollCreateResponse is returned once at creation; the admin token is never
// exposed again through the public read path.
type PollCreateResponse struct {
	Poll        *Poll  `json:"poll"`
	PublicToken string `json:"publicToken"`
	AdminToken  string `json:"adminToken"`
}
