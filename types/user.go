package types

import (
	"time"
)

// User is the registered-account projection the polling core needs: the
// authentication provider itself lives outside this service.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name,omitempty"`
	CalendarToken *string   `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
}

// UserToken is a single-use token row (password reset, email change).
type UserToken struct {
	ID        int64      `json:"id"`
	Kind      string     `json:"kind"`
	Token     string     `json:"-"`
	UserID    string     `json:"userId"`
	Payload   *string    `json:"-"`
	ExpiresAt time.Time  `json:"expiresAt"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
}

const (
	UserTokenPasswordReset = "password_reset"
	UserTokenEmailChange   = "email_change"
)

// NotificationType classifies outbound poll emails for the reminder caps.
type NotificationType string

const (
	NotificationManualReminder    NotificationType = "manual_reminder"
	NotificationExpiryReminder    NotificationType = "expiry_reminder"
	NotificationCreation          NotificationType = "creation"
	NotificationVoterConfirmation NotificationType = "voter_confirmation"
)

// NotificationLog records one outbound email for reminder-cap enforcement.
type NotificationLog struct {
	ID             int64            `json:"id"`
	PollID         string           `json:"pollId"`
	Type           NotificationType `json:"type"`
	RecipientEmail string           `json:"recipientEmail"`
	CreatedAt      time.Time        `json:"createdAt"`
}
