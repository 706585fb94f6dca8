// Package errors defines the structured application error used across the
// backend and the wire error codes exposed to API clients.
package errors

import (
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ValidationError  ErrorType = "VALIDATION_ERROR"
	NotFoundError    ErrorType = "NOT_FOUND"
	AuthError        ErrorType = "AUTHENTICATION_ERROR"
	ForbiddenError   ErrorType = "FORBIDDEN"
	ConflictError    ErrorType = "CONFLICT"
	RateLimitError   ErrorType = "RATE_LIMIT"
	DatabaseError    ErrorType = "DATABASE_ERROR"
	ServerError      ErrorType = "SERVER_ERROR"
	UnavailableError ErrorType = "SERVICE_UNAVAILABLE"
)

// Wire error codes. These are API contract constants; clients match on them.
const (
	CodePollInactive         = "POLL_INACTIVE"
	CodePollExpired          = "POLL_EXPIRED"
	CodeAlreadyVoted         = "ALREADY_VOTED"
	CodeDuplicateEmailVote   = "DUPLICATE_EMAIL_VOTE"
	CodeSlotFull             = "SLOT_FULL"
	CodeAlreadySignedUp      = "ALREADY_SIGNED_UP"
	CodeRequiresLogin        = "REQUIRES_LOGIN"
	CodeEmailBelongsToOther  = "EMAIL_BELONGS_TO_ANOTHER_USER"
	CodeWithdrawalNotAllowed = "WITHDRAWAL_NOT_ALLOWED"
	CodeNoVotesFound         = "NO_VOTES_FOUND"
	CodeReminderLimitReached = "REMINDER_LIMIT_REACHED"
	CodeReminderTooSoon      = "REMINDER_TOO_SOON"
)

// AppError is the structured application error. Code carries the wire error
// code when one applies; Detail is only exposed for validation and not-found
// responses.
type AppError struct {
	Type       ErrorType   `json:"type"`
	Code       string      `json:"code,omitempty"`
	Message    string      `json:"message"`
	Detail     string      `json:"detail,omitempty"`
	Details    interface{} `json:"-"`
	HTTPStatus int         `json:"-"`
	RetryAfter int         `json:"-"`
	Raw        error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Raw
}

// GetHTTPStatus returns the HTTP status for the error, defaulting to 500.
func (e *AppError) GetHTTPStatus() int {
	if e.HTTPStatus == 0 {
		return http.StatusInternalServerError
	}
	return e.HTTPStatus
}

// New creates an AppError with the canonical status for its type.
func New(errType ErrorType, message string, detail string) *AppError {
	return &AppError{
		Type:       errType,
		Message:    message,
		Detail:     detail,
		HTTPStatus: getHTTPStatus(errType),
	}
}

// Wrap attaches AppError context to a raw error.
func Wrap(err error, errType ErrorType, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{
		Type:       errType,
		Message:    message,
		Detail:     err.Error(),
		HTTPStatus: getHTTPStatus(errType),
		Raw:        err,
	}
}

func getHTTPStatus(errType ErrorType) int {
	switch errType {
	case ValidationError:
		return http.StatusBadRequest
	case AuthError:
		return http.StatusUnauthorized
	case ForbiddenError:
		return http.StatusForbidden
	case NotFoundError:
		return http.StatusNotFound
	case ConflictError:
		return http.StatusConflict
	case RateLimitError:
		return http.StatusTooManyRequests
	case UnavailableError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func ValidationFailed(message string, detail string) *AppError {
	return New(ValidationError, message, detail)
}

// ValidationFailedWithDetails carries structured validation details that the
// error handler serializes into the response body.
func ValidationFailedWithDetails(message string, details interface{}) *AppError {
	e := New(ValidationError, message, "")
	e.Details = details
	return e
}

func Unauthorized(message string) *AppError {
	return New(AuthError, message, "")
}

func Forbidden(message string, detail string) *AppError {
	return New(ForbiddenError, message, detail)
}

// NotFound returns an opaque 404. The entity detail is logged, never exposed
// beyond the generic message.
func NotFound(entity string) *AppError {
	return New(NotFoundError, fmt.Sprintf("%s not found", entity), "")
}

func Conflict(code string, message string) *AppError {
	e := New(ConflictError, message, "")
	e.Code = code
	return e
}

// BadRequest returns a 400 carrying a wire error code, used for vote-engine
// rejections such as SLOT_FULL or POLL_EXPIRED.
func BadRequest(code string, message string) *AppError {
	e := New(ValidationError, message, "")
	e.Code = code
	return e
}

func RateLimitExceeded(message string, retryAfter int) *AppError {
	e := New(RateLimitError, message, "")
	e.RetryAfter = retryAfter
	return e
}

func NewDatabaseError(err error) *AppError {
	return &AppError{
		Type:       DatabaseError,
		Message:    "Database operation failed",
		Detail:     "Please try again later",
		HTTPStatus: http.StatusInternalServerError,
		Raw:        err,
	}
}

func InternalServerError(message string) *AppError {
	return New(ServerError, message, "")
}

func ServiceUnavailable(message string) *AppError {
	return New(UnavailableError, message, "")
}
