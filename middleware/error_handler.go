package middleware

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/tallyhq/tally-backend/errors"
	"github.com/tallyhq/tally-backend/logger"
)

// errorResponse is the wire envelope. Fields beyond "error" appear only when
// set.
type errorResponse struct {
	Error          string      `json:"error"`
	ErrorCode      string      `json:"errorCode,omitempty"`
	Details        interface{} `json:"details,omitempty"`
	RetryAfter     int         `json:"retryAfter,omitempty"`
	ResultsPrivate bool        `json:"resultsPrivate,omitempty"`
}

// ErrorHandler renders the first error a handler attached via c.Error into
// the JSON error envelope. Handlers never write error bodies themselves.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		log := logger.GetLogger()
		err := c.Errors[0].Err

		var appErr *apperrors.AppError
		if !errors.As(err, &appErr) {
			log.Errorw("Unhandled error",
				"error", err,
				"path", c.Request.URL.Path,
				"requestId", GetRequestID(c))
			c.JSON(500, errorResponse{Error: "Internal server error"})
			return
		}

		status := appErr.GetHTTPStatus()
		resp := errorResponse{
			Error:     appErr.Message,
			ErrorCode: appErr.Code,
			Details:   appErr.Details,
		}
		if appErr.Detail != "" && status < 500 {
			resp.Error = appErr.Message + ": " + appErr.Detail
		}
		if appErr.Code == "RESULTS_PRIVATE" {
			resp.ErrorCode = ""
			resp.ResultsPrivate = true
		}
		if appErr.RetryAfter > 0 {
			resp.RetryAfter = appErr.RetryAfter
			c.Header("Retry-After", strconv.Itoa(appErr.RetryAfter))
		}

		if status >= 500 {
			// Internal detail stays in the log; clients get the generic message.
			log.Errorw("Request failed",
				"type", appErr.Type,
				"error", appErr.Error(),
				"raw", appErr.Raw,
				"path", c.Request.URL.Path,
				"requestId", GetRequestID(c))
			resp.Error = "Internal server error"
			resp.Details = nil
		} else {
			log.Debugw("Request rejected",
				"type", appErr.Type,
				"code", appErr.Code,
				"status", status,
				"path", c.Request.URL.Path,
				"requestId", GetRequestID(c))
		}

		c.JSON(status, resp)
	}
}
