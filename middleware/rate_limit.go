package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/tallyhq/tally-backend/errors"
	"github.com/tallyhq/tally-backend/internal/ratelimit"
	"github.com/tallyhq/tally-backend/logger"
)

// RateLimit enforces the named bucket. Authenticated requests are keyed by
// user ID, anonymous ones by client IP. Limiter backend errors fail open:
// throttling is protection, not a dependency.
func RateLimit(limiter ratelimit.Limiter, bucket string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := GetUserID(c)
		if key == "" {
			key = c.ClientIP()
		}

		result, err := limiter.Check(c.Request.Context(), bucket, key)
		if err != nil {
			logger.GetLogger().Warnw("Rate limiter check failed, allowing request",
				"bucket", bucket, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

		if !result.Allowed {
			retryAfter := int(result.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			_ = c.Error(apperrors.RateLimitExceeded("Too many requests", retryAfter))
			c.Abort()
			return
		}

		c.Next()
	}
}
