package middleware

import (
	"github.com/gin-gonic/gin"
)

// TestMode marks a request's writes as test data when the X-Test-Mode header
// is set. Only honored outside production so automated test suites can tag
// their fixtures for later cleanup.
func TestMode(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if enabled && c.GetHeader("X-Test-Mode") == "true" {
			c.Set(ContextKeyTestMode, true)
		}
		c.Next()
	}
}
