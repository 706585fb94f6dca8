// Package middleware contains the gin middleware chain: request IDs, CORS,
// error rendering, session auth, voter identity, rate limiting, and the
// test-data marker.
package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/tallyhq/tally-backend/internal/auth"
)

// Context keys set by the middleware chain.
const (
	ContextKeyRequestID     = "request_id"
	ContextKeyUserID        = "user_id"
	ContextKeyVoterIdentity = "voter_identity"
	ContextKeyTestMode      = "test_mode"
)

// GetUserID returns the authenticated user ID, or "" for anonymous requests.
func GetUserID(c *gin.Context) string {
	id, _ := c.Get(ContextKeyUserID)
	s, _ := id.(string)
	return s
}

// GetVoterIdentity returns the resolved voter identity. The bool is false
// only on routes outside the identity middleware.
func GetVoterIdentity(c *gin.Context) (auth.VoterIdentity, bool) {
	v, ok := c.Get(ContextKeyVoterIdentity)
	if !ok {
		return auth.VoterIdentity{}, false
	}
	ident, ok := v.(auth.VoterIdentity)
	return ident, ok
}

// IsTestMode reports whether this request flagged its writes as test data.
func IsTestMode(c *gin.Context) bool {
	return c.GetBool(ContextKeyTestMode)
}

// GetRequestID returns the request correlation ID.
func GetRequestID(c *gin.Context) string {
	return c.GetString(ContextKeyRequestID)
}
