package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tallyhq/tally-backend/internal/auth"
	"github.com/tallyhq/tally-backend/logger"
)

// DeviceCookieName is the cookie carrying the signed device token.
const DeviceCookieName = "tally_device"

// VoterIdentity resolves who is voting, in priority order: authenticated
// session, then signed device cookie. A missing or invalid cookie gets a
// fresh token minted and set, so every responder leaves with an identity.
func VoterIdentity(tokens *auth.DeviceTokenService, secureCookies bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := GetUserID(c); userID != "" {
			c.Set(ContextKeyVoterIdentity, auth.UserIdentity(userID))
			c.Next()
			return
		}

		if cookie, err := c.Cookie(DeviceCookieName); err == nil {
			if deviceID, ok := tokens.Verify(cookie); ok {
				c.Set(ContextKeyVoterIdentity,
					auth.DeviceIdentity(deviceID, tokens.HashDeviceID(deviceID)))
				c.Next()
				return
			}
		}

		token, deviceID, err := tokens.Issue(c.Request.UserAgent())
		if err != nil {
			// Identity stays unset; vote submission will still work through
			// the email fallback key.
			logger.GetLogger().Errorw("Failed to issue device token", "error", err)
			c.Next()
			return
		}

		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(DeviceCookieName, token,
			int(auth.DeviceTokenTTL.Seconds()), "/", "", secureCookies, true)

		c.Set(ContextKeyVoterIdentity,
			auth.DeviceIdentity(deviceID, tokens.HashDeviceID(deviceID)))
		c.Next()
	}
}
