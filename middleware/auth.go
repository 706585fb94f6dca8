package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/tallyhq/tally-backend/errors"
	"github.com/tallyhq/tally-backend/logger"
)

// sessionClaims is the JWT claim set issued by the authentication provider.
// Only the subject matters here.
type sessionClaims struct {
	jwt.RegisteredClaims
}

func parseSessionToken(tokenString, secret string) (string, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid || claims.Subject == "" {
		return "", apperrors.Unauthorized("Invalid or expired session token")
	}
	return claims.Subject, nil
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if token, found := strings.CutPrefix(header, "Bearer "); found {
		return token
	}
	return ""
}

// OptionalAuth resolves a session when a bearer token is present. A missing
// token is fine; a present but invalid one is rejected so clients notice
// expired sessions instead of silently voting anonymously.
func OptionalAuth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.Next()
			return
		}

		userID, err := parseSessionToken(token, jwtSecret)
		if err != nil {
			logger.GetLogger().Debugw("Rejected invalid session token",
				"path", c.Request.URL.Path, "requestId", GetRequestID(c))
			c.AbortWithStatusJSON(401, errorResponse{Error: "Invalid or expired session token"})
			return
		}

		c.Set(ContextKeyUserID, userID)
		c.Next()
	}
}

// RequireAuth aborts anonymous requests. Must run after OptionalAuth.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetUserID(c) == "" {
			c.AbortWithStatusJSON(401, errorResponse{Error: "Authentication required"})
			return
		}
		c.Next()
	}
}
