// Package middleware provides HTTP middleware for the Ferry API.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys used by this package.
type ContextKey string

// UserIDContextKey is the context key for the authenticated user ID.
const UserIDContextKey ContextKey = "user_id"

// SessionReader resolves the user of a request.
type SessionReader interface {
	UserID(r *http.Request) (uuid.UUID, error)
}

// AuthMiddleware returns a Gin middleware that requires an authenticated session.
func AuthMiddleware(sessions SessionReader, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "auth_middleware").Logger()

	return func(c *gin.Context) {
		userID, err := sessions.UserID(c.Request)
		if err != nil {
			log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("unauthenticated request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(string(UserIDContextKey), userID)
		c.Next()
	}
}

// GetUserID returns the authenticated user ID from the Gin context, or uuid.Nil.
func GetUserID(c *gin.Context) uuid.UUID {
	v, ok := c.Get(string(UserIDContextKey))
	if !ok {
		return uuid.Nil
	}
	id, _ := v.(uuid.UUID)
	return id
}

// RequireUser returns the authenticated user ID, aborting with 401 if absent.
func RequireUser(c *gin.Context) (uuid.UUID, bool) {
	id := GetUserID(c)
	if id == uuid.Nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return uuid.Nil, false
	}
	return id, true
}
