package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lalith-99/nestchat/internal/auth"
)

// Context keys for the identity claims stored per request. Handlers read
// them through the typed getters below instead of c.Get + type assertion
// at every call site.
const (
	ContextKeyUserID  = "user_id"
	ContextKeyEmail   = "email"
	ContextKeyName    = "name"
	ContextKeyPicture = "picture"
	ContextKeyToken   = "token"
)

// AuthMiddleware validates the bearer token and stores the caller's
// identity claims in the gin context. Requests without a valid token are
// aborted with 401 before any chat handler runs. WebSocket upgrades also
// pass through here — browsers cannot set headers on a WebSocket
// handshake, so a "token" query parameter is accepted as a fallback.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing authorization header",
			})
			return
		}

		claims, err := auth.ParseToken(tokenString, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(ContextKeyUserID, claims.Subject)
		c.Set(ContextKeyEmail, claims.Email)
		c.Set(ContextKeyName, claims.Name)
		c.Set(ContextKeyPicture, claims.Picture)
		// The raw token is kept so lookups made on the caller's behalf
		// (the user directory) can forward it.
		c.Set(ContextKeyToken, tokenString)

		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
		return ""
	}
	return c.Query("token")
}

func GetUserID(c *gin.Context) string { return getString(c, ContextKeyUserID) }

func GetEmail(c *gin.Context) string { return getString(c, ContextKeyEmail) }

func GetName(c *gin.Context) string { return getString(c, ContextKeyName) }

func GetPicture(c *gin.Context) string { return getString(c, ContextKeyPicture) }

func GetToken(c *gin.Context) string { return getString(c, ContextKeyToken) }

func getString(c *gin.Context, key string) string {
	val, exists := c.Get(key)
	if !exists {
		return ""
	}
	s, ok := val.(string)
	if !ok {
		return ""
	}
	return s
}
