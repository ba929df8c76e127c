package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyUserID is the gin context key holding the end user the
	// gateway vouched for.
	ContextKeyUserID = "authUserID"
	// ContextKeyService marks a request that presented a valid service token.
	ContextKeyService = "authService"

	// HeaderUserID carries the end user's id from the gateway.
	HeaderUserID = "X-User-ID"
)

// Middleware validates the service token and, when valid, stores the
// forwarded user id in the context. It never aborts; use RequireUser on
// routes that need a caller.
func Middleware(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := a.ValidateService(bearerToken(c.GetHeader("Authorization"))); err == nil {
			c.Set(ContextKeyService, true)
			if id := strings.TrimSpace(c.GetHeader(HeaderUserID)); id != "" {
				c.Set(ContextKeyUserID, id)
			}
		}
		c.Next()
	}
}

// RequireUser rejects requests without an authenticated end user.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Service token and X-User-ID header required.",
			})
			return
		}
		c.Next()
	}
}

// RequireInternal guards routes called by trusted infrastructure only.
func RequireInternal(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := a.ValidateInternal(bearerToken(c.GetHeader("Authorization"))); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": err.Error(),
			})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated end user, or "" if there is none.
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// IsAuthenticated checks if the request presented a valid service token.
func IsAuthenticated(c *gin.Context) bool {
	return c.GetBool(ContextKeyService)
}
