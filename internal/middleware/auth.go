package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"mechlink/internal/auth"
	"mechlink/internal/model"
)

const (
	userIDContextKey = "userID"
	roleContextKey   = "role"
)

func UserIDFromContext(c *gin.Context) (string, bool) {
	userID, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	value, ok := userID.(string)
	return value, ok && value != ""
}

func RoleFromContext(c *gin.Context) (model.Role, bool) {
	role, ok := c.Get(roleContextKey)
	if !ok {
		return model.RoleUnknown, false
	}
	value, ok := role.(model.Role)
	return value, ok && value != model.RoleUnknown
}

func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		claims, err := auth.VerifyToken(parts[1], cfg)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		c.Set(userIDContextKey, claims.UserID)
		c.Set(roleContextKey, claims.Role)
		c.Next()
	}
}

// RequireRole guards endpoints that only one side of the marketplace may
// call. Must run after RequireAuth.
func RequireRole(role model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		got, ok := RoleFromContext(c)
		if !ok || got != role {
			c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
			c.Abort()
			return
		}
		c.Next()
	}
}
