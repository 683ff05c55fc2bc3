package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/planningpoker/core/internal/auth"
)

// userIDContextKey and tierContextKey are the gin context keys RequireAuth
// stashes the verified caller's identity under; REST handlers read them back
// via requestUserID/requestTier-style helpers local to their own package.
const userIDContextKey = "userId"
const tierContextKey = "tier"

// RequireAuth validates the request's bearer token against validator and
// rejects the request with 401 on failure, mirroring the WebSocket upgrade's
// token check in the gateway (§6.2 REST surface shares ConnectionGateway's
// authentication boundary).
func RequireAuth(validator auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		identity, err := validator.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(userIDContextKey, identity.UserID)
		c.Set(tierContextKey, identity.Tier)
		c.Next()
	}
}
