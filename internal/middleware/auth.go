package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/portalchat/internal/auth"
)

// ContextKeySubject holds the bridge client name from the token.
const ContextKeySubject = "bridge_subject"

// AuthMiddleware returns a Gin middleware that validates bridge tokens.
//
// The token comes from the Authorization header, or from the "token" query
// parameter for WebSocket upgrades, since browsers cannot set headers on
// a WebSocket handshake.
//
// Why take `secret` as a parameter?
//   - The middleware does not import config; main passes cfg.BridgeSecret.
//   - Tests pass any secret they like.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, msg := bearer(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		claims, err := auth.ParseToken(tokenString, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(ContextKeySubject, claims.Subject)
		c.Next()
	}
}

func bearer(c *gin.Context) (token, problem string) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if q := c.Query("token"); q != "" {
			return q, ""
		}
		return "", "missing authorization header"
	}

	// "Bearer eyJhbG..." → ["Bearer", "eyJhbG..."]
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", "invalid authorization format, expected: Bearer <token>"
	}
	return parts[1], ""
}

// GetSubject returns the authenticated bridge client, or "" outside the
// middleware.
func GetSubject(c *gin.Context) string {
	val, exists := c.Get(ContextKeySubject)
	if !exists {
		return ""
	}
	s, ok := val.(string)
	if !ok {
		return ""
	}
	return s
}
