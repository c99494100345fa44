package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"barassistant/internal/auth"
	"barassistant/internal/common"
)

// AuthRequired rejects requests without a valid bearer token and stores the
// token subject in the context for handlers.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			common.Fail(c, http.StatusUnauthorized, 40100, "missing bearer token")
			c.Abort()
			return
		}
		subject, err := auth.ParseJWT(token, secret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40101, "invalid token")
			c.Abort()
			return
		}
		c.Set("subject", subject)
		c.Next()
	}
}
