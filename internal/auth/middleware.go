package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// TokenHeader is accepted as an alternative to "Authorization: Bearer".
const TokenHeader = "X-Admin-Token"

// Middleware gates gin routes behind the admin token.
type Middleware struct {
	auth *TokenAuthenticator
}

func NewMiddleware(a *TokenAuthenticator) *Middleware { return &Middleware{auth: a} }

// GinAuth rejects requests without a valid admin token with 401.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.auth.Enabled() {
			c.Next()
			return
		}
		if err := m.auth.Verify(extractToken(c.Request)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Admin token required",
			})
			return
		}
		c.Next()
	}
}

func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.Header.Get(TokenHeader))
}
