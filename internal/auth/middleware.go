package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ActorHeader names the caller when token auth is disabled.
const ActorHeader = "X-Actor"

// Middleware resolves the calling actor for HTTP handlers.
type Middleware struct {
	tokens  *Tokens
	enabled bool
}

// NewMiddleware returns a middleware. With enabled=false the X-Actor header
// is trusted as is.
func NewMiddleware(tokens *Tokens, enabled bool) *Middleware {
	return &Middleware{tokens: tokens, enabled: enabled && tokens != nil}
}

// GinAuth stores the actor in the request context. When token auth is
// enabled a missing or invalid bearer token is rejected with 401.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enabled {
			if name := strings.TrimSpace(c.GetHeader(ActorHeader)); name != "" {
				c.Request = c.Request.WithContext(WithActor(c.Request.Context(), Actor{Name: name}))
			}
			c.Next()
			return
		}

		raw := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		actor, err := m.tokens.Verify(strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.Request = c.Request.WithContext(WithActor(c.Request.Context(), actor))
		c.Next()
	}
}
