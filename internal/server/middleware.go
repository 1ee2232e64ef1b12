package server

import (
	"net/http"
	"strings"

	"github.com/fableloom/loom-credits/internal/usercontext"
	"github.com/gin-gonic/gin"
)

// Identity headers are set by the fronting gateway after it verifies
// the session; this service never sees raw credentials.
const (
	headerUserID     = "X-User-ID"
	headerPrivileged = "X-User-Privileged"
)

// IdentityMiddleware lifts gateway identity headers onto the request
// context. Requests without identity pass through; handlers that need a
// caller reject them with auth_required.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(headerUserID))
		if userID != "" {
			ident := usercontext.Identity{
				UserID:     userID,
				Privileged: strings.EqualFold(c.GetHeader(headerPrivileged), "true"),
			}
			c.Set("user_id", ident.UserID)
			c.Request = c.Request.WithContext(
				usercontext.WithIdentity(c.Request.Context(), ident),
			)
		}
		c.Next()
	}
}

const (
	reserveRatePerSecond = 5
	reserveBurst         = 10
)

// rateLimitReserve throttles reservation attempts per user. With no
// redis backend configured the limiter is disabled.
func (s *Server) rateLimitReserve() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		ident, ok := usercontext.IdentityFromContext(c.Request.Context())
		if !ok {
			c.Next()
			return
		}

		result, err := s.limiter.Allow(c.Request.Context(), "reserve:"+ident.UserID, reserveRatePerSecond, reserveBurst)
		if err != nil {
			// Rate limiting is best-effort; an unreachable redis must
			// not take reservations down with it.
			c.Next()
			return
		}
		if !result.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"type":    "rate_limited",
					"message": "too many reservation attempts",
				},
			})
			return
		}
		c.Next()
	}
}

func requirePrivileged(c *gin.Context) (usercontext.Identity, bool) {
	ident, ok := usercontext.IdentityFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, errAuthRequired())
		return usercontext.Identity{}, false
	}
	if !ident.Privileged {
		AbortWithError(c, errForbidden())
		return usercontext.Identity{}, false
	}
	return ident, true
}
