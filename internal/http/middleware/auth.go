// README: Auth middleware; resolves the caller from a Firebase ID token or, in development, from headers.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"rideflow/internal/infra"
)

const (
	RoleRider  = "rider"
	RoleDriver = "driver"
	RoleAdmin  = "admin"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"

	ctxKeyUID  = "auth.uid"
	ctxKeyRole = "auth.role"
)

// Auth verifies the bearer token and stores uid and role on the context.
// A token without a role claim belongs to a rider.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			abortUnauthenticated(c, "missing bearer token")
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), strings.TrimSpace(raw))
		if err != nil || token == nil || token.UID == "" {
			abortUnauthenticated(c, "invalid token")
			return
		}
		role, _ := token.Claims["role"].(string)
		setCaller(c, token.UID, role)
		c.Next()
	}
}

// HeaderAuth trusts X-User-ID and X-User-Role. Only for local development.
func HeaderAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if uid == "" {
			abortUnauthenticated(c, "missing "+HeaderUserID)
			return
		}
		setCaller(c, uid, strings.TrimSpace(c.GetHeader(HeaderUserRole)))
		c.Next()
	}
}

func setCaller(c *gin.Context, uid, role string) {
	switch role {
	case RoleDriver, RoleAdmin:
	default:
		role = RoleRider
	}
	c.Set(ctxKeyUID, uid)
	c.Set(ctxKeyRole, role)
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxKeyUID)
}

func CallerRole(c *gin.Context) string {
	return c.GetString(ctxKeyRole)
}

func abortUnauthenticated(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "unauthenticated", "error": msg})
}
